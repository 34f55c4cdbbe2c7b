package server

import (
	"fmt"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/validation"
)

// ValidateRequirement validates a tool's price template.
func ValidateRequirement(req escrow.PaymentRequirements) error {
	if err := validation.ValidatePaymentRequirements(req); err != nil {
		return err
	}
	if req.PaymentID() != "" {
		return fmt.Errorf("invalid requirement: a price template must not carry a payment id")
	}
	return nil
}

// SetToolResource sets the resource URL based on the tool name.
// Returns a ResourceInfo with the standard MCP tool URL format.
func SetToolResource(toolName string) escrow.ResourceInfo {
	return escrow.ResourceInfo{
		URL: fmt.Sprintf("mcp://tools/%s", toolName),
	}
}
