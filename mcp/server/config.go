// Package server provides an MCP server whose paid tools are gated by x402
// payment ids.
package server

import (
	"log/slog"

	escrow "github.com/nacorid/x402-escrow"
	x402http "github.com/nacorid/x402-escrow/http"
)

// ToolPaymentConfig holds payment configuration for a specific MCP tool.
type ToolPaymentConfig struct {
	// Resource describes the protected resource.
	Resource escrow.ResourceInfo

	// Requirement is the tool's price. Each challenge carries a fresh payment id.
	Requirement escrow.PaymentRequirements
}

// Config holds configuration for the MCP server with x402 payment support.
type Config struct {
	// Gate decides entitlement and settles presented payments.
	Gate *x402http.Gate

	// PaymentTools maps tool names to their payment configuration.
	PaymentTools map[string]ToolPaymentConfig

	// Logger is the logger for the server.
	// If not set, slog.Default() is used.
	Logger *slog.Logger
}

// DefaultConfig returns a Config using gate and no paid tools.
func DefaultConfig(gate *x402http.Gate) *Config {
	return &Config{
		Gate:         gate,
		PaymentTools: make(map[string]ToolPaymentConfig),
		Logger:       slog.Default(),
	}
}

// AddPaymentTool sets the price of a tool.
func (c *Config) AddPaymentTool(toolName string, resource escrow.ResourceInfo, requirement escrow.PaymentRequirements) {
	if c.PaymentTools == nil {
		c.PaymentTools = make(map[string]ToolPaymentConfig)
	}
	c.PaymentTools[toolName] = ToolPaymentConfig{
		Resource:    resource,
		Requirement: requirement,
	}
}

// RequiresPayment checks if a tool requires payment.
func (c *Config) RequiresPayment(toolName string) bool {
	_, ok := c.GetPaymentConfig(toolName)
	return ok
}

// GetPaymentConfig returns the payment configuration for a tool, with the
// resource URL defaulted to mcp://tools/<name>.
func (c *Config) GetPaymentConfig(toolName string) (ToolPaymentConfig, bool) {
	if c.PaymentTools == nil {
		return ToolPaymentConfig{}, false
	}
	config, exists := c.PaymentTools[toolName]
	if !exists {
		return ToolPaymentConfig{}, false
	}
	if config.Resource.URL == "" {
		desc := config.Resource.Description
		config.Resource = SetToolResource(toolName)
		config.Resource.Description = desc
	}
	return config, true
}
