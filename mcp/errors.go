package mcp

import (
	"errors"
	"fmt"

	escrow "github.com/nacorid/x402-escrow"
)

// JSON-RPC error codes used by the paid tool gate.
const (
	CodePaymentRequired = 402
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeParseError      = -32700
)

var (
	// ErrPaymentRequired indicates that a payment is required to call the tool.
	ErrPaymentRequired = errors.New("payment required")

	// ErrInvalidPayment indicates that _meta["x402/payment"] could not be decoded.
	ErrInvalidPayment = errors.New("invalid x402/payment")
)

// PaymentError wraps an x402 error with the tool it concerns.
type PaymentError struct {
	Err  error
	Tool string
}

func (e *PaymentError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("payment error for tool %s: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("payment error: %v", e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// WrapX402Error wraps an x402 error as a PaymentError.
func WrapX402Error(err error, tool string) error {
	if err == nil {
		return nil
	}
	return &PaymentError{Err: err, Tool: tool}
}

// IsPaymentError checks if an error is payment-related.
func IsPaymentError(err error) bool {
	if err == nil {
		return false
	}
	var paymentErr *PaymentError
	return errors.As(err, &paymentErr) ||
		errors.Is(err, ErrPaymentRequired) ||
		errors.Is(err, ErrInvalidPayment) ||
		errors.Is(err, escrow.ErrVerificationFailed) ||
		errors.Is(err, escrow.ErrSettlementFailed) ||
		errors.Is(err, escrow.ErrSettlementUncertain) ||
		errors.Is(err, escrow.ErrFacilitatorUnavailable) ||
		errors.Is(err, escrow.ErrMalformedHeader)
}
