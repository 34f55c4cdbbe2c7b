package escrow

import "time"

// PaymentEventType represents the type of payment event.
type PaymentEventType string

const (
	// PaymentEventAttempt indicates a payment is being attempted.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess indicates a payment succeeded.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure indicates a payment failed.
	PaymentEventFailure PaymentEventType = "failure"
)

// Event methods.
const (
	MethodHTTP   = "HTTP"
	MethodMCP    = "MCP"
	MethodLedger = "LEDGER"
)

// PaymentEvent represents a payment lifecycle event emitted by the ledger
// (payouts, refunds, deposits) and by the challenge gates.
type PaymentEvent struct {
	// Type is the event type (attempt, success, failure).
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Method is the surface that produced the event ("HTTP", "MCP" or "LEDGER").
	Method string

	// Kind distinguishes ledger movements: "payout", "refund" or "deposit".
	Kind string

	// SessionID is the escrow session the movement belongs to, if any.
	SessionID string

	// PaymentID is the idempotency key of the payment.
	PaymentID string

	// Tool is the MCP tool being accessed (MCP only).
	Tool string

	// URL is the HTTP URL being accessed (HTTP only).
	URL string

	// Amount is the payment amount in atomic units.
	Amount string

	// Asset is the token contract address.
	Asset string

	// Network is the blockchain network identifier (CAIP-2 format).
	Network string

	// Recipient is the payment recipient address.
	Recipient string

	// Payer is the address that made the payment (available on success).
	Payer string

	// Transaction is the blockchain transaction hash (available on success).
	Transaction string

	// Error contains error details (available on failure).
	Error error

	// Duration is the time taken for the payment operation.
	Duration time.Duration
}

// PaymentCallback is a function that handles payment events.
// Callbacks are invoked synchronously during payment processing.
type PaymentCallback func(PaymentEvent)
