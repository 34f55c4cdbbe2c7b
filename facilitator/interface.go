// Package facilitator defines the Authorization Verifier/Settler contract.
//
// A facilitator verifies signed EIP-3009 authorizations against a challenge
// and, once verified, broadcasts the transfer on chain. The settlement
// pipeline and the ledger consume it only through Interface.
package facilitator

import (
	"context"
	"errors"
	"log/slog"

	escrow "github.com/nacorid/x402-escrow"
)

// Interface is the verify/settle contract.
type Interface interface {
	// Verify checks that the payload is validly signed, within its time window
	// and matches requirements. It moves no funds.
	Verify(ctx context.Context, payload escrow.PaymentPayload, requirements escrow.PaymentRequirements) (*escrow.VerifyResponse, error)

	// Settle broadcasts a verified payment and returns the transaction reference.
	// It must only be called after Verify succeeded on the same inputs.
	Settle(ctx context.Context, payload escrow.PaymentPayload, requirements escrow.PaymentRequirements) (*escrow.SettleResponse, error)
}

// Discoverer is implemented by facilitators that advertise supported kinds.
type Discoverer interface {
	Supported(ctx context.Context) (*escrow.SupportedResponse, error)
}

// VerifyRequest is the request payload sent to POST /verify.
type VerifyRequest struct {
	// X402Version is the protocol version (2 for v2).
	X402Version int `json:"x402Version"`

	// PaymentPayload contains the signed payment data.
	PaymentPayload escrow.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements contains the challenge the payment answers.
	PaymentRequirements escrow.PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the request payload sent to POST /settle.
type SettleRequest VerifyRequest

// NewVerifyRequest builds the wire request for a payload answering requirements.
func NewVerifyRequest(payload escrow.PaymentPayload, requirements escrow.PaymentRequirements) VerifyRequest {
	return VerifyRequest{
		X402Version:         escrow.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}
}

// Fallback sends every call to Primary and retries it once on Secondary when
// Primary is unavailable. A duplicate settle broadcast cannot move funds twice
// because the token contract burns the authorization nonce on first use.
type Fallback struct {
	Primary   Interface
	Secondary Interface
	Logger    *slog.Logger
}

var _ Interface = (*Fallback)(nil)

func (f *Fallback) Verify(ctx context.Context, payload escrow.PaymentPayload, requirements escrow.PaymentRequirements) (*escrow.VerifyResponse, error) {
	resp, err := f.Primary.Verify(ctx, payload, requirements)
	if f.shouldFallback(err) {
		f.logger().Warn("primary facilitator failed, trying fallback", "op", "verify", "error", err)
		return f.Secondary.Verify(ctx, payload, requirements)
	}
	return resp, err
}

func (f *Fallback) Settle(ctx context.Context, payload escrow.PaymentPayload, requirements escrow.PaymentRequirements) (*escrow.SettleResponse, error) {
	resp, err := f.Primary.Settle(ctx, payload, requirements)
	if f.shouldFallback(err) {
		f.logger().Warn("primary facilitator failed, trying fallback", "op", "settle", "error", err)
		return f.Secondary.Settle(ctx, payload, requirements)
	}
	return resp, err
}

func (f *Fallback) shouldFallback(err error) bool {
	return f.Secondary != nil && errors.Is(err, escrow.ErrFacilitatorUnavailable)
}

func (f *Fallback) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
