// Package helpers provides internal HTTP utilities for the x402 challenge gate.
package helpers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/encoding"
)

// Header names used by the gate and the paying transport.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentID       = "X-PAYMENT-ID"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	HeaderPaymentRequired = "PAYMENT-REQUIRED"
)

// ErrNilSettlement is returned when settlement is nil in AddPaymentResponseHeader.
var ErrNilSettlement = errors.New("settlement is nil")

// ErrNilPayment is returned when payment is nil in BuildPaymentHeader.
var ErrNilPayment = errors.New("payment is nil")

// ParsePaymentID returns the trimmed X-PAYMENT-ID header value.
func ParsePaymentID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderPaymentID))
}

// ParsePaymentHeader extracts and decodes a PaymentPayload from the X-PAYMENT header.
// Returns ErrMalformedHeader if the header is missing or invalid.
func ParsePaymentHeader(r *http.Request) (*escrow.PaymentPayload, error) {
	paymentHeader := r.Header.Get(HeaderPayment)
	if paymentHeader == "" {
		return nil, escrow.ErrMalformedHeader
	}

	payment, err := encoding.DecodePayment(paymentHeader)
	if err != nil {
		return nil, escrow.NewPaymentError(escrow.ErrCodeInvalidRequirements, "failed to decode payment header", err)
	}

	if payment.X402Version != escrow.X402Version {
		return nil, escrow.NewPaymentError(escrow.ErrCodeUnsupportedVersion, "unsupported x402 version", escrow.ErrUnsupportedVersion)
	}

	return &payment, nil
}

// SendPaymentRequired writes a 402 Payment Required response carrying challenge
// in the body and, base64 encoded, in the PAYMENT-REQUIRED header.
func SendPaymentRequired(w http.ResponseWriter, challenge escrow.PaymentRequired) error {
	if encoded, err := encoding.EncodeRequirements(challenge); err == nil {
		w.Header().Set(HeaderPaymentRequired, encoded)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(challenge); err != nil {
		return fmt.Errorf("encoding PaymentRequired response: %w", err)
	}
	return nil
}

// AddPaymentResponseHeader adds the X-PAYMENT-RESPONSE header with settlement information.
// Returns an error if settlement is nil or encoding fails.
func AddPaymentResponseHeader(w http.ResponseWriter, settlement *escrow.SettleResponse) error {
	if settlement == nil {
		return fmt.Errorf("AddPaymentResponseHeader: %w", ErrNilSettlement)
	}
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return fmt.Errorf("AddPaymentResponseHeader: encode settlement: %w", err)
	}
	w.Header().Set(HeaderPaymentResponse, encoded)
	return nil
}

// ParsePaymentRequired extracts the challenge from a 402 response body.
// Returns an error if resp or resp.Body is nil or the challenge carries no
// payment id.
func ParsePaymentRequired(resp *http.Response) (*escrow.PaymentRequired, error) {
	if resp == nil || resp.Body == nil {
		return nil, escrow.NewPaymentError(escrow.ErrCodeInvalidRequirements, "missing response or body", escrow.ErrInvalidRequirements)
	}

	var challenge escrow.PaymentRequired
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return nil, escrow.NewPaymentError(escrow.ErrCodeInvalidRequirements, "failed to decode payment requirements", err)
	}

	if len(challenge.Accepts) == 0 {
		return nil, escrow.NewPaymentError(escrow.ErrCodeInvalidRequirements, "no payment requirements in response", escrow.ErrInvalidRequirements)
	}
	if challenge.Accepts[0].PaymentID() == "" {
		return nil, escrow.NewPaymentError(escrow.ErrCodeInvalidRequirements, "challenge carries no payment id", escrow.ErrInvalidRequirements)
	}

	return &challenge, nil
}

// ParseSettlement extracts settlement information from the X-PAYMENT-RESPONSE header.
// Returns nil if the header is empty or cannot be parsed.
func ParseSettlement(headerValue string) *escrow.SettleResponse {
	if headerValue == "" {
		return nil
	}

	settlement, err := encoding.DecodeSettlement(headerValue)
	if err != nil {
		return nil
	}

	return &settlement
}

// BuildPaymentHeader creates the X-PAYMENT header value from a PaymentPayload.
// Returns an error if payment is nil or encoding fails.
func BuildPaymentHeader(payment *escrow.PaymentPayload) (string, error) {
	if payment == nil {
		return "", fmt.Errorf("BuildPaymentHeader: %w", ErrNilPayment)
	}
	encoded, err := encoding.EncodePayment(*payment)
	if err != nil {
		return "", fmt.Errorf("BuildPaymentHeader: encode payment: %w", err)
	}
	return encoded, nil
}

// BuildResourceURL constructs the full URL for the protected resource from the request.
func BuildResourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.RequestURI
}
