// Package encoding converts x402 payment data to and from the base64-encoded
// JSON carried in the X-PAYMENT, X-PAYMENT-RESPONSE and PAYMENT-REQUIRED headers.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	escrow "github.com/nacorid/x402-escrow"
)

// EncodePayment converts a PaymentPayload to a base64-encoded JSON string.
func EncodePayment(payment escrow.PaymentPayload) (string, error) {
	return encode("payment", payment)
}

// DecodePayment converts a base64-encoded JSON string to a PaymentPayload.
// Errors wrap escrow.ErrMalformedHeader.
func DecodePayment(encoded string) (escrow.PaymentPayload, error) {
	return decode[escrow.PaymentPayload]("payment", encoded)
}

// EncodeSettlement converts a SettleResponse to a base64-encoded JSON string.
func EncodeSettlement(settlement escrow.SettleResponse) (string, error) {
	return encode("settlement", settlement)
}

// DecodeSettlement converts a base64-encoded JSON string to a SettleResponse.
func DecodeSettlement(encoded string) (escrow.SettleResponse, error) {
	return decode[escrow.SettleResponse]("settlement", encoded)
}

// EncodeRequirements converts a PaymentRequired challenge to base64-encoded JSON.
func EncodeRequirements(requirements escrow.PaymentRequired) (string, error) {
	return encode("requirements", requirements)
}

// DecodeRequirements converts base64-encoded JSON to a PaymentRequired challenge.
func DecodeRequirements(encoded string) (escrow.PaymentRequired, error) {
	return decode[escrow.PaymentRequired]("requirements", encoded)
}

func encode(what string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// decode accepts standard and URL-safe alphabets, padded or not.
func decode[T any](what, encoded string) (T, error) {
	var out T

	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return out, fmt.Errorf("%w: empty %s", escrow.ErrMalformedHeader, what)
	}

	data, err := decodeBase64(encoded)
	if err != nil {
		return out, fmt.Errorf("%w: failed to decode base64: %v", escrow.ErrMalformedHeader, err)
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: failed to unmarshal %s: %v", escrow.ErrMalformedHeader, what, err)
	}
	return out, nil
}

func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var firstErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
