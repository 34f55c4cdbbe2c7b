// Package escrow implements an escrow session ledger on top of the x402 v2
// gasless payment protocol.
//
// A custodian holds a budget deposited by an owner and pays downstream
// recipients out of it with EIP-3009 transferWithAuthorization payloads that a
// facilitator verifies and settles on chain. This root package holds the
// protocol types shared by the ledger, the settlement pipeline and the
// challenge middleware:
//   - CAIP-2 network identifiers (e.g., "eip155:8453")
//   - PaymentRequirements challenges with an Extra map carrying the payment id
//   - Verify/Settle responses returned by the facilitator
//
// Import path: github.com/nacorid/x402-escrow
package escrow

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Protocol version constant
const X402Version = 2

// SchemeExact is the only payment scheme the ledger produces or accepts.
const SchemeExact = "exact"

// Keys used in PaymentRequirements.Extra.
const (
	// ExtraName is the EIP-712 domain name of the asset contract.
	ExtraName = "name"

	// ExtraVersion is the EIP-712 domain version of the asset contract.
	ExtraVersion = "version"

	// ExtraPaymentID carries the challenge's payment id.
	ExtraPaymentID = "paymentId"

	// ExtraSessionID carries the escrow session a requirement belongs to.
	ExtraSessionID = "sessionId"
)

// ResourceInfo describes the protected resource.
type ResourceInfo struct {
	// URL is the canonical identifier of the protected resource.
	URL string `json:"url"`

	// Description is an optional human-readable description.
	Description string `json:"description,omitempty"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType,omitempty"`
}

// PaymentRequirements defines what must be paid, to whom and by when.
// It is the "challenge" of the protocol and an element of PaymentRequired.Accepts.
type PaymentRequirements struct {
	// Scheme is the payment scheme identifier, always "exact".
	Scheme string `json:"scheme"`

	// Network is the blockchain network in CAIP-2 format (e.g., "eip155:8453").
	Network string `json:"network"`

	// Amount is the required amount in atomic units of the asset.
	Amount string `json:"amount"`

	// Asset is the token contract address.
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// MaxTimeoutSeconds is the validity period for the payment authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Description is a human-readable label for the payment.
	Description string `json:"description,omitempty"`

	// Resource is the canonical identifier of what is being paid for.
	Resource string `json:"resource,omitempty"`

	// Extra carries the EIP-712 domain parameters and the payment id.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentID returns the payment id carried in Extra, or "" if absent.
func (r PaymentRequirements) PaymentID() string {
	return r.extraString(ExtraPaymentID)
}

// SessionID returns the escrow session id carried in Extra, or "" if absent.
func (r PaymentRequirements) SessionID() string {
	return r.extraString(ExtraSessionID)
}

func (r PaymentRequirements) extraString(key string) string {
	if r.Extra == nil {
		return ""
	}
	v, _ := r.Extra[key].(string)
	return v
}

// WithPaymentID returns a copy of the requirements whose Extra carries id.
// The receiver's Extra map is never mutated.
func (r PaymentRequirements) WithPaymentID(id string) PaymentRequirements {
	extra := make(map[string]interface{}, len(r.Extra)+1)
	for k, v := range r.Extra {
		extra[k] = v
	}
	extra[ExtraPaymentID] = id
	r.Extra = extra
	return r
}

// Extension represents a protocol extension with its data and schema.
type Extension struct {
	// Info contains the extension data.
	Info map[string]interface{} `json:"info"`

	// Schema contains the JSON schema for validating info (passthrough only, not validated).
	Schema map[string]interface{} `json:"schema"`
}

// PaymentRequired is the 402 response body returned with a challenge.
type PaymentRequired struct {
	// X402Version is the protocol version (2 for v2).
	X402Version int `json:"x402Version"`

	// Error is a human-readable error message.
	Error string `json:"error,omitempty"`

	// Resource describes the protected resource.
	Resource *ResourceInfo `json:"resource,omitempty"`

	// Accepts is an array of payment options the server will accept.
	Accepts []PaymentRequirements `json:"accepts"`

	// Extensions contains protocol extensions (passthrough, not validated).
	Extensions map[string]Extension `json:"extensions,omitempty"`
}

// PaymentPayload is a signed payment presented against a challenge.
type PaymentPayload struct {
	// X402Version is the protocol version (2 for v2).
	X402Version int `json:"x402Version"`

	// Resource optionally describes the resource being accessed.
	Resource *ResourceInfo `json:"resource,omitempty"`

	// Accepted contains the payment requirements that were accepted.
	Accepted PaymentRequirements `json:"accepted"`

	// Payload contains the EIP-3009 signed authorization. It is an EVMPayload
	// when produced locally and a decoded JSON object when read off the wire.
	Payload interface{} `json:"payload"`

	// Extensions contains protocol extensions (passthrough, not validated).
	Extensions map[string]Extension `json:"extensions,omitempty"`
}

// EVMPayload contains EIP-3009 authorization data for EVM payments.
type EVMPayload struct {
	// Signature is the hex-encoded ECDSA signature.
	Signature string `json:"signature"`

	// Authorization contains the EIP-3009 transferWithAuthorization parameters.
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization contains EIP-3009 transferWithAuthorization parameters.
type EVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in atomic units.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique 32-byte hex string to prevent replay attacks.
	Nonce string `json:"nonce"`
}

// DecodeEVMPayload extracts the EVM authorization from a payment payload,
// whichever concrete form the Payload field holds.
func DecodeEVMPayload(payment PaymentPayload) (*EVMPayload, error) {
	switch p := payment.Payload.(type) {
	case EVMPayload:
		return &p, nil
	case *EVMPayload:
		if p == nil {
			return nil, fmt.Errorf("%w: nil evm payload", ErrMalformedHeader)
		}
		return p, nil
	case nil:
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedHeader)
	}

	raw, err := json.Marshal(payment.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	var out EVMPayload
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if out.Signature == "" || out.Authorization.From == "" {
		return nil, fmt.Errorf("%w: incomplete evm payload", ErrMalformedHeader)
	}
	return &out, nil
}

// VerifyResponse is returned by the facilitator /verify endpoint.
type VerifyResponse struct {
	// IsValid indicates whether the payment is valid.
	IsValid bool `json:"isValid"`

	// InvalidReason provides a short error code if the payment is invalid.
	InvalidReason string `json:"invalidReason,omitempty"`

	// InvalidMessage provides a human-readable error message if the payment is invalid.
	InvalidMessage string `json:"invalidMessage,omitempty"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SettleResponse is returned by the facilitator /settle endpoint.
type SettleResponse struct {
	// Success indicates whether the payment was successfully settled.
	Success bool `json:"success"`

	// ErrorReason provides a short error code if the payment failed.
	ErrorReason string `json:"errorReason,omitempty"`

	// ErrorMessage provides a human-readable error message if the payment failed.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// Transaction is the blockchain transaction hash.
	Transaction string `json:"transaction"`

	// Network is the blockchain network where the payment was settled (CAIP-2 format).
	Network string `json:"network"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`
}

// SupportedKind describes a payment type supported by a facilitator.
type SupportedKind struct {
	// X402Version is the protocol version supported.
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network in CAIP-2 format.
	Network string `json:"network"`

	// Extra contains scheme-specific additional data.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is returned by the facilitator /supported endpoint.
type SupportedResponse struct {
	// Kinds lists the payment types supported by the facilitator.
	Kinds []SupportedKind `json:"kinds"`

	// Extensions lists the extension identifiers supported.
	Extensions []string `json:"extensions"`

	// Signers maps CAIP-2 network patterns to signer addresses.
	Signers map[string][]string `json:"signers"`
}

// TokenConfig defines a token the custodian can sign for.
type TokenConfig struct {
	// Address is the token contract address.
	Address string

	// Symbol is the token symbol (e.g., "USDC").
	Symbol string

	// Decimals is the number of decimal places for the token.
	Decimals int

	// Name is the EIP-712 domain name of the token contract.
	Name string

	// Version is the EIP-712 domain version of the token contract.
	Version string
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000.
// Returns ErrInvalidAmount if the amount is negative or decimals is negative.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, ErrInvalidAmount
	}

	value := new(big.Rat)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}
	if value.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, scale)

	if value.Denom().Cmp(big.NewInt(1)) != 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(value.Num()), nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.500000".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	rat := new(big.Rat).SetInt(value)
	scale := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	rat.Quo(rat, scale)

	return rat.FloatString(decimals)
}

// ParseAtomic parses an atomic-unit integer amount that must fit in an int64.
func ParseAtomic(amount string) (int64, error) {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok || v.Sign() < 0 || !v.IsInt64() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return v.Int64(), nil
}
