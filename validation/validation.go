// Package validation checks x402 payment data: amounts, EVM addresses, CAIP-2
// networks, challenges, payloads and EIP-3009 authorization fields.
package validation

import (
	"fmt"
	"math/big"
	"net/url"
	"regexp"
	"strings"
	"time"

	escrow "github.com/nacorid/x402-escrow"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// caip2Regex matches CAIP-2 network identifiers (namespace:reference)
	caip2Regex = regexp.MustCompile(`^[a-z0-9]+:[a-zA-Z0-9]+$`)

	nonceRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// ValidateAmount validates that an amount string is a valid non-negative integer.
// Zero amounts are allowed for free-with-signature authorization flows.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() < 0 {
		return fmt.Errorf("amount cannot be negative, got: %s", amount)
	}

	return nil
}

// ValidatePositiveAmount validates an atomic amount used for a ledger movement.
func ValidatePositiveAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", escrow.ErrInvalidAmount, amount)
	}
	return nil
}

// ValidateNetwork validates a CAIP-2 EIP-155 network identifier.
func ValidateNetwork(network string) error {
	if network == "" {
		return fmt.Errorf("network cannot be empty")
	}

	if !caip2Regex.MatchString(network) {
		return fmt.Errorf("invalid CAIP-2 network format: %s (expected namespace:reference)", network)
	}

	return escrow.ValidateNetwork(network)
}

// ValidateAddress validates a 0x-prefixed EVM address. The zero address is rejected.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !evmAddressRegex.MatchString(address) {
		return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
	}
	if strings.EqualFold(address, zeroAddress) {
		return fmt.Errorf("zero address is not a valid participant")
	}
	return nil
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ValidateResourceInfo validates a ResourceInfo structure.
// The URL field is required and must be a valid URL.
func ValidateResourceInfo(resource escrow.ResourceInfo) error {
	if resource.URL == "" {
		return fmt.Errorf("resource URL cannot be empty")
	}

	if _, err := url.Parse(resource.URL); err != nil {
		return fmt.Errorf("invalid resource URL: %w", err)
	}

	return nil
}

// ValidatePaymentRequirements validates a challenge: amount, network,
// addresses, scheme, timeout and EIP-712 domain parameters.
func ValidatePaymentRequirements(req escrow.PaymentRequirements) error {
	if err := ValidateAmount(req.Amount); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}

	if err := ValidateNetwork(req.Network); err != nil {
		return fmt.Errorf("invalid requirements: %w", err)
	}

	if err := ValidateAddress(req.PayTo); err != nil {
		return fmt.Errorf("invalid requirements: payTo %w", err)
	}

	if req.Asset == "" {
		return fmt.Errorf("invalid requirements: asset address cannot be empty")
	}
	if err := ValidateAddress(req.Asset); err != nil {
		return fmt.Errorf("invalid requirements: asset %w", err)
	}

	switch req.Scheme {
	case escrow.SchemeExact:
	case "":
		return fmt.Errorf("invalid requirements: scheme cannot be empty")
	default:
		return fmt.Errorf("invalid requirements: unsupported scheme %s", req.Scheme)
	}

	if req.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("invalid requirements: timeout cannot be negative: %d", req.MaxTimeoutSeconds)
	}

	if req.Extra != nil {
		if name, ok := req.Extra[escrow.ExtraName].(string); ok && name == "" {
			return fmt.Errorf("invalid requirements: EIP-3009 name cannot be empty")
		}
		if version, ok := req.Extra[escrow.ExtraVersion].(string); ok && version == "" {
			return fmt.Errorf("invalid requirements: EIP-3009 version cannot be empty")
		}
	}

	return nil
}

// ValidatePaymentPayload validates a payment payload structure.
func ValidatePaymentPayload(payload escrow.PaymentPayload) error {
	if payload.X402Version != escrow.X402Version {
		return fmt.Errorf("%w: %d (expected %d)", escrow.ErrUnsupportedVersion, payload.X402Version, escrow.X402Version)
	}

	if payload.Accepted.Scheme != escrow.SchemeExact {
		return fmt.Errorf("%w: %q", escrow.ErrUnsupportedScheme, payload.Accepted.Scheme)
	}

	if err := ValidateNetwork(payload.Accepted.Network); err != nil {
		return fmt.Errorf("invalid accepted network: %w", err)
	}

	if payload.Payload == nil {
		return fmt.Errorf("payload cannot be nil")
	}

	if payload.Resource != nil {
		if err := ValidateResourceInfo(*payload.Resource); err != nil {
			return fmt.Errorf("invalid resource: %w", err)
		}
	}

	return nil
}

// ValidatePaymentRequired validates a complete 402 response structure.
func ValidatePaymentRequired(pr escrow.PaymentRequired) error {
	if pr.X402Version != escrow.X402Version {
		return fmt.Errorf("unsupported x402 version: %d (expected %d)", pr.X402Version, escrow.X402Version)
	}

	if pr.Resource != nil {
		if err := ValidateResourceInfo(*pr.Resource); err != nil {
			return fmt.Errorf("invalid payment required: %w", err)
		}
	}

	if len(pr.Accepts) == 0 {
		return fmt.Errorf("invalid payment required: accepts cannot be empty")
	}

	for i, req := range pr.Accepts {
		if err := ValidatePaymentRequirements(req); err != nil {
			return fmt.Errorf("invalid payment required: accepts[%d] %w", i, err)
		}
	}

	return nil
}

// ValidateAuthorization checks that auth pays exactly req.Amount to req.PayTo
// and that its validity window contains now. A window that has not opened
// yet wraps escrow.ErrAuthorizationNotYetValid; every other mismatch wraps
// escrow.ErrVerificationFailed.
func ValidateAuthorization(auth escrow.EVMAuthorization, req escrow.PaymentRequirements, now time.Time) error {
	if err := ValidateAddress(auth.From); err != nil {
		return fmt.Errorf("%w: from %v", escrow.ErrVerificationFailed, err)
	}
	if !SameAddress(auth.To, req.PayTo) {
		return fmt.Errorf("%w: authorization pays %s, challenge requires %s", escrow.ErrVerificationFailed, auth.To, req.PayTo)
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return fmt.Errorf("%w: invalid authorization value %q", escrow.ErrVerificationFailed, auth.Value)
	}
	required, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || value.Cmp(required) != 0 {
		return fmt.Errorf("%w: authorization value %s, challenge requires %s", escrow.ErrVerificationFailed, auth.Value, req.Amount)
	}

	if !nonceRegex.MatchString(auth.Nonce) {
		return fmt.Errorf("%w: nonce must be 32 bytes of hex", escrow.ErrVerificationFailed)
	}

	validAfter, ok1 := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, ok2 := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok1 || !ok2 {
		return fmt.Errorf("%w: invalid validity window", escrow.ErrVerificationFailed)
	}

	unix := big.NewInt(now.Unix())
	if validBefore.Cmp(unix) <= 0 {
		return fmt.Errorf("%w: authorization expired at %s", escrow.ErrVerificationFailed, validBefore)
	}
	if validAfter.Cmp(unix) > 0 {
		return fmt.Errorf("%w: valid after %s", escrow.ErrAuthorizationNotYetValid, validAfter)
	}
	return nil
}
