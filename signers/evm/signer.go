// Package evm provides the custodian's EIP-3009 signing identity.
package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/internal/eip3009"
)

type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	network    string
	tokens     []escrow.TokenConfig
	maxAmount  *big.Int
}

var _ escrow.Signer = (*Signer)(nil)

type Option func(*Signer) error

// NewSigner parses a hex private key. An empty key yields
// escrow.ErrMisconfiguredSigner so callers refuse to start payouts.
func NewSigner(network string, privateKeyHex string, tokens []escrow.TokenConfig, opts ...Option) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if privateKeyHex == "" {
		return nil, escrow.ErrMisconfiguredSigner
	}
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, escrow.ErrInvalidKey
	}
	return NewSignerFromKey(network, privateKey, tokens, opts...)
}

func NewSignerFromKey(network string, key *ecdsa.PrivateKey, tokens []escrow.TokenConfig, opts ...Option) (*Signer, error) {
	if key == nil {
		return nil, escrow.ErrMisconfiguredSigner
	}
	if err := escrow.ValidateNetwork(network); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: no tokens configured", escrow.ErrInvalidToken)
	}
	for _, token := range tokens {
		if !common.IsHexAddress(token.Address) {
			return nil, fmt.Errorf("%w: %q", escrow.ErrInvalidToken, token.Address)
		}
	}

	s := &Signer{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		network:    network,
		tokens:     tokens,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// WithMaxAmount caps the value of any single authorization.
func WithMaxAmount(amount *big.Int) Option {
	return func(s *Signer) error {
		if amount == nil || amount.Sign() <= 0 {
			return fmt.Errorf("%w: max amount must be positive", escrow.ErrInvalidAmount)
		}
		s.maxAmount = amount
		return nil
	}
}

func (s *Signer) Network() string {
	return s.network
}

func (s *Signer) Address() string {
	return s.address.Hex()
}

func (s *Signer) Account() common.Address {
	return s.address
}

func (s *Signer) CanSign(requirements *escrow.PaymentRequirements) bool {
	if requirements.Scheme != escrow.SchemeExact || requirements.Network != s.network {
		return false
	}
	return s.token(requirements.Asset) != nil
}

func (s *Signer) Sign(requirements *escrow.PaymentRequirements) (*escrow.PaymentPayload, error) {
	if !s.CanSign(requirements) {
		return nil, fmt.Errorf("%w: cannot sign for %s on %s", escrow.ErrSigningFailed, requirements.Asset, requirements.Network)
	}
	if !common.IsHexAddress(requirements.PayTo) {
		return nil, fmt.Errorf("%w: invalid payTo %q", escrow.ErrSigningFailed, requirements.PayTo)
	}

	amount, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, escrow.ErrInvalidAmount
	}

	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, fmt.Errorf("%w: %s exceeds per-authorization cap %s", escrow.ErrSigningFailed, amount, s.maxAmount)
	}

	domain, err := eip3009.DomainFor(*requirements, s.token(requirements.Asset))
	if err != nil {
		return nil, err
	}

	auth, err := eip3009.CreateAuthorization(
		s.address,
		common.HexToAddress(requirements.PayTo),
		amount,
		requirements.MaxTimeoutSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", escrow.ErrSigningFailed, err)
	}

	signature, err := eip3009.SignAuthorization(s.privateKey, domain, auth)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", escrow.ErrSigningFailed, err)
	}

	return &escrow.PaymentPayload{
		X402Version: escrow.X402Version,
		Accepted:    *requirements,
		Payload: escrow.EVMPayload{
			Signature:     signature,
			Authorization: auth.ToEVM(),
		},
	}, nil
}

func (s *Signer) token(asset string) *escrow.TokenConfig {
	for i := range s.tokens {
		if strings.EqualFold(s.tokens[i].Address, asset) {
			return &s.tokens[i]
		}
	}
	return nil
}
