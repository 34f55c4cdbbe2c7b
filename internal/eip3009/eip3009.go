// Package eip3009 builds, signs and recovers EIP-3009 transferWithAuthorization
// messages using EIP-712 typed data.
package eip3009

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	escrow "github.com/nacorid/x402-escrow"
)

// ClockSkew is subtracted from validAfter so that a facilitator whose clock
// lags slightly still accepts a fresh authorization.
const ClockSkew = 10 * time.Second

type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// Domain identifies the token contract the authorization is bound to.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

func CreateAuthorization(from, to common.Address, value *big.Int, timeoutSeconds int) (*Authorization, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := time.Now()
	return &Authorization{
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  big.NewInt(now.Add(-ClockSkew).Unix()),
		ValidBefore: big.NewInt(now.Add(time.Duration(timeoutSeconds) * time.Second).Unix()),
		Nonce:       nonce,
	}, nil
}

func GenerateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, err
	}
	return nonce, nil
}

// ToEVM converts the authorization to its wire form.
func (a *Authorization) ToEVM() escrow.EVMAuthorization {
	return escrow.EVMAuthorization{
		From:        a.From.Hex(),
		To:          a.To.Hex(),
		Value:       a.Value.String(),
		ValidAfter:  a.ValidAfter.String(),
		ValidBefore: a.ValidBefore.String(),
		Nonce:       "0x" + hex.EncodeToString(a.Nonce[:]),
	}
}

// ParseAuthorization converts a wire authorization back to typed values.
func ParseAuthorization(w escrow.EVMAuthorization) (*Authorization, error) {
	if !common.IsHexAddress(w.From) || !common.IsHexAddress(w.To) {
		return nil, fmt.Errorf("invalid authorization address")
	}

	auth := &Authorization{
		From: common.HexToAddress(w.From),
		To:   common.HexToAddress(w.To),
	}

	var ok bool
	if auth.Value, ok = new(big.Int).SetString(w.Value, 10); !ok {
		return nil, fmt.Errorf("invalid authorization value: %q", w.Value)
	}
	if auth.ValidAfter, ok = new(big.Int).SetString(w.ValidAfter, 10); !ok {
		return nil, fmt.Errorf("invalid validAfter: %q", w.ValidAfter)
	}
	if auth.ValidBefore, ok = new(big.Int).SetString(w.ValidBefore, 10); !ok {
		return nil, fmt.Errorf("invalid validBefore: %q", w.ValidBefore)
	}

	nonce, err := hex.DecodeString(strings.TrimPrefix(w.Nonce, "0x"))
	if err != nil || len(nonce) != 32 {
		return nil, fmt.Errorf("invalid nonce: %q", w.Nonce)
	}
	copy(auth.Nonce[:], nonce)

	return auth, nil
}

// Digest returns the EIP-712 hash the authorization signature commits to.
func Digest(domain Domain, auth *Authorization) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  (*math.HexOrDecimal256)(auth.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(auth.ValidBefore),
			"nonce":       common.BytesToHash(auth.Nonce[:]).Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := typedData.HashStruct("TransferWithAuthorization", typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := append([]byte{0x19, 0x01}, append(domainSeparator, messageHash...)...)
	return crypto.Keccak256(rawData), nil
}

// SignAuthorization signs auth with privateKey and returns a 0x-prefixed
// 65-byte signature with v in {27, 28}.
func SignAuthorization(privateKey *ecdsa.PrivateKey, domain Domain, auth *Authorization) (string, error) {
	digest, err := Digest(domain, auth)
	if err != nil {
		return "", err
	}

	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization: %w", err)
	}

	signature[64] += 27

	return "0x" + hex.EncodeToString(signature), nil
}

// RecoverSigner returns the address that produced signature over auth.
func RecoverSigner(signature string, domain Domain, auth *Authorization) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest, err := Digest(domain, auth)
	if err != nil {
		return common.Address{}, err
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// DomainFor resolves the EIP-712 domain for a challenge. The name and version
// come from req.Extra, then from fallback, then from the known chain table.
func DomainFor(req escrow.PaymentRequirements, fallback *escrow.TokenConfig) (Domain, error) {
	chainID, err := escrow.ChainIDBig(req.Network)
	if err != nil {
		return Domain{}, err
	}
	if !common.IsHexAddress(req.Asset) {
		return Domain{}, fmt.Errorf("%w: asset %q", escrow.ErrInvalidToken, req.Asset)
	}

	name, _ := req.Extra[escrow.ExtraName].(string)
	version, _ := req.Extra[escrow.ExtraVersion].(string)
	if (name == "" || version == "") && fallback != nil {
		name, version = orDefault(name, fallback.Name), orDefault(version, fallback.Version)
	}
	if name == "" || version == "" {
		if token, ok := escrow.LookupToken(req.Network, req.Asset); ok {
			name, version = orDefault(name, token.Name), orDefault(version, token.Version)
		}
	}
	if name == "" || version == "" {
		return Domain{}, fmt.Errorf("%w: missing EIP-712 name/version for %s", escrow.ErrInvalidToken, req.Asset)
	}

	return Domain{
		Name:              name,
		Version:           version,
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(req.Asset),
	}, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
