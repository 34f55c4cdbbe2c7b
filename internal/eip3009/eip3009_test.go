package eip3009

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// testPrivateKey is the Foundry/Anvil first default account private key.
// This is a well-known test key - NEVER use in production.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// testAddress is the address derived from testPrivateKey.
const testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

var testDomain = Domain{
	Name:              "USDC",
	Version:           "2",
	ChainID:           big.NewInt(84532),
	VerifyingContract: common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
}

func TestGenerateNonce(t *testing.T) {
	nonces := make(map[string]bool)
	var zero [32]byte
	for i := 0; i < 100; i++ {
		nonce, err := GenerateNonce()
		if err != nil {
			t.Fatalf("GenerateNonce() error = %v", err)
		}
		if bytes.Equal(nonce[:], zero[:]) {
			t.Fatal("GenerateNonce() returned a zero nonce")
		}
		key := hex.EncodeToString(nonce[:])
		if nonces[key] {
			t.Fatalf("duplicate nonce %s", key)
		}
		nonces[key] = true
	}
}

func TestCreateAuthorization(t *testing.T) {
	from := common.HexToAddress(testAddress)
	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	value := big.NewInt(1000000)

	before := time.Now().Unix()
	auth, err := CreateAuthorization(from, to, value, 300)
	if err != nil {
		t.Fatalf("CreateAuthorization() error = %v", err)
	}

	if auth.From != from || auth.To != to || auth.Value.Cmp(value) != 0 {
		t.Errorf("authorization = %+v", auth)
	}
	if got := auth.ValidAfter.Int64(); got > before-int64(ClockSkew.Seconds())+1 {
		t.Errorf("ValidAfter = %d; want at least %v in the past", got, ClockSkew)
	}
	if window := auth.ValidBefore.Int64() - auth.ValidAfter.Int64(); window < 300 || window > 312 {
		t.Errorf("validity window = %ds; want ~310s", window)
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatal(err)
	}

	auth, err := CreateAuthorization(common.HexToAddress(testAddress), common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), big.NewInt(42), 60)
	if err != nil {
		t.Fatal(err)
	}

	sig, err := SignAuthorization(key, testDomain, auth)
	if err != nil {
		t.Fatalf("SignAuthorization() error = %v", err)
	}
	if !strings.HasPrefix(sig, "0x") || len(sig) != 2+130 {
		t.Fatalf("signature = %s; want 0x-prefixed 65 bytes", sig)
	}
	if v := sig[len(sig)-2:]; v != "1b" && v != "1c" {
		t.Errorf("v = %s; want 1b or 1c", v)
	}

	t.Run("recovers signer", func(t *testing.T) {
		got, err := RecoverSigner(sig, testDomain, auth)
		if err != nil {
			t.Fatalf("RecoverSigner() error = %v", err)
		}
		if got != common.HexToAddress(testAddress) {
			t.Errorf("RecoverSigner() = %s; want %s", got.Hex(), testAddress)
		}
	})

	t.Run("tampered value recovers another address", func(t *testing.T) {
		tampered := *auth
		tampered.Value = big.NewInt(43)
		got, err := RecoverSigner(sig, testDomain, &tampered)
		if err == nil && got == common.HexToAddress(testAddress) {
			t.Error("RecoverSigner() matched the signer for a tampered message")
		}
	})

	t.Run("other chain recovers another address", func(t *testing.T) {
		other := testDomain
		other.ChainID = big.NewInt(8453)
		got, err := RecoverSigner(sig, other, auth)
		if err == nil && got == common.HexToAddress(testAddress) {
			t.Error("RecoverSigner() matched the signer on a different chain")
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		if _, err := RecoverSigner("0x1234", testDomain, auth); err == nil {
			t.Error("RecoverSigner() should reject a short signature")
		}
		if _, err := RecoverSigner("0xzz", testDomain, auth); err == nil {
			t.Error("RecoverSigner() should reject non-hex input")
		}
	})
}

func TestSignatureIsDeterministic(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	auth := &Authorization{
		From:        common.HexToAddress(testAddress),
		To:          common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		Value:       big.NewInt(1),
		ValidAfter:  big.NewInt(0),
		ValidBefore: big.NewInt(4102444800),
	}

	a, err := SignAuthorization(key, testDomain, auth)
	if err != nil {
		t.Fatal(err)
	}
	b, err := SignAuthorization(key, testDomain, auth)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("RFC 6979 signatures over the same message should match")
	}
}

func TestWireRoundTrip(t *testing.T) {
	auth, err := CreateAuthorization(common.HexToAddress(testAddress), common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), big.NewInt(1500000), 120)
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParseAuthorization(auth.ToEVM())
	if err != nil {
		t.Fatalf("ParseAuthorization() error = %v", err)
	}
	if parsed.From != auth.From || parsed.To != auth.To || parsed.Nonce != auth.Nonce {
		t.Errorf("parsed = %+v; want %+v", parsed, auth)
	}
	if parsed.Value.Cmp(auth.Value) != 0 || parsed.ValidBefore.Cmp(auth.ValidBefore) != 0 {
		t.Errorf("parsed amounts differ: %+v", parsed)
	}

	bad := auth.ToEVM()
	bad.Nonce = "0x01"
	if _, err := ParseAuthorization(bad); err == nil {
		t.Error("ParseAuthorization() should reject a short nonce")
	}
}
