package escrow

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"
)

func TestX402Version(t *testing.T) {
	if X402Version != 2 {
		t.Errorf("X402Version = %d; want 2", X402Version)
	}
}

func TestPaymentRequirementsJSON(t *testing.T) {
	req := PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           NetworkBase,
		Amount:            "1000000",
		Asset:             BaseMainnet.USDCAddress,
		PayTo:             "0x1234567890123456789012345678901234567890",
		MaxTimeoutSeconds: 300,
		Resource:          "https://example.com/api/data",
		Extra: map[string]interface{}{
			ExtraName:      "USD Coin",
			ExtraVersion:   "2",
			ExtraPaymentID: "pay-1",
		},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	var decoded PaymentRequirements
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}

	if decoded.Amount != req.Amount || decoded.PayTo != req.PayTo || decoded.Resource != req.Resource {
		t.Errorf("round-trip mismatch: got %+v", decoded)
	}
	if got := decoded.PaymentID(); got != "pay-1" {
		t.Errorf("PaymentID() = %q; want pay-1", got)
	}
}

func TestWithPaymentIDDoesNotMutate(t *testing.T) {
	template := PaymentRequirements{
		Scheme: SchemeExact,
		Extra:  map[string]interface{}{ExtraName: "USDC"},
	}

	a := template.WithPaymentID("a")
	b := template.WithPaymentID("b")

	if a.PaymentID() != "a" || b.PaymentID() != "b" {
		t.Errorf("PaymentID() = %q, %q; want a, b", a.PaymentID(), b.PaymentID())
	}
	if template.PaymentID() != "" {
		t.Errorf("template was mutated: %v", template.Extra)
	}
	if a.Extra[ExtraName] != "USDC" {
		t.Errorf("Extra[name] = %v; want USDC", a.Extra[ExtraName])
	}
}

func TestSessionIDAbsent(t *testing.T) {
	var req PaymentRequirements
	if req.SessionID() != "" {
		t.Errorf("SessionID() on nil Extra = %q; want empty", req.SessionID())
	}
}

func TestDecodeEVMPayload(t *testing.T) {
	evm := EVMPayload{
		Signature: "0xdeadbeef",
		Authorization: EVMAuthorization{
			From:        "0x1111111111111111111111111111111111111111",
			To:          "0x2222222222222222222222222222222222222222",
			Value:       "1000",
			ValidAfter:  "0",
			ValidBefore: "9999999999",
			Nonce:       "0x01",
		},
	}

	t.Run("struct value", func(t *testing.T) {
		got, err := DecodeEVMPayload(PaymentPayload{Payload: evm})
		if err != nil {
			t.Fatalf("DecodeEVMPayload() error = %v", err)
		}
		if got.Authorization.Value != "1000" {
			t.Errorf("Value = %s; want 1000", got.Authorization.Value)
		}
	})

	t.Run("decoded from wire", func(t *testing.T) {
		data, err := json.Marshal(PaymentPayload{X402Version: 2, Payload: evm})
		if err != nil {
			t.Fatal(err)
		}
		var wire PaymentPayload
		if err := json.Unmarshal(data, &wire); err != nil {
			t.Fatal(err)
		}
		got, err := DecodeEVMPayload(wire)
		if err != nil {
			t.Fatalf("DecodeEVMPayload() error = %v", err)
		}
		if got.Authorization.From != evm.Authorization.From {
			t.Errorf("From = %s; want %s", got.Authorization.From, evm.Authorization.From)
		}
	})

	t.Run("missing payload", func(t *testing.T) {
		_, err := DecodeEVMPayload(PaymentPayload{})
		if !errors.Is(err, ErrMalformedHeader) {
			t.Errorf("error = %v; want ErrMalformedHeader", err)
		}
	})

	t.Run("incomplete payload", func(t *testing.T) {
		_, err := DecodeEVMPayload(PaymentPayload{Payload: map[string]interface{}{"signature": "0x01"}})
		if !errors.Is(err, ErrMalformedHeader) {
			t.Errorf("error = %v; want ErrMalformedHeader", err)
		}
	})
}

func TestVerifyResponseJSON(t *testing.T) {
	data := `{"isValid":false,"invalidReason":"invalid_signature","payer":"0xabc"}`

	var resp VerifyResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if resp.IsValid {
		t.Error("IsValid = true; want false")
	}
	if resp.InvalidReason != "invalid_signature" {
		t.Errorf("InvalidReason = %s; want invalid_signature", resp.InvalidReason)
	}
}

func TestSettleResponseJSON(t *testing.T) {
	resp := SettleResponse{
		Success:     true,
		Transaction: "0xabc123",
		Network:     NetworkBase,
		Payer:       "0x1234",
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	var decoded SettleResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if decoded != resp {
		t.Errorf("round-trip failed: got %+v; want %+v", decoded, resp)
	}
}

func TestAmountToBigInt(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{name: "whole number", amount: "1", decimals: 6, want: "1000000"},
		{name: "decimal", amount: "1.5", decimals: 6, want: "1500000"},
		{name: "small decimal", amount: "0.000001", decimals: 6, want: "1"},
		{name: "zero", amount: "0", decimals: 6, want: "0"},
		{name: "too precise", amount: "0.0000001", decimals: 6, wantErr: true},
		{name: "invalid", amount: "abc", decimals: 6, wantErr: true},
		{name: "empty", amount: "", decimals: 6, wantErr: true},
		{name: "negative amount", amount: "-1.5", decimals: 6, wantErr: true},
		{name: "negative decimals", amount: "1.5", decimals: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AmountToBigInt(tt.amount, tt.decimals)
			if (err != nil) != tt.wantErr {
				t.Errorf("AmountToBigInt() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("AmountToBigInt() = %s; want %s", got.String(), tt.want)
			}
		})
	}
}

func TestBigIntToAmount(t *testing.T) {
	tests := []struct {
		name     string
		value    *big.Int
		decimals int
		want     string
	}{
		{name: "whole number", value: big.NewInt(1000000), decimals: 6, want: "1.000000"},
		{name: "small value", value: big.NewInt(1), decimals: 6, want: "0.000001"},
		{name: "nil", value: nil, decimals: 6, want: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BigIntToAmount(tt.value, tt.decimals); got != tt.want {
				t.Errorf("BigIntToAmount() = %s; want %s", got, tt.want)
			}
		})
	}
}

func TestParseAtomic(t *testing.T) {
	tests := []struct {
		amount  string
		want    int64
		wantErr bool
	}{
		{amount: "0", want: 0},
		{amount: "100000000", want: 100000000},
		{amount: "-1", wantErr: true},
		{amount: "1.5", wantErr: true},
		{amount: "99999999999999999999", wantErr: true},
		{amount: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ParseAtomic(tt.amount)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAtomic(%q) error = %v, wantErr %v", tt.amount, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseAtomic(%q) = %d; want %d", tt.amount, got, tt.want)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("error = %v; want ErrInvalidAmount", err)
			}
		})
	}
}
