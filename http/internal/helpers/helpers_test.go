package helpers

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/encoding"
)

func TestParsePaymentHeader(t *testing.T) {
	payload := escrow.PaymentPayload{
		X402Version: 2,
		Accepted: escrow.PaymentRequirements{
			Scheme:  "exact",
			Network: "eip155:84532",
			Amount:  "10000",
		},
	}

	encoded, err := encoding.EncodePayment(payload)
	if err != nil {
		t.Fatalf("Failed to encode payment: %v", err)
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-PAYMENT", encoded)

	parsed, err := ParsePaymentHeader(req)
	if err != nil {
		t.Fatalf("Failed to parse payment header: %v", err)
	}
	if parsed.Accepted.Network != "eip155:84532" {
		t.Errorf("Expected network eip155:84532, got %s", parsed.Accepted.Network)
	}
}

func TestParsePaymentHeader_Errors(t *testing.T) {
	v1, _ := encoding.EncodePayment(escrow.PaymentPayload{X402Version: 1})

	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"missing", "", escrow.ErrMalformedHeader},
		{"not base64", "!!!", escrow.ErrMalformedHeader},
		{"old version", v1, escrow.ErrUnsupportedVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("X-PAYMENT", tt.header)
			}
			_, err := ParsePaymentHeader(req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParsePaymentHeader() error = %v; want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParsePaymentID(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-PAYMENT-ID", "  pay-1 ")
	if got := ParsePaymentID(req); got != "pay-1" {
		t.Errorf("ParsePaymentID() = %q; want pay-1", got)
	}
}

func TestSendPaymentRequired(t *testing.T) {
	challenge := escrow.PaymentRequired{
		X402Version: 2,
		Error:       "Payment required",
		Resource:    &escrow.ResourceInfo{URL: "https://example.com/data"},
		Accepts: []escrow.PaymentRequirements{
			(escrow.PaymentRequirements{Scheme: "exact", Network: "eip155:84532", Amount: "10000"}).WithPaymentID("p-1"),
		},
	}

	w := httptest.NewRecorder()
	if err := SendPaymentRequired(w, challenge); err != nil {
		t.Fatalf("SendPaymentRequired() error = %v", err)
	}

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d; want 402", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s", ct)
	}

	var body escrow.PaymentRequired
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Accepts[0].PaymentID() != "p-1" {
		t.Errorf("payment id = %q; want p-1", body.Accepts[0].PaymentID())
	}

	header, err := encoding.DecodeRequirements(w.Header().Get("PAYMENT-REQUIRED"))
	if err != nil {
		t.Fatalf("decode PAYMENT-REQUIRED: %v", err)
	}
	if header.Accepts[0].PaymentID() != "p-1" {
		t.Errorf("header payment id = %q; want p-1", header.Accepts[0].PaymentID())
	}
}

func TestAddPaymentResponseHeader(t *testing.T) {
	w := httptest.NewRecorder()
	settlement := &escrow.SettleResponse{Success: true, Transaction: "0xabc", Network: "eip155:84532"}

	if err := AddPaymentResponseHeader(w, settlement); err != nil {
		t.Fatalf("AddPaymentResponseHeader() error = %v", err)
	}

	parsed := ParseSettlement(w.Header().Get("X-PAYMENT-RESPONSE"))
	if parsed == nil || parsed.Transaction != "0xabc" {
		t.Errorf("ParseSettlement() = %+v", parsed)
	}

	if err := AddPaymentResponseHeader(w, nil); !errors.Is(err, ErrNilSettlement) {
		t.Errorf("nil settlement error = %v", err)
	}
}

func TestParsePaymentRequired(t *testing.T) {
	valid := `{"x402Version":2,"accepts":[{"scheme":"exact","network":"eip155:84532","amount":"1","asset":"0x0","payTo":"0x0","maxTimeoutSeconds":60,"extra":{"paymentId":"p-9"}}]}`

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", valid, false},
		{"bad json", "{", true},
		{"no accepts", `{"x402Version":2,"accepts":[]}`, true},
		{"no payment id", `{"x402Version":2,"accepts":[{"scheme":"exact"}]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Body: io.NopCloser(strings.NewReader(tt.body))}
			got, err := ParsePaymentRequired(resp)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePaymentRequired() error = %v; wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got.Accepts[0].PaymentID() != "p-9" {
				t.Errorf("payment id = %q", got.Accepts[0].PaymentID())
			}
		})
	}

	if _, err := ParsePaymentRequired(nil); !errors.Is(err, escrow.ErrInvalidRequirements) {
		t.Errorf("nil response error = %v", err)
	}
}

func TestBuildPaymentHeader(t *testing.T) {
	if _, err := BuildPaymentHeader(nil); !errors.Is(err, ErrNilPayment) {
		t.Errorf("nil payment error = %v", err)
	}

	encoded, err := BuildPaymentHeader(&escrow.PaymentPayload{X402Version: 2})
	if err != nil {
		t.Fatalf("BuildPaymentHeader() error = %v", err)
	}
	decoded, err := encoding.DecodePayment(encoded)
	if err != nil || decoded.X402Version != 2 {
		t.Errorf("round trip = %+v, %v", decoded, err)
	}
}

func TestBuildResourceURL(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/data?q=1", nil)
	req.Host = "example.com"
	if got := BuildResourceURL(req); got != "http://example.com/api/data?q=1" {
		t.Errorf("BuildResourceURL() = %s", got)
	}

	req.TLS = &tls.ConnectionState{}
	if got := BuildResourceURL(req); got != "https://example.com/api/data?q=1" {
		t.Errorf("BuildResourceURL() = %s", got)
	}
}
