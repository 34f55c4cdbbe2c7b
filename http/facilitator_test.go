package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/facilitator"
)

var testRequirements = escrow.PaymentRequirements{
	Scheme:            escrow.SchemeExact,
	Network:           escrow.NetworkBaseSepolia,
	Amount:            "10000",
	Asset:             escrow.BaseSepolia.USDCAddress,
	PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
	MaxTimeoutSeconds: 60,
}

func TestFacilitatorClient_Verify(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Errorf("Expected path /verify, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST method, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", ct)
		}

		var req facilitator.VerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req.X402Version != 2 || req.PaymentRequirements.Amount != "10000" {
			t.Errorf("unexpected request: %+v", req)
		}

		_ = json.NewEncoder(w).Encode(escrow.VerifyResponse{
			IsValid: true,
			Payer:   "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		})
	}))
	defer mockServer.Close()

	client := NewFacilitatorClient(mockServer.URL)

	resp, err := client.Verify(context.Background(), escrow.PaymentPayload{X402Version: 2}, testRequirements)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !resp.IsValid {
		t.Error("Expected IsValid to be true")
	}
	if resp.Payer != "0x857b06519E91e3A54538791bDbb0E22373e36b66" {
		t.Errorf("Expected payer address, got %s", resp.Payer)
	}
}

func TestFacilitatorClient_Verify_ExtractPayer(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(escrow.VerifyResponse{IsValid: true})
	}))
	defer mockServer.Close()

	client := &FacilitatorClient{BaseURL: mockServer.URL}

	payload := escrow.PaymentPayload{
		X402Version: 2,
		Payload: map[string]interface{}{
			"signature": "0x01",
			"authorization": map[string]interface{}{
				"from": "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
			},
		},
	}

	resp, err := client.Verify(context.Background(), payload, testRequirements)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if resp.Payer != "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266" {
		t.Errorf("Expected payer from authorization, got %s", resp.Payer)
	}
}

func TestFacilitatorClient_Authorization(t *testing.T) {
	tests := []struct {
		name   string
		client func(url string) *FacilitatorClient
		want   string
	}{
		{
			name: "static",
			client: func(url string) *FacilitatorClient {
				return &FacilitatorClient{BaseURL: url, Authorization: "Bearer static"}
			},
			want: "Bearer static",
		},
		{
			name: "provider wins",
			client: func(url string) *FacilitatorClient {
				return &FacilitatorClient{
					BaseURL:               url,
					Authorization:         "Bearer static",
					AuthorizationProvider: func(*http.Request) string { return "Bearer dynamic" },
				}
			},
			want: "Bearer dynamic",
		},
		{
			name:   "none",
			client: func(url string) *FacilitatorClient { return &FacilitatorClient{BaseURL: url} },
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get("Authorization")
				_ = json.NewEncoder(w).Encode(escrow.SettleResponse{Success: true, Transaction: "0xabc"})
			}))
			defer mockServer.Close()

			if _, err := tt.client(mockServer.URL).Settle(context.Background(), escrow.PaymentPayload{}, testRequirements); err != nil {
				t.Fatalf("Settle failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Authorization = %q; want %q", got, tt.want)
			}
		})
	}
}

func TestFacilitatorClient_Verify_Hooks(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(escrow.VerifyResponse{IsValid: true})
	}))
	defer mockServer.Close()

	var beforeCalled, afterCalled bool
	client := &FacilitatorClient{
		BaseURL: mockServer.URL,
		OnBeforeVerify: func(ctx context.Context, p escrow.PaymentPayload, r escrow.PaymentRequirements) error {
			beforeCalled = true
			return nil
		},
		OnAfterVerify: func(ctx context.Context, p escrow.PaymentPayload, r escrow.PaymentRequirements, resp *escrow.VerifyResponse, err error) {
			afterCalled = true
			if err != nil || resp == nil || !resp.IsValid {
				t.Errorf("OnAfterVerify got resp=%v err=%v", resp, err)
			}
		},
	}

	if _, err := client.Verify(context.Background(), escrow.PaymentPayload{}, testRequirements); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !beforeCalled || !afterCalled {
		t.Errorf("hooks called: before=%v after=%v", beforeCalled, afterCalled)
	}
}

func TestFacilitatorClient_Settle_OnBeforeAbort(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Server was reached despite OnBeforeSettle error")
	}))
	defer mockServer.Close()

	expectedErr := errors.New("abort settlement")
	client := &FacilitatorClient{
		BaseURL: mockServer.URL,
		OnBeforeSettle: func(ctx context.Context, p escrow.PaymentPayload, r escrow.PaymentRequirements) error {
			return expectedErr
		},
	}

	_, err := client.Settle(context.Background(), escrow.PaymentPayload{}, testRequirements)
	if err != expectedErr {
		t.Errorf("Expected error %v, got %v", expectedErr, err)
	}
}

func TestFacilitatorClient_ErrorResponses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		settle   bool
		wantErr  error
		attempts int32
	}{
		{name: "verify rejected", status: http.StatusBadRequest, wantErr: escrow.ErrVerificationFailed, attempts: 1},
		{name: "settle rejected", status: http.StatusInternalServerError, settle: true, wantErr: escrow.ErrSettlementFailed, attempts: 1},
		{name: "verify unavailable", status: http.StatusServiceUnavailable, wantErr: escrow.ErrFacilitatorUnavailable, attempts: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]string{"invalidReason": "invalid_signature"})
			}))
			defer mockServer.Close()

			client := &FacilitatorClient{BaseURL: mockServer.URL, MaxRetries: 2, RetryDelay: time.Millisecond}

			var err error
			if tt.settle {
				_, err = client.Settle(context.Background(), escrow.PaymentPayload{}, testRequirements)
			} else {
				_, err = client.Verify(context.Background(), escrow.PaymentPayload{}, testRequirements)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v; want %v", err, tt.wantErr)
			}
			if got := atomic.LoadInt32(&attempts); got != tt.attempts {
				t.Errorf("attempts = %d; want %d", got, tt.attempts)
			}
		})
	}
}

func TestFacilitatorClient_Verify_Retry(t *testing.T) {
	var attempts int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(escrow.VerifyResponse{IsValid: true})
	}))
	defer mockServer.Close()

	client := &FacilitatorClient{
		BaseURL:    mockServer.URL,
		MaxRetries: 3,
		RetryDelay: 10 * time.Millisecond,
	}

	resp, err := client.Verify(context.Background(), escrow.PaymentPayload{}, testRequirements)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !resp.IsValid {
		t.Error("Expected IsValid to be true")
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d; want 3", got)
	}
}

func TestFacilitatorClient_Settle_Unreachable(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := mockServer.URL
	mockServer.Close()

	client := &FacilitatorClient{BaseURL: url}
	_, err := client.Settle(context.Background(), escrow.PaymentPayload{}, testRequirements)
	if !errors.Is(err, escrow.ErrFacilitatorUnavailable) {
		t.Errorf("Settle() error = %v; want ErrFacilitatorUnavailable", err)
	}
}

func TestFacilitatorClient_SupportedAndEnrich(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/supported" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(escrow.SupportedResponse{
			Kinds: []escrow.SupportedKind{{
				X402Version: 2,
				Scheme:      escrow.SchemeExact,
				Network:     escrow.NetworkBaseSepolia,
				Extra:       map[string]interface{}{"name": "Facilitator USDC", "feeHint": "low"},
			}},
		})
	}))
	defer mockServer.Close()

	client := NewFacilitatorClient(mockServer.URL)

	req := testRequirements
	req.Extra = map[string]interface{}{"name": "USDC"}
	enriched, err := client.EnrichRequirements(context.Background(), []escrow.PaymentRequirements{req})
	if err != nil {
		t.Fatalf("EnrichRequirements failed: %v", err)
	}
	if enriched[0].Extra["name"] != "USDC" {
		t.Errorf("user value overwritten: %v", enriched[0].Extra["name"])
	}
	if enriched[0].Extra["feeHint"] != "low" {
		t.Errorf("facilitator value missing: %v", enriched[0].Extra)
	}
	if _, ok := req.Extra["feeHint"]; ok {
		t.Error("EnrichRequirements mutated the input map")
	}
}
