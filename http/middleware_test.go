package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/encoding"
	"github.com/nacorid/x402-escrow/entitlement"
	"github.com/nacorid/x402-escrow/settlement"
	"github.com/nacorid/x402-escrow/signers/evm"
)

const payerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func priceTemplate() escrow.PaymentRequirements {
	token := escrow.BaseSepolia.USDCToken()
	return escrow.PaymentRequirements{
		Scheme:            escrow.SchemeExact,
		Network:           escrow.NetworkBaseSepolia,
		Amount:            "10000",
		Asset:             token.Address,
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		MaxTimeoutSeconds: 60,
		Extra:             map[string]interface{}{escrow.ExtraName: token.Name, escrow.ExtraVersion: token.Version},
	}
}

type countingFacilitator struct {
	verifies atomic.Int32
	settles  atomic.Int32
	verify   func() (*escrow.VerifyResponse, error)
}

func (f *countingFacilitator) Verify(context.Context, escrow.PaymentPayload, escrow.PaymentRequirements) (*escrow.VerifyResponse, error) {
	f.verifies.Add(1)
	if f.verify != nil {
		return f.verify()
	}
	return &escrow.VerifyResponse{IsValid: true}, nil
}

func (f *countingFacilitator) Settle(_ context.Context, _ escrow.PaymentPayload, r escrow.PaymentRequirements) (*escrow.SettleResponse, error) {
	f.settles.Add(1)
	return &escrow.SettleResponse{Success: true, Transaction: "0xfeed", Network: r.Network}, nil
}

type gateFixture struct {
	facilitator *countingFacilitator
	store       *entitlement.MemoryStore
	server      *httptest.Server
	handled     atomic.Int32
	lastPayment atomic.Value
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	f := &gateFixture{facilitator: &countingFacilitator{}, store: entitlement.NewMemoryStore()}

	pipeline, err := settlement.New(f.facilitator, f.store,
		settlement.WithRetry(escrow.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}))
	if err != nil {
		t.Fatal(err)
	}
	gate, err := NewGate(GateConfig{Pipeline: pipeline})
	if err != nil {
		t.Fatal(err)
	}

	mw := NewX402Middleware(Config{
		Gate:        gate,
		Requirement: priceTemplate(),
		Resource:    escrow.ResourceInfo{URL: "https://api.example.com/data", Description: "Data feed"},
	})
	f.server = httptest.NewServer(mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.handled.Add(1)
		if d := GetPaymentFromContext(r.Context()); d != nil {
			f.lastPayment.Store(d.PaymentID)
		}
		_, _ = w.Write([]byte("ok"))
	})))
	t.Cleanup(f.server.Close)
	return f
}

func (f *gateFixture) get(t *testing.T, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeChallenge(t *testing.T, resp *http.Response) escrow.PaymentRequired {
	t.Helper()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d; want 402", resp.StatusCode)
	}
	var challenge escrow.PaymentRequired
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	if len(challenge.Accepts) != 1 {
		t.Fatalf("accepts = %d; want 1", len(challenge.Accepts))
	}
	return challenge
}

func TestMiddleware_ChallengeHasFreshPaymentID(t *testing.T) {
	f := newGateFixture(t)

	first := decodeChallenge(t, f.get(t, nil))
	second := decodeChallenge(t, f.get(t, map[string]string{HeaderPaymentID: "unknown-id"}))

	a, b := first.Accepts[0].PaymentID(), second.Accepts[0].PaymentID()
	if a == "" || b == "" || a == b {
		t.Errorf("payment ids %q and %q; want two distinct non-empty ids", a, b)
	}
	if b == "unknown-id" {
		t.Error("challenge reused the caller's payment id")
	}
	if first.Accepts[0].Resource != "https://api.example.com/data" || first.Accepts[0].Description != "Data feed" {
		t.Errorf("requirement = %+v", first.Accepts[0])
	}
	if first.Resource == nil || first.Resource.URL != "https://api.example.com/data" {
		t.Errorf("resource = %+v", first.Resource)
	}
	if f.handled.Load() != 0 {
		t.Error("handler reached without payment")
	}
}

func TestMiddleware_PayThenReuseEntitlement(t *testing.T) {
	f := newGateFixture(t)
	signer, err := evm.NewSigner(escrow.NetworkBaseSepolia, payerKey, []escrow.TokenConfig{escrow.BaseSepolia.USDCToken()})
	if err != nil {
		t.Fatal(err)
	}

	var events []escrow.PaymentEventType
	record := func(e escrow.PaymentEvent) { events = append(events, e.Type) }
	client, err := NewClient(
		WithSigner(signer),
		WithPaymentCallback(escrow.PaymentEventAttempt, record),
		WithPaymentCallback(escrow.PaymentEventSuccess, record),
	)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := client.Get(f.server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("paid request = %d %q", resp.StatusCode, body)
	}
	settlement := GetSettlement(resp)
	if settlement == nil || settlement.Transaction != "0xfeed" {
		t.Fatalf("settlement = %+v", settlement)
	}
	if len(events) != 2 || events[1] != escrow.PaymentEventSuccess {
		t.Errorf("events = %v", events)
	}

	paymentID, _ := f.lastPayment.Load().(string)
	if paymentID == "" {
		t.Fatal("handler did not see the payment id")
	}

	// The settled id alone now grants access without another settlement.
	again := f.get(t, map[string]string{HeaderPaymentID: paymentID})
	if again.StatusCode != http.StatusOK {
		t.Fatalf("reused entitlement status = %d", again.StatusCode)
	}
	if again.Header.Get(HeaderPaymentResponse) != "" {
		t.Error("reused entitlement settled again")
	}
	if got := f.facilitator.settles.Load(); got != 1 {
		t.Errorf("settles = %d; want 1", got)
	}
	if got := f.handled.Load(); got != 2 {
		t.Errorf("handled = %d; want 2", got)
	}
}

func TestMiddleware_Refusals(t *testing.T) {
	signer, err := evm.NewSigner(escrow.NetworkBaseSepolia, payerKey, []escrow.TokenConfig{escrow.BaseSepolia.USDCToken()})
	if err != nil {
		t.Fatal(err)
	}
	signed := func(t *testing.T, amount string) string {
		req := priceTemplate().WithPaymentID("pay-1")
		req.Amount = amount
		payload, err := signer.Sign(&req)
		if err != nil {
			t.Fatal(err)
		}
		encoded, err := encoding.EncodePayment(*payload)
		if err != nil {
			t.Fatal(err)
		}
		return encoded
	}

	tests := []struct {
		name       string
		verify     func() (*escrow.VerifyResponse, error)
		amount     string
		header     string
		wantStatus int
	}{
		{name: "malformed payment", header: "not-a-payment", wantStatus: http.StatusBadRequest},
		{name: "underpaid", amount: "1", wantStatus: http.StatusPaymentRequired},
		{
			name:       "facilitator rejects",
			verify:     func() (*escrow.VerifyResponse, error) { return &escrow.VerifyResponse{InvalidReason: "insufficient_funds"}, nil },
			wantStatus: http.StatusPaymentRequired,
		},
		{
			name:       "facilitator down",
			verify:     func() (*escrow.VerifyResponse, error) { return nil, escrow.ErrFacilitatorUnavailable },
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGateFixture(t)
			f.facilitator.verify = tt.verify

			header := tt.header
			if header == "" {
				amount := tt.amount
				if amount == "" {
					amount = priceTemplate().Amount
				}
				header = signed(t, amount)
			}

			resp := f.get(t, map[string]string{HeaderPaymentID: "pay-1", HeaderPayment: header})
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d; want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusPaymentRequired {
				challenge := decodeChallenge(t, resp)
				if challenge.Error == "" || challenge.Accepts[0].PaymentID() == "pay-1" {
					t.Errorf("challenge = %+v", challenge)
				}
			}
			if f.handled.Load() != 0 || f.facilitator.settles.Load() != 0 {
				t.Errorf("handled=%d settles=%d; want 0", f.handled.Load(), f.facilitator.settles.Load())
			}
			if settled, _ := f.store.IsSettled(context.Background(), "pay-1"); settled {
				t.Error("refused payment recorded as settled")
			}
		})
	}
}

func TestMiddleware_SettledIDForOtherResourceIsChallenged(t *testing.T) {
	f := newGateFixture(t)

	elsewhere := priceTemplate()
	elsewhere.Resource = "escrow:session:s-1/payout"
	if _, _, err := f.store.PutIfAbsent(context.Background(), entitlement.NewRecord("payout-id", "0x1", elsewhere)); err != nil {
		t.Fatal(err)
	}
	cheaper := priceTemplate()
	cheaper.Resource = "https://api.example.com/data"
	cheaper.Amount = "1"
	if _, _, err := f.store.PutIfAbsent(context.Background(), entitlement.NewRecord("cheap-id", "0x2", cheaper)); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"payout-id", "cheap-id"} {
		challenge := decodeChallenge(t, f.get(t, map[string]string{HeaderPaymentID: id}))
		if challenge.Accepts[0].PaymentID() == id {
			t.Errorf("%s: challenge reused the caller's payment id", id)
		}
	}
	if f.handled.Load() != 0 {
		t.Error("handler reached with a payment id issued for something else")
	}
}

func TestMiddleware_CustomExtractor(t *testing.T) {
	store := entitlement.NewMemoryStore()
	paid := priceTemplate()
	paid.Resource = "http://example.com/data"
	if _, _, err := store.PutIfAbsent(context.Background(), entitlement.NewRecord("cookie-id", "0x1", paid)); err != nil {
		t.Fatal(err)
	}
	gate, err := NewGate(GateConfig{Entitlements: store})
	if err != nil {
		t.Fatal(err)
	}

	handler := NewX402Middleware(Config{
		Gate:        gate,
		Requirement: priceTemplate(),
		PaymentIDExtractor: func(r *http.Request) string {
			c, err := r.Cookie("x402")
			if err != nil {
				return ""
			}
			return c.Value
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	req.AddCookie(&http.Cookie{Name: "x402", Value: "cookie-id"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d; want 204", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/data", nil))
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d; want 402", w.Code)
	}
}

type brokenStore struct{ entitlement.Store }

func (brokenStore) Get(context.Context, string) (entitlement.Record, bool, error) {
	return entitlement.Record{}, false, errors.New("connection refused")
}

func TestGate_StoreFailureFailsClosed(t *testing.T) {
	gate, err := NewGate(GateConfig{Entitlements: brokenStore{}})
	if err != nil {
		t.Fatal(err)
	}
	d := gate.Evaluate(context.Background(), Attempt{PaymentID: "p", Requirement: priceTemplate()})
	if d.Allowed || d.Status != http.StatusServiceUnavailable {
		t.Errorf("decision = %+v", d)
	}
}

func TestNewGateRequiresStore(t *testing.T) {
	if _, err := NewGate(GateConfig{}); err == nil {
		t.Error("NewGate() without store succeeded")
	}
}

func TestNewX402Middleware_InvalidConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for invalid requirement")
		}
	}()
	gate, _ := NewGate(GateConfig{Entitlements: entitlement.NewMemoryStore()})
	bad := priceTemplate()
	bad.Amount = "-1"
	NewX402Middleware(Config{Gate: gate, Requirement: bad})
}
