package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/entitlement"
	x402http "github.com/nacorid/x402-escrow/http"
	"github.com/nacorid/x402-escrow/mcp"
	"github.com/nacorid/x402-escrow/settlement"
	"github.com/nacorid/x402-escrow/signers/evm"
)

const payerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func toolPrice() escrow.PaymentRequirements {
	token := escrow.BaseSepolia.USDCToken()
	return escrow.PaymentRequirements{
		Scheme:            escrow.SchemeExact,
		Network:           escrow.NetworkBaseSepolia,
		Amount:            "5000",
		Asset:             token.Address,
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		MaxTimeoutSeconds: 60,
		Extra:             map[string]interface{}{escrow.ExtraName: token.Name, escrow.ExtraVersion: token.Version},
	}
}

func mcpTool(name string) mcpproto.Tool {
	return mcpproto.NewTool(name, mcpproto.WithDescription("test tool"))
}

type okFacilitator struct{ settles int }

func (f *okFacilitator) Verify(context.Context, escrow.PaymentPayload, escrow.PaymentRequirements) (*escrow.VerifyResponse, error) {
	return &escrow.VerifyResponse{IsValid: true}, nil
}

func (f *okFacilitator) Settle(_ context.Context, _ escrow.PaymentPayload, r escrow.PaymentRequirements) (*escrow.SettleResponse, error) {
	f.settles++
	return &escrow.SettleResponse{Success: true, Transaction: "0xbeef", Network: r.Network}, nil
}

// toolBackend stands in for the MCP server and answers every call.
func toolBackend(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		var req struct {
			ID interface{} `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result": map[string]interface{}{
				"content": []map[string]string{{"type": "text", "text": "done"}},
			},
		})
	})
}

type rpcResponse struct {
	Result map[string]json.RawMessage `json:"result"`
	Error  *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

func callTool(t *testing.T, h http.Handler, name string, meta map[string]interface{}) rpcResponse {
	t.Helper()
	params := map[string]interface{}{"name": name, "arguments": map[string]interface{}{}}
	if meta != nil {
		params["_meta"] = meta
	}
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  params,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func newTestHandler(t *testing.T, store entitlement.Store, pipeline *settlement.Pipeline, calls *int) *X402Handler {
	t.Helper()
	gate, err := x402http.NewGate(x402http.GateConfig{Entitlements: store, Pipeline: pipeline})
	require.NoError(t, err)

	cfg := DefaultConfig(gate)
	cfg.AddPaymentTool("search", escrow.ResourceInfo{Description: "Paid search"}, toolPrice())

	h, err := NewX402Handler(toolBackend(calls), cfg)
	require.NoError(t, err)
	return h
}

func TestHandler_FreeToolPassesThrough(t *testing.T) {
	var calls int
	h := newTestHandler(t, entitlement.NewMemoryStore(), nil, &calls)

	resp := callTool(t, h, "echo", nil)
	assert.Nil(t, resp.Error)
	assert.Equal(t, 1, calls)
}

func TestHandler_PaidToolWithoutPayment(t *testing.T) {
	var calls int
	h := newTestHandler(t, entitlement.NewMemoryStore(), nil, &calls)

	first := callTool(t, h, "search", nil)
	require.NotNil(t, first.Error)
	assert.Equal(t, mcp.CodePaymentRequired, first.Error.Code)

	var challenge escrow.PaymentRequired
	require.NoError(t, json.Unmarshal(first.Error.Data, &challenge))
	require.Len(t, challenge.Accepts, 1)
	assert.NotEmpty(t, challenge.Accepts[0].PaymentID())
	assert.Equal(t, "mcp://tools/search", challenge.Resource.URL)

	second := callTool(t, h, "search", nil)
	var again escrow.PaymentRequired
	require.NoError(t, json.Unmarshal(second.Error.Data, &again))
	assert.NotEqual(t, challenge.Accepts[0].PaymentID(), again.Accepts[0].PaymentID(), "challenges must not share a payment id")
	assert.Zero(t, calls)
}

func TestHandler_SettledPaymentIDPasses(t *testing.T) {
	var calls int
	store := entitlement.NewMemoryStore()
	paid := toolPrice()
	paid.Resource = "mcp://tools/search"
	_, _, err := store.PutIfAbsent(context.Background(), entitlement.NewRecord("pid-1", "0x1", paid))
	require.NoError(t, err)
	h := newTestHandler(t, store, nil, &calls)

	resp := callTool(t, h, "search", map[string]interface{}{mcp.MetaPaymentID: "pid-1"})
	assert.Nil(t, resp.Error)
	assert.Equal(t, 1, calls)
	assert.NotContains(t, resp.Result, "_meta")

	unknown := callTool(t, h, "search", map[string]interface{}{mcp.MetaPaymentID: "pid-2"})
	require.NotNil(t, unknown.Error)
	assert.Equal(t, mcp.CodePaymentRequired, unknown.Error.Code)
}

func TestHandler_SettlesPresentedPayment(t *testing.T) {
	var calls int
	fac := &okFacilitator{}
	pipeline, err := settlement.New(fac, entitlement.NewMemoryStore(),
		settlement.WithRetry(escrow.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}))
	require.NoError(t, err)
	h := newTestHandler(t, nil, pipeline, &calls)

	challengeResp := callTool(t, h, "search", nil)
	var challenge escrow.PaymentRequired
	require.NoError(t, json.Unmarshal(challengeResp.Error.Data, &challenge))
	accepted := challenge.Accepts[0]

	signer, err := evm.NewSigner(escrow.NetworkBaseSepolia, payerKey, []escrow.TokenConfig{escrow.BaseSepolia.USDCToken()})
	require.NoError(t, err)
	payment, err := signer.Sign(&accepted)
	require.NoError(t, err)

	resp := callTool(t, h, "search", map[string]interface{}{
		mcp.MetaPaymentID: accepted.PaymentID(),
		mcp.MetaPayment:   payment,
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, fac.settles)

	var meta map[string]escrow.SettleResponse
	require.NoError(t, json.Unmarshal(resp.Result["_meta"], &meta))
	assert.Equal(t, "0xbeef", meta[mcp.MetaPaymentResponse].Transaction)

	// The settled id alone is now enough.
	reuse := callTool(t, h, "search", map[string]interface{}{mcp.MetaPaymentID: accepted.PaymentID()})
	assert.Nil(t, reuse.Error)
	assert.Equal(t, 1, fac.settles)
}

func TestHandler_RejectsMalformedPayment(t *testing.T) {
	var calls int
	h := newTestHandler(t, entitlement.NewMemoryStore(), nil, &calls)

	resp := callTool(t, h, "search", map[string]interface{}{
		mcp.MetaPaymentID: "pid-1",
		mcp.MetaPayment:   "not-base64!",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInvalidParams, resp.Error.Code)
	assert.Zero(t, calls)
}

func TestNewX402HandlerRequiresGate(t *testing.T) {
	_, err := NewX402Handler(http.NotFoundHandler(), &Config{})
	assert.Error(t, err)
}

func TestAddPayableToolRejectsPaymentID(t *testing.T) {
	gate, err := x402http.NewGate(x402http.GateConfig{Entitlements: entitlement.NewMemoryStore()})
	require.NoError(t, err)
	s := NewX402Server("test", "1.0.0", DefaultConfig(gate))

	price := toolPrice().WithPaymentID("fixed")
	err = s.AddPayableTool(mcpTool("search"), escrow.ResourceInfo{}, price, nil)
	assert.Error(t, err)

	require.NoError(t, s.AddPayableTool(mcpTool("lookup"), escrow.ResourceInfo{}, toolPrice(), nil))
	cfg, ok := s.config.GetPaymentConfig("lookup")
	require.True(t, ok)
	assert.Equal(t, "mcp://tools/lookup", cfg.Resource.URL)
}
