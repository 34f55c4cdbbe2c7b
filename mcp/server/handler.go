package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/encoding"
	x402http "github.com/nacorid/x402-escrow/http"
	"github.com/nacorid/x402-escrow/mcp"
)

// X402Handler wraps an MCP HTTP handler and gates paid tools/call requests.
type X402Handler struct {
	mcpHandler http.Handler
	config     *Config
}

// NewX402Handler creates a new x402 payment handler.
func NewX402Handler(mcpHandler http.Handler, config *Config) (*X402Handler, error) {
	if config == nil || config.Gate == nil {
		return nil, fmt.Errorf("x402: MCP handler needs a payment gate")
	}
	return &X402Handler{
		mcpHandler: mcpHandler,
		config:     config,
	}, nil
}

type toolCall struct {
	Name string                 `json:"name"`
	Meta map[string]interface{} `json:"_meta"`
}

// ServeHTTP intercepts tools/call requests for paid tools.
func (h *X402Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// Only intercept POST requests (JSON-RPC calls)
	if r.Method != http.MethodPost {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, nil, mcp.CodeParseError, "Parse error", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	var jsonrpcReq struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		ID      interface{}     `json:"id"`
	}
	if err := json.Unmarshal(bodyBytes, &jsonrpcReq); err != nil {
		h.writeError(w, nil, mcp.CodeParseError, "Parse error", nil)
		return
	}

	if jsonrpcReq.Method != "tools/call" {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	var call toolCall
	if err := json.Unmarshal(jsonrpcReq.Params, &call); err != nil {
		h.writeError(w, jsonrpcReq.ID, mcp.CodeInvalidParams, "Invalid params", nil)
		return
	}
	logger = logger.With("requestID", jsonrpcReq.ID, "tool", call.Name)

	paymentConfig, needsPayment := h.config.GetPaymentConfig(call.Name)
	if !needsPayment {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	payment, err := extractPayment(call.Meta)
	if err != nil {
		logger.Warn("invalid payment in _meta", "error", err)
		h.writeError(w, jsonrpcReq.ID, mcp.CodeInvalidParams, err.Error(), nil)
		return
	}
	paymentID, _ := call.Meta[mcp.MetaPaymentID].(string)

	d := h.config.Gate.Evaluate(r.Context(), x402http.Attempt{
		PaymentID:   paymentID,
		Payment:     payment,
		Requirement: paymentConfig.Requirement,
		Resource:    paymentConfig.Resource,
		Method:      escrow.MethodMCP,
		Tool:        call.Name,
	})
	if !d.Allowed {
		if d.Challenge != nil {
			logger.Info("payment required")
			h.writeError(w, jsonrpcReq.ID, mcp.CodePaymentRequired, "Payment required", d.Challenge)
			return
		}
		logger.Error("payment could not be processed", "error", d.Err)
		h.writeError(w, jsonrpcReq.ID, mcp.CodeInternalError, mcp.WrapX402Error(d.Err, call.Name).Error(), nil)
		return
	}

	h.forward(w, r, bodyBytes, d.Settlement, logger)
}

// extractPayment decodes _meta["x402/payment"], which may be a JSON object
// or the base64 header form.
func extractPayment(meta map[string]interface{}) (*escrow.PaymentPayload, error) {
	raw, ok := meta[mcp.MetaPayment]
	if !ok || raw == nil {
		return nil, nil
	}

	var payment escrow.PaymentPayload
	if s, ok := raw.(string); ok {
		decoded, err := encoding.DecodePayment(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", mcp.ErrInvalidPayment, err)
		}
		payment = decoded
	} else {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", mcp.ErrInvalidPayment, err)
		}
		if err := json.Unmarshal(data, &payment); err != nil {
			return nil, fmt.Errorf("%w: %v", mcp.ErrInvalidPayment, err)
		}
	}

	if payment.X402Version != escrow.X402Version {
		return nil, fmt.Errorf("%w: %w", mcp.ErrInvalidPayment, escrow.ErrUnsupportedVersion)
	}
	return &payment, nil
}

// forward runs the tool and adds the settlement, if any, to result._meta.
func (h *X402Handler) forward(w http.ResponseWriter, r *http.Request, requestBody []byte, settlement *escrow.SettleResponse, logger *slog.Logger) {
	r.Body = io.NopCloser(bytes.NewBuffer(requestBody))
	if settlement == nil {
		h.mcpHandler.ServeHTTP(w, r)
		return
	}

	recorder := &responseRecorder{
		headerMap:  make(http.Header),
		statusCode: http.StatusOK,
	}
	h.mcpHandler.ServeHTTP(recorder, r)

	body := recorder.body.Bytes()
	if modified, err := injectSettlement(body, settlement); err != nil {
		logger.Warn("could not attach settlement to tool result", "error", err)
	} else {
		body = modified
	}

	for k, v := range recorder.headerMap {
		w.Header()[k] = v
	}
	w.Header().Del("Content-Length")
	w.WriteHeader(recorder.statusCode)
	_, _ = w.Write(body)
}

var errNoResult = errors.New("response has no result")

func injectSettlement(body []byte, settlement *escrow.SettleResponse) ([]byte, error) {
	var jsonrpcResp map[string]json.RawMessage
	if err := json.Unmarshal(body, &jsonrpcResp); err != nil {
		return nil, err
	}
	rawResult, ok := jsonrpcResp["result"]
	if !ok {
		return nil, errNoResult
	}

	var result map[string]interface{}
	if err := json.Unmarshal(rawResult, &result); err != nil {
		return nil, err
	}
	meta, ok := result["_meta"].(map[string]interface{})
	if !ok {
		meta = make(map[string]interface{})
	}
	meta[mcp.MetaPaymentResponse] = settlement
	result["_meta"] = meta

	modified, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	jsonrpcResp["result"] = modified
	return json.Marshal(jsonrpcResp)
}

// writeError writes a JSON-RPC error response.
func (h *X402Handler) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	errorResp := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	}

	if data != nil {
		errorResp["error"].(map[string]interface{})["data"] = data
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // JSON-RPC errors use 200 status
	_ = json.NewEncoder(w).Encode(errorResp)
}

// responseRecorder records HTTP responses for modification.
type responseRecorder struct {
	headerMap  http.Header
	body       bytes.Buffer
	statusCode int
}

func (r *responseRecorder) Header() http.Header {
	return r.headerMap
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
}
