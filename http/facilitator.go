// Package http provides the facilitator HTTP client and the payment challenge
// gate for net/http servers.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/facilitator"
	"github.com/nacorid/x402-escrow/retry"
)

// AuthorizationProvider is a function that returns an Authorization header value.
// This is useful for dynamic tokens (e.g., JWT refresh) where the value may change.
//
// The provider is called on each HTTP request, including retry attempts, and
// is not serialized by the client.
type AuthorizationProvider func(*http.Request) string

// OnBeforeFunc is a callback invoked before a verify or settle operation.
// Return an error to abort the operation.
type OnBeforeFunc func(context.Context, escrow.PaymentPayload, escrow.PaymentRequirements) error

// OnAfterVerifyFunc is a callback invoked after a Verify operation completes.
type OnAfterVerifyFunc func(context.Context, escrow.PaymentPayload, escrow.PaymentRequirements, *escrow.VerifyResponse, error)

// OnAfterSettleFunc is a callback invoked after a Settle operation completes.
type OnAfterSettleFunc func(context.Context, escrow.PaymentPayload, escrow.PaymentRequirements, *escrow.SettleResponse, error)

// FacilitatorClient talks to an x402 facilitator over HTTP.
type FacilitatorClient struct {
	// BaseURL is the facilitator service URL (e.g., "https://facilitator.x402.org").
	BaseURL string

	// Client is the HTTP client to use for requests. If nil, http.DefaultClient is used.
	Client *http.Client

	// Timeouts bounds each verify and settle request when the caller's
	// context carries no deadline.
	Timeouts escrow.TimeoutConfig

	// MaxRetries is the number of extra attempts after the facilitator is unreachable.
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts (default: 100ms).
	RetryDelay time.Duration

	// Authorization is a static Authorization header value.
	// If AuthorizationProvider is also set, the provider takes precedence.
	Authorization string

	// AuthorizationProvider returns an Authorization header value per request.
	AuthorizationProvider AuthorizationProvider

	// OnBeforeVerify is called before Verify. An error aborts the operation.
	OnBeforeVerify OnBeforeFunc

	// OnAfterVerify is called after Verify completes (success or failure).
	OnAfterVerify OnAfterVerifyFunc

	// OnBeforeSettle is called before Settle. An error aborts the operation.
	OnBeforeSettle OnBeforeFunc

	// OnAfterSettle is called after Settle completes (success or failure).
	OnAfterSettle OnAfterSettleFunc
}

var (
	_ facilitator.Interface  = (*FacilitatorClient)(nil)
	_ facilitator.Discoverer = (*FacilitatorClient)(nil)
)

// NewFacilitatorClient returns a client with the default timeouts.
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		BaseURL:  baseURL,
		Client:   &http.Client{Timeout: escrow.DefaultTimeouts.RequestTimeout},
		Timeouts: escrow.DefaultTimeouts,
	}
}

func (c *FacilitatorClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *FacilitatorClient) setAuthorizationHeader(req *http.Request) {
	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
}

func (c *FacilitatorClient) retryConfig() retry.Config {
	retryDelay := c.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return retry.Config{
		MaxAttempts:  maxRetries + 1,
		InitialDelay: retryDelay,
		MaxDelay:     retryDelay * 4,
		Multiplier:   2.0,
	}
}

// Verify verifies a payment authorization without executing the transaction.
func (c *FacilitatorClient) Verify(ctx context.Context, payload escrow.PaymentPayload, requirements escrow.PaymentRequirements) (*escrow.VerifyResponse, error) {
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, payload, requirements); err != nil {
			return nil, err
		}
	}

	var resp escrow.VerifyResponse
	err := c.post(ctx, "/verify", c.Timeouts.VerifyTimeout, facilitator.NewVerifyRequest(payload, requirements), escrow.ErrVerificationFailed, &resp)
	var result *escrow.VerifyResponse
	if err == nil {
		if resp.Payer == "" {
			resp.Payer = extractPayer(payload)
		}
		result = &resp
	}

	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, payload, requirements, result, err)
	}
	return result, err
}

// Settle executes a verified payment on the blockchain.
func (c *FacilitatorClient) Settle(ctx context.Context, payload escrow.PaymentPayload, requirements escrow.PaymentRequirements) (*escrow.SettleResponse, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payload, requirements); err != nil {
			return nil, err
		}
	}

	var resp escrow.SettleResponse
	err := c.post(ctx, "/settle", c.Timeouts.SettleTimeout, facilitator.SettleRequest(facilitator.NewVerifyRequest(payload, requirements)), escrow.ErrSettlementFailed, &resp)
	var result *escrow.SettleResponse
	if err == nil {
		result = &resp
	}

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, payload, requirements, result, err)
	}
	return result, err
}

// post sends body to path, retrying only while the facilitator is unreachable.
func (c *FacilitatorClient) post(ctx context.Context, path string, timeout time.Duration, body any, baseErr error, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	_, err = retry.WithRetry(ctx, c.retryConfig(), isFacilitatorUnavailableError, func() (struct{}, error) {
		reqCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.setAuthorizationHeader(httpReq)

		httpResp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return struct{}{}, fmt.Errorf("%w: %v", escrow.ErrFacilitatorUnavailable, err)
		}
		defer httpResp.Body.Close()

		switch {
		case httpResp.StatusCode == http.StatusOK:
		case httpResp.StatusCode == http.StatusBadGateway,
			httpResp.StatusCode == http.StatusServiceUnavailable,
			httpResp.StatusCode == http.StatusGatewayTimeout:
			return struct{}{}, parseErrorResponse(httpResp, escrow.ErrFacilitatorUnavailable)
		default:
			return struct{}{}, parseErrorResponse(httpResp, baseErr)
		}

		if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
			return struct{}{}, fmt.Errorf("failed to decode %s response: %w", path, err)
		}
		return struct{}{}, nil
	})
	return err
}

// Supported queries the facilitator for supported payment types.
func (c *FacilitatorClient) Supported(ctx context.Context) (*escrow.SupportedResponse, error) {
	reqCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.VerifyTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthorizationHeader(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", escrow.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supported endpoint failed: status %d", httpResp.StatusCode)
	}

	var supportedResp escrow.SupportedResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}

	return &supportedResp, nil
}

// EnrichRequirements merges the facilitator's advertised Extra data into
// requirements. Values already present in a requirement win.
func (c *FacilitatorClient) EnrichRequirements(ctx context.Context, requirements []escrow.PaymentRequirements) ([]escrow.PaymentRequirements, error) {
	supported, err := c.Supported(ctx)
	if err != nil {
		return requirements, fmt.Errorf("failed to fetch supported payment types: %w", err)
	}

	supportedMap := make(map[string]escrow.SupportedKind)
	for _, kind := range supported.Kinds {
		supportedMap[kind.Network+"-"+kind.Scheme] = kind
	}

	enriched := make([]escrow.PaymentRequirements, len(requirements))
	for i, req := range requirements {
		enriched[i] = req
		kind, ok := supportedMap[req.Network+"-"+req.Scheme]
		if !ok || kind.Extra == nil {
			continue
		}
		extra := make(map[string]interface{}, len(req.Extra)+len(kind.Extra))
		for k, v := range kind.Extra {
			extra[k] = v
		}
		for k, v := range req.Extra {
			extra[k] = v
		}
		enriched[i].Extra = extra
	}

	return enriched, nil
}

// parseErrorResponse extracts error details from a non-200 HTTP response.
func parseErrorResponse(resp *http.Response, baseErr error) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errBody map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil {
		if reason, ok := errBody["invalidReason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
		if reason, ok := errBody["errorReason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
	}

	if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		return fmt.Errorf("%w: status %d, body: %s", baseErr, resp.StatusCode, string(bodyBytes))
	}

	return fmt.Errorf("%w: status %d", baseErr, resp.StatusCode)
}

// extractPayer reads authorization.from out of a payload in either form.
func extractPayer(payload escrow.PaymentPayload) string {
	evm, err := escrow.DecodeEVMPayload(payload)
	if err != nil {
		return ""
	}
	return evm.Authorization.From
}

func isFacilitatorUnavailableError(err error) bool {
	return errors.Is(err, escrow.ErrFacilitatorUnavailable)
}
