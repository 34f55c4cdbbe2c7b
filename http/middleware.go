package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/http/internal/helpers"
	"github.com/nacorid/x402-escrow/validation"
)

// Config holds the configuration of the payment challenge middleware.
type Config struct {
	// Gate makes the entitlement decision.
	Gate *Gate

	// Resource describes the protected resource. An empty URL is derived
	// from the request.
	Resource escrow.ResourceInfo

	// Requirement is the price of the resource. Each challenge gets a copy
	// with a fresh payment id.
	Requirement escrow.PaymentRequirements

	// PaymentIDExtractor reads the caller's payment id. Defaults to the
	// X-PAYMENT-ID header.
	PaymentIDExtractor func(*http.Request) string

	Logger *slog.Logger
}

// Header names of the challenge protocol.
const (
	HeaderPayment         = helpers.HeaderPayment
	HeaderPaymentID       = helpers.HeaderPaymentID
	HeaderPaymentResponse = helpers.HeaderPaymentResponse
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PaymentContextKey is the context key for the gate's Decision.
const PaymentContextKey = contextKey("x402_payment")

// Validate checks that the middleware can issue valid challenges.
func (c Config) Validate() error {
	if c.Gate == nil {
		return escrow.NewPaymentError(escrow.ErrCodeInvalidRequirements, "middleware needs a gate", escrow.ErrInvalidRequirements)
	}
	if err := validation.ValidatePaymentRequirements(c.Requirement); err != nil {
		return escrow.NewPaymentError(escrow.ErrCodeInvalidRequirements, err.Error(), escrow.ErrInvalidRequirements)
	}
	return nil
}

// Decide runs the gate for r. Adapters for other routers call it directly.
func (c Config) Decide(r *http.Request) Decision {
	resource := c.Resource
	if resource.URL == "" {
		resource.URL = helpers.BuildResourceURL(r)
	}
	if resource.Description == "" {
		resource.Description = "Payment required for " + r.URL.Path
	}

	extract := c.PaymentIDExtractor
	if extract == nil {
		extract = helpers.ParsePaymentID
	}

	attempt := Attempt{
		PaymentID:   extract(r),
		Requirement: c.Requirement,
		Resource:    resource,
		Method:      escrow.MethodHTTP,
		URL:         resource.URL,
	}
	if r.Header.Get(HeaderPayment) != "" {
		payment, err := helpers.ParsePaymentHeader(r)
		if err != nil {
			return Decision{Status: http.StatusBadRequest, Err: err}
		}
		attempt.Payment = payment
	}

	return c.Gate.Evaluate(r.Context(), attempt)
}

// NewX402Middleware returns net/http middleware that lets a request through
// only when it carries a settled payment id, settling a presented payment
// first when needed. Everything else receives a 402 challenge.
//
// It panics if config is invalid.
func NewX402Middleware(config Config) func(http.Handler) http.Handler {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := config.Decide(r)
			if !d.Allowed {
				WriteDecision(w, d, logger)
				return
			}

			if d.Settlement != nil {
				if err := helpers.AddPaymentResponseHeader(w, d.Settlement); err != nil {
					logger.Warn("failed to add payment response header", "error", err)
				}
			}

			ctx := context.WithValue(r.Context(), PaymentContextKey, &d)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WriteDecision writes the refusal carried by d.
func WriteDecision(w http.ResponseWriter, d Decision, logger *slog.Logger) {
	if d.Challenge != nil {
		if err := helpers.SendPaymentRequired(w, *d.Challenge); err != nil {
			logger.Error("failed to send payment required response", "error", err)
		}
		return
	}

	msg := http.StatusText(d.Status)
	if d.Err != nil {
		msg = d.Err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": msg,
		"code":  escrow.CodeOf(d.Err),
	})
}

// GetPaymentFromContext returns the gate's decision for the current request,
// or nil outside the middleware.
func GetPaymentFromContext(ctx context.Context) *Decision {
	d, _ := ctx.Value(PaymentContextKey).(*Decision)
	return d
}
