// Package gin provides Gin-compatible middleware for x402 payment gating.
// This package is a thin adapter that translates gin.Context to stdlib http patterns
// and delegates every entitlement and settlement decision to the escrow http Gate.
package gin

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/encoding"
	x402http "github.com/nacorid/x402-escrow/http"
	"github.com/nacorid/x402-escrow/http/internal/helpers"
)

// Config is an alias for x402http.Config for convenience.
type Config = x402http.Config

// PaymentContextKey is the gin context key holding the gate's *x402http.Decision.
const PaymentContextKey = "x402_payment"

// NewX402Middleware creates the payment challenge middleware for Gin.
//
// The middleware:
//   - lets requests whose X-PAYMENT-ID has settled through unchanged
//   - settles a presented X-PAYMENT for that id and adds X-PAYMENT-RESPONSE
//   - answers everything else with 402 and a fresh payment id
//   - stores the decision in the Gin context via c.Set("x402_payment", decision)
//
// Example usage:
//
//	r := gin.Default()
//	r.Use(gin.NewX402Middleware(x402http.Config{
//	    Gate:        gate,
//	    Requirement: price,
//	}))
//	r.GET("/protected", func(c *gin.Context) {
//	    d := gin.GetPaymentFromContext(c)
//	    c.JSON(200, gin.H{"paymentId": d.PaymentID})
//	})
//
// It panics if config is invalid.
func NewX402Middleware(config Config) gin.HandlerFunc {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		d := config.Decide(c.Request)
		if !d.Allowed {
			abort(c, d, logger)
			return
		}

		if d.Settlement != nil {
			if err := helpers.AddPaymentResponseHeader(c.Writer, d.Settlement); err != nil {
				logger.Warn("failed to add payment response header", "error", err)
			}
		}

		c.Set(PaymentContextKey, &d)

		// Also store in stdlib context for compatibility with http package helpers
		ctx := context.WithValue(c.Request.Context(), x402http.PaymentContextKey, &d)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func abort(c *gin.Context, d x402http.Decision, logger *slog.Logger) {
	if d.Challenge != nil {
		if encoded, err := encoding.EncodeRequirements(*d.Challenge); err == nil {
			c.Header(helpers.HeaderPaymentRequired, encoded)
		}
		c.AbortWithStatusJSON(d.Status, d.Challenge)
		return
	}

	msg := "payment could not be processed"
	if d.Err != nil {
		msg = d.Err.Error()
	}
	logger.Warn("payment refused", "status", d.Status, "error", d.Err)
	c.AbortWithStatusJSON(d.Status, gin.H{
		"x402Version": escrow.X402Version,
		"error":       msg,
		"code":        escrow.CodeOf(d.Err),
	})
}

// GetPaymentFromContext returns the gate's decision stored in the Gin context.
// Returns nil outside the middleware.
func GetPaymentFromContext(c *gin.Context) *x402http.Decision {
	value, exists := c.Get(PaymentContextKey)
	if !exists {
		return nil
	}
	d, _ := value.(*x402http.Decision)
	return d
}
