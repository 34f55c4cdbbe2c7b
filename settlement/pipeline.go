// Package settlement runs signed payments through a facilitator exactly once
// per payment id.
//
// A payment id is the unit of idempotency: the first successful verify and
// settle records an entitlement, and every later call with the same id returns
// that record without contacting the facilitator again.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/entitlement"
	"github.com/nacorid/x402-escrow/facilitator"
	"github.com/nacorid/x402-escrow/internal/eip3009"
	"github.com/nacorid/x402-escrow/retry"
	"github.com/nacorid/x402-escrow/validation"
)

// ErrPaymentIDReused is returned when a payment id already settled for a
// different requirement.
var ErrPaymentIDReused = errors.New("payment id already settled for a different payment")

// Result describes a settled payment.
type Result struct {
	PaymentID string
	TxRef     string
	Network   string
	Payer     string

	// PayTo and Amount are what the recorded settlement paid.
	PayTo  string
	Amount string

	// Replayed is true when the payment id had already settled and no
	// facilitator call was made.
	Replayed bool

	RecordedAt time.Time
}

// SettleResponse renders the result as the X-PAYMENT-RESPONSE body.
func (r *Result) SettleResponse() *escrow.SettleResponse {
	return &escrow.SettleResponse{
		Success:     true,
		Transaction: r.TxRef,
		Network:     r.Network,
		Payer:       r.Payer,
	}
}

func fromRecord(rec entitlement.Record, replayed bool) *Result {
	return &Result{
		PaymentID:  rec.PaymentID,
		TxRef:      rec.TxRef,
		Network:    rec.Network,
		Payer:      rec.Payer,
		PayTo:      rec.PayTo,
		Amount:     rec.Amount,
		Replayed:   replayed,
		RecordedAt: rec.RecordedAt,
	}
}

// Pipeline verifies, settles and records payments.
type Pipeline struct {
	facilitator facilitator.Interface
	store       entitlement.Store
	timeouts    escrow.TimeoutConfig
	retry       escrow.RetryConfig
	logger      *slog.Logger
	now         func() time.Time

	group singleflight.Group
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithTimeouts(t escrow.TimeoutConfig) Option {
	return func(p *Pipeline) { p.timeouts = t }
}

func WithRetry(r escrow.RetryConfig) Option {
	return func(p *Pipeline) { p.retry = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithClock overrides the time source used for the authorization window check.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline settling through f and recording into store.
func New(f facilitator.Interface, store entitlement.Store, opts ...Option) (*Pipeline, error) {
	if f == nil {
		return nil, errors.New("settlement: facilitator is required")
	}
	if store == nil {
		return nil, errors.New("settlement: entitlement store is required")
	}

	p := &Pipeline{
		facilitator: f,
		store:       store,
		timeouts:    escrow.DefaultTimeouts,
		retry:       escrow.DefaultRetry,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.timeouts.Validate(); err != nil {
		return nil, fmt.Errorf("settlement: %w", err)
	}
	if err := p.retry.Validate(); err != nil {
		return nil, fmt.Errorf("settlement: %w", err)
	}
	return p, nil
}

// Store returns the entitlement store the pipeline records into.
func (p *Pipeline) Store() entitlement.Store {
	return p.store
}

// LookupFor returns the settled result for paymentID when it settled req.
// A settlement of anything else under the same id is ErrPaymentIDReused.
func (p *Pipeline) LookupFor(ctx context.Context, paymentID string, req escrow.PaymentRequirements) (*Result, bool, error) {
	rec, found, err := p.store.Get(ctx, paymentID)
	if err != nil || !found || !rec.Settled {
		return nil, false, err
	}
	if !rec.Covers(req) {
		return nil, false, reused(paymentID)
	}
	return fromRecord(rec, true), true, nil
}

func reused(paymentID string) error {
	return fmt.Errorf("%w: %w: %s", escrow.ErrInvalidRequirements, ErrPaymentIDReused, paymentID)
}

// Settle runs payload through verify and settle for paymentID and records
// the entitlement. An already-settled paymentID returns the stored result.
// Concurrent calls for the same paymentID share one run.
func (p *Pipeline) Settle(ctx context.Context, paymentID string, payload escrow.PaymentPayload, req escrow.PaymentRequirements) (*Result, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("%w: missing payment id", escrow.ErrInvalidRequirements)
	}

	v, err, _ := p.group.Do(paymentID, func() (interface{}, error) {
		return p.settle(ctx, paymentID, payload, req)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Result)
	return &res, nil
}

func (p *Pipeline) settle(ctx context.Context, paymentID string, payload escrow.PaymentPayload, req escrow.PaymentRequirements) (*Result, error) {
	logger := p.logger.With("payment_id", paymentID)

	if res, found, err := p.LookupFor(ctx, paymentID, req); errors.Is(err, ErrPaymentIDReused) {
		logger.Warn("payment id reused for a different payment", "resource", req.Resource, "pay_to", req.PayTo)
		return nil, err
	} else if err != nil {
		return nil, fmt.Errorf("entitlement lookup: %w", err)
	} else if found {
		logger.Info("payment already settled", "transaction", res.TxRef)
		return res, nil
	}

	payer, err := p.precheck(payload, req)
	if err != nil {
		logger.Warn("payment rejected before verify", "error", err)
		return nil, err
	}

	if err := p.verify(ctx, payload, req); err != nil {
		logger.Warn("payment verification failed", "error", err)
		return nil, err
	}

	logger.Info("settling payment", "payer", payer, "amount", req.Amount, "pay_to", req.PayTo)
	resp, err := p.broadcast(ctx, payload, req)
	if err != nil {
		logger.Error("settlement failed", "error", err)
		return nil, err
	}

	network := resp.Network
	if network == "" {
		network = req.Network
	}
	if resp.Payer != "" {
		payer = resp.Payer
	}

	rec := entitlement.NewRecord(paymentID, resp.Transaction, req)
	rec.Network, rec.Payer, rec.RecordedAt = network, payer, p.now()
	stored, created, err := p.store.PutIfAbsent(ctx, rec)
	if err != nil {
		// The transfer is on chain; a lost record only weakens replay protection.
		logger.Error("failed to record entitlement", "transaction", rec.TxRef, "error", err)
		return fromRecord(rec, false), nil
	}
	if !created && (stored.TxRef != rec.TxRef || !stored.Covers(req)) {
		logger.Error("payment id settled twice", "stored", stored.TxRef, "transaction", rec.TxRef)
		return fromRecord(rec, false), nil
	}

	logger.Info("payment settled", "transaction", stored.TxRef)
	return fromRecord(stored, false), nil
}

// precheck validates the authorization locally and returns the payer. It
// catches mismatched amounts, recipients and signatures without spending a
// facilitator round trip.
func (p *Pipeline) precheck(payload escrow.PaymentPayload, req escrow.PaymentRequirements) (string, error) {
	if err := validation.ValidatePaymentPayload(payload); err != nil {
		return "", fmt.Errorf("%w: %w", escrow.ErrVerificationFailed, err)
	}
	if payload.Accepted.Network != req.Network {
		return "", fmt.Errorf("%w: payload for %s, challenge on %s", escrow.ErrVerificationFailed, payload.Accepted.Network, req.Network)
	}
	evm, err := escrow.DecodeEVMPayload(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", escrow.ErrVerificationFailed, err)
	}
	if err := validation.ValidateAuthorization(evm.Authorization, req, p.now()); err != nil {
		return "", err
	}

	auth, err := eip3009.ParseAuthorization(evm.Authorization)
	if err != nil {
		return "", fmt.Errorf("%w: %v", escrow.ErrVerificationFailed, err)
	}
	domain, err := eip3009.DomainFor(req, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", escrow.ErrVerificationFailed, err)
	}
	signer, err := eip3009.RecoverSigner(evm.Signature, domain, auth)
	if err != nil {
		return "", fmt.Errorf("%w: %v", escrow.ErrVerificationFailed, err)
	}
	if signer != auth.From {
		return "", fmt.Errorf("%w: signature recovers to %s, authorization is from %s", escrow.ErrVerificationFailed, signer.Hex(), auth.From.Hex())
	}
	return auth.From.Hex(), nil
}

func (p *Pipeline) verify(ctx context.Context, payload escrow.PaymentPayload, req escrow.PaymentRequirements) error {
	resp, err := retry.WithRetry(ctx, p.retryConfig(), isUnavailable, func() (*escrow.VerifyResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.timeouts.VerifyTimeout)
		defer cancel()
		resp, err := p.facilitator.Verify(callCtx, payload, req)
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: verify timed out", escrow.ErrFacilitatorUnavailable)
		}
		return resp, err
	})
	if err != nil {
		return err
	}
	if resp == nil || !resp.IsValid {
		reason := "invalid payment"
		if resp != nil && resp.InvalidReason != "" {
			reason = resp.InvalidReason
		}
		return fmt.Errorf("%w: %s", escrow.ErrVerificationFailed, reason)
	}
	return nil
}

// broadcast settles with backoff. Once the facilitator has returned a
// transaction reference the payment is never resubmitted.
func (p *Pipeline) broadcast(ctx context.Context, payload escrow.PaymentPayload, req escrow.PaymentRequirements) (*escrow.SettleResponse, error) {
	return retry.WithRetry(ctx, p.retryConfig(), isRetryableSettle, func() (*escrow.SettleResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.timeouts.SettleTimeout)
		defer cancel()

		resp, err := p.facilitator.Settle(callCtx, payload, req)
		if resp != nil && resp.Transaction != "" && (err != nil || !resp.Success) {
			reason := resp.ErrorReason
			if err != nil {
				reason = err.Error()
			}
			return nil, fmt.Errorf("%w: transaction %s: %s", escrow.ErrSettlementUncertain, resp.Transaction, reason)
		}
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: settle timed out", escrow.ErrSettlementFailed)
			}
			return nil, err
		}
		if resp == nil || !resp.Success {
			reason := "unsuccessful"
			if resp != nil && resp.ErrorReason != "" {
				reason = resp.ErrorReason
			}
			return nil, fmt.Errorf("%w: %s", escrow.ErrSettlementFailed, reason)
		}
		if resp.Transaction == "" {
			return nil, fmt.Errorf("%w: facilitator reported success without a transaction", escrow.ErrSettlementUncertain)
		}
		return resp, nil
	})
}

func (p *Pipeline) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  p.retry.MaxAttempts,
		InitialDelay: p.retry.InitialDelay,
		MaxDelay:     p.retry.MaxDelay,
		Multiplier:   p.retry.Multiplier,
	}
}

func isUnavailable(err error) bool {
	return errors.Is(err, escrow.ErrFacilitatorUnavailable)
}

func isRetryableSettle(err error) bool {
	if errors.Is(err, escrow.ErrSettlementUncertain) {
		return false
	}
	return errors.Is(err, escrow.ErrSettlementFailed) || errors.Is(err, escrow.ErrFacilitatorUnavailable)
}
