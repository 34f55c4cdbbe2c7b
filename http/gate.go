package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/entitlement"
	"github.com/nacorid/x402-escrow/settlement"
)

// GateConfig configures a Gate.
type GateConfig struct {
	// Entitlements answers whether a payment id has settled. Defaults to the
	// pipeline's store.
	Entitlements entitlement.Store

	// Pipeline settles payments presented together with their payment id.
	// Without it the gate only issues challenges and honours settled ids.
	Pipeline *settlement.Pipeline

	// NewPaymentID generates challenge payment ids. Defaults to uuid.NewString.
	NewPaymentID func() string

	Logger *slog.Logger

	// OnPaymentEvent receives attempt, success and failure events for
	// payments settled at the gate.
	OnPaymentEvent escrow.PaymentCallback
}

// Gate decides whether a request for a paid resource may proceed. It is
// stateless apart from entitlement reads and the settlement pipeline, and is
// shared by the net/http, gin and MCP adapters.
type Gate struct {
	store    entitlement.Store
	pipeline *settlement.Pipeline
	newID    func() string
	logger   *slog.Logger
	onEvent  escrow.PaymentCallback
}

// NewGate validates cfg and returns a Gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	g := &Gate{
		store:    cfg.Entitlements,
		pipeline: cfg.Pipeline,
		newID:    cfg.NewPaymentID,
		logger:   cfg.Logger,
		onEvent:  cfg.OnPaymentEvent,
	}
	if g.store == nil && g.pipeline != nil {
		g.store = g.pipeline.Store()
	}
	if g.store == nil {
		return nil, errors.New("x402: gate needs an entitlement store or a settlement pipeline")
	}
	if g.newID == nil {
		g.newID = uuid.NewString
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g, nil
}

// Attempt is one request for a paid resource.
type Attempt struct {
	// PaymentID is the caller-supplied payment id, if any.
	PaymentID string

	// Payment is the caller's signed payment, if any. It is only settled when
	// PaymentID is also present.
	Payment *escrow.PaymentPayload

	// Requirement is the price template. Its payment id is always replaced.
	Requirement escrow.PaymentRequirements

	// Resource describes what is being paid for.
	Resource escrow.ResourceInfo

	// Method, URL and Tool label emitted events.
	Method string
	URL    string
	Tool   string
}

// Decision is the gate's answer.
type Decision struct {
	// Allowed is true when the request may reach the protected handler.
	Allowed bool

	// PaymentID is the entitled payment id when Allowed.
	PaymentID string

	// Settlement is set when the payment settled during this request.
	Settlement *escrow.SettleResponse

	// Challenge is the 402 body with a fresh payment id when payment is required.
	Challenge *escrow.PaymentRequired

	// Status is the HTTP status to answer with when not Allowed.
	Status int

	// Err explains a refusal.
	Err error
}

// Evaluate checks the attempt against the entitlement store, settles a
// presented payment if needed and otherwise builds a fresh challenge. A
// settled id only admits the resource, recipient and price it paid for.
func (g *Gate) Evaluate(ctx context.Context, a Attempt) Decision {
	id := strings.TrimSpace(a.PaymentID)
	if id == "" && a.Payment != nil {
		id = a.Payment.Accepted.PaymentID()
	}
	logger := g.logger.With("resource", a.Resource.URL)

	if id != "" {
		rec, found, err := g.store.Get(ctx, id)
		if err != nil {
			logger.Error("entitlement lookup failed", "payment_id", id, "error", err)
			return Decision{Status: http.StatusServiceUnavailable, Err: fmt.Errorf("entitlement lookup: %w", err)}
		}
		if found && rec.Covers(g.requirement(a)) {
			logger.Debug("payment id already settled", "payment_id", id)
			return Decision{Allowed: true, PaymentID: id}
		}
		if found && rec.Settled {
			logger.Warn("payment id settled for another resource", "payment_id", id, "settled_resource", rec.Resource)
			return g.challenge(a, "Payment id does not cover this resource", nil)
		}
		if a.Payment != nil && g.pipeline != nil {
			return g.settle(ctx, id, a, logger)
		}
	}

	logger.Info("payment required", "presented_id", id != "")
	return g.challenge(a, "Payment required", nil)
}

func (g *Gate) settle(ctx context.Context, id string, a Attempt, logger *slog.Logger) Decision {
	req := g.requirement(a).WithPaymentID(id)
	event := escrow.PaymentEvent{
		Method:    a.Method,
		PaymentID: id,
		URL:       a.URL,
		Tool:      a.Tool,
		Amount:    req.Amount,
		Asset:     req.Asset,
		Network:   req.Network,
		Recipient: req.PayTo,
	}
	start := time.Now()
	g.emit(event, escrow.PaymentEventAttempt)

	res, err := g.pipeline.Settle(ctx, id, *a.Payment, req)
	event.Duration = time.Since(start)
	if err != nil {
		event.Error = err
		g.emit(event, escrow.PaymentEventFailure)
		logger.Warn("payment rejected", "payment_id", id, "error", err)

		if errors.Is(err, escrow.ErrFacilitatorUnavailable) || errors.Is(err, escrow.ErrSettlementUncertain) {
			return Decision{Status: http.StatusServiceUnavailable, Err: err}
		}
		return g.challenge(a, err.Error(), err)
	}

	event.Payer, event.Transaction = res.Payer, res.TxRef
	g.emit(event, escrow.PaymentEventSuccess)
	logger.Info("payment accepted", "payment_id", id, "transaction", res.TxRef, "replayed", res.Replayed)
	return Decision{Allowed: true, PaymentID: id, Settlement: res.SettleResponse()}
}

// challenge always carries a newly generated payment id.
func (g *Gate) challenge(a Attempt, message string, cause error) Decision {
	resource := a.Resource
	return Decision{
		Status: http.StatusPaymentRequired,
		Err:    cause,
		Challenge: &escrow.PaymentRequired{
			X402Version: escrow.X402Version,
			Error:       message,
			Resource:    &resource,
			Accepts:     []escrow.PaymentRequirements{g.requirement(a).WithPaymentID(g.newID())},
		},
	}
}

func (g *Gate) requirement(a Attempt) escrow.PaymentRequirements {
	req := a.Requirement
	if req.Resource == "" {
		req.Resource = a.Resource.URL
	}
	if req.Description == "" {
		req.Description = a.Resource.Description
	}
	return req
}

func (g *Gate) emit(e escrow.PaymentEvent, t escrow.PaymentEventType) {
	if g.onEvent == nil {
		return
	}
	e.Type = t
	e.Timestamp = time.Now()
	g.onEvent(e)
}
