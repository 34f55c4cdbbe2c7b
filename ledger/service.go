package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/chain"
	"github.com/nacorid/x402-escrow/settlement"
	"github.com/nacorid/x402-escrow/validation"
)

// DefaultTolerance is the accepted deposit rounding difference: one hundredth
// of a unit of a six-decimal token.
const DefaultTolerance int64 = 10000

// DepositVerifier independently checks a claimed deposit. *chain.Verifier
// satisfies it.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, exp chain.Expectation) (*chain.Deposit, error)
}

// Config holds the ledger service settings.
type Config struct {
	// Asset is the token contract sessions are denominated in. Defaults to
	// the network's USDC.
	Asset string

	// Tolerance is the largest accepted deposit amount difference in atomic units.
	Tolerance int64

	// PaymentTimeoutSeconds bounds the validity of every signed authorization.
	PaymentTimeoutSeconds int

	Logger *slog.Logger

	// OnPaymentEvent receives payout, refund and deposit events.
	OnPaymentEvent escrow.PaymentCallback

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Service is the session ledger. It is safe for concurrent use; every budget
// decision is made by a conditional update in the Store.
type Service struct {
	store     Store
	custodian escrow.Signer
	pipeline  *settlement.Pipeline
	deposits  DepositVerifier

	network   string
	asset     string
	token     escrow.TokenConfig
	tolerance int64
	timeout   int
	logger    *slog.Logger
	onEvent   escrow.PaymentCallback
	now       func() time.Time

	payouts singleflight.Group
}

// NewService wires the ledger. A missing custodian signer is fatal: the
// service refuses to start rather than fail every payout.
func NewService(store Store, custodian escrow.Signer, pipeline *settlement.Pipeline, deposits DepositVerifier, cfg Config) (*Service, error) {
	if custodian == nil {
		return nil, escrow.NewPaymentError(escrow.ErrCodeMisconfiguredSigner, "custodian signer is required", escrow.ErrMisconfiguredSigner)
	}
	if store == nil || pipeline == nil || deposits == nil {
		return nil, errors.New("ledger: store, pipeline and deposit verifier are required")
	}

	network := custodian.Network()
	chainCfg, err := escrow.GetChainConfig(network)
	asset := cfg.Asset
	if asset == "" {
		if err != nil {
			return nil, fmt.Errorf("ledger: no default asset for %s: %w", network, err)
		}
		asset = chainCfg.USDCAddress
	}
	if err := validation.ValidateAddress(asset); err != nil {
		return nil, fmt.Errorf("ledger: asset: %w", err)
	}

	template := &escrow.PaymentRequirements{Scheme: escrow.SchemeExact, Network: network, Asset: asset}
	if !custodian.CanSign(template) {
		return nil, escrow.NewPaymentError(escrow.ErrCodeMisconfiguredSigner,
			fmt.Sprintf("custodian cannot sign for %s on %s", asset, network), escrow.ErrMisconfiguredSigner)
	}

	token, ok := escrow.LookupToken(network, asset)
	if !ok {
		token = escrow.TokenConfig{Address: asset}
	}

	s := &Service{
		store:     store,
		custodian: custodian,
		pipeline:  pipeline,
		deposits:  deposits,
		network:   network,
		asset:     asset,
		token:     token,
		tolerance: cfg.Tolerance,
		timeout:   cfg.PaymentTimeoutSeconds,
		logger:    cfg.Logger,
		onEvent:   cfg.OnPaymentEvent,
		now:       cfg.Now,
	}
	if s.tolerance <= 0 {
		s.tolerance = DefaultTolerance
	}
	if s.timeout <= 0 {
		s.timeout = 300
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Custodian returns the custodian address.
func (s *Service) Custodian() string {
	return s.custodian.Address()
}

// CreateRequest opens a session.
type CreateRequest struct {
	Owner            string
	MaxSpend         int64
	DurationHours    float64
	AuthorizedAgents []string
}

// CreateResult is a new inactive session and the deposit that activates it.
type CreateResult struct {
	Session *Session
	Deposit escrow.PaymentRequirements
}

// CreateSession inserts an inactive session and returns the deposit challenge
// the owner must pay to the custodian. Nothing touches the chain here.
func (s *Service) CreateSession(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := validation.ValidateAddress(req.Owner); err != nil {
		return nil, fmt.Errorf("%w: owner %v", escrow.ErrInvalidRequirements, err)
	}
	if err := validation.ValidatePositiveAmount(req.MaxSpend); err != nil {
		return nil, err
	}
	if req.DurationHours <= 0 || math.IsInf(req.DurationHours, 0) || math.IsNaN(req.DurationHours) {
		return nil, fmt.Errorf("%w: duration must be positive", escrow.ErrInvalidRequirements)
	}

	now := s.now().UTC()
	sess := &Session{
		ID:               uuid.NewString(),
		Owner:            common.HexToAddress(req.Owner).Hex(),
		Custodian:        s.custodian.Address(),
		Network:          s.network,
		Asset:            s.asset,
		MaxSpend:         req.MaxSpend,
		AuthorizedAgents: req.AuthorizedAgents,
		DepositTx:        ZeroTxRef,
		ExpiresAt:        now.Add(time.Duration(req.DurationHours * float64(time.Hour))).Truncate(time.Millisecond),
		CreatedAt:        now.Truncate(time.Millisecond),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.Info("session created", "session", sess.ID, "owner", sess.Owner, "max_spend", sess.MaxSpend, "expires_at", sess.ExpiresAt)
	return &CreateResult{Session: sess, Deposit: s.depositRequirement(sess)}, nil
}

// DepositRequirement returns the deposit challenge of an existing session.
func (s *Service) DepositRequirement(ctx context.Context, id string) (escrow.PaymentRequirements, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return escrow.PaymentRequirements{}, err
	}
	return s.depositRequirement(sess), nil
}

func (s *Service) depositRequirement(sess *Session) escrow.PaymentRequirements {
	req := s.requirement(sess, KindDeposit, sess.Custodian, sess.MaxSpend, "Escrow deposit for session "+sess.ID)
	return req.WithPaymentID(depositPaymentID(sess.ID))
}

// requirement prices one ledger movement. The resource names the session and
// the kind of movement, so an entitlement settled for one can never be taken
// for another.
func (s *Service) requirement(sess *Session, kind PaymentKind, payTo string, amount int64, description string) escrow.PaymentRequirements {
	extra := map[string]interface{}{escrow.ExtraSessionID: sess.ID}
	if s.token.Name != "" {
		extra[escrow.ExtraName] = s.token.Name
		extra[escrow.ExtraVersion] = s.token.Version
	}
	return escrow.PaymentRequirements{
		Scheme:            escrow.SchemeExact,
		Network:           sess.Network,
		Amount:            strconv.FormatInt(amount, 10),
		Asset:             sess.Asset,
		PayTo:             payTo,
		MaxTimeoutSeconds: s.timeout,
		Description:       description,
		Resource:          fmt.Sprintf("escrow:session:%s/%s", sess.ID, kind),
		Extra:             extra,
	}
}

// Payment id namespaces of ledger movements. Caller idempotency keys may not
// use them.
const (
	depositPrefix = "deposit:"
	payoutPrefix  = "payout:"
	refundPrefix  = "refund:"
)

func depositPaymentID(sessionID string) string {
	return depositPrefix + sessionID
}

// payoutPaymentID scopes a caller's idempotency key to its session.
func payoutPaymentID(sessionID, key string) string {
	return payoutPrefix + sessionID + ":" + key
}

func reservedPaymentID(key string) bool {
	for _, prefix := range []string{depositPrefix, payoutPrefix, refundPrefix} {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// refundPaymentID is deterministic per refund so a retry after a lost close
// finds the earlier settlement.
func refundPaymentID(sess *Session) string {
	if sess.Refunded == 0 {
		return refundPrefix + sess.ID
	}
	return fmt.Sprintf("%s%s:%d", refundPrefix, sess.ID, sess.Refunded)
}

// ActivateSession verifies claimedTxRef on chain and activates the session.
// The claimed amount is advisory: the deposited amount is the on-chain value.
func (s *Service) ActivateSession(ctx context.Context, id, claimedTxRef string, claimedAmount int64) (*Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case sess.Closed():
		return nil, fmt.Errorf("%w: %s", escrow.ErrSessionClosed, id)
	case sess.Active || sess.Activated():
		return nil, fmt.Errorf("%w: %s", escrow.ErrAlreadyActive, id)
	case sess.Expired(s.now()):
		return nil, fmt.Errorf("%w: %s", escrow.ErrSessionExpired, id)
	}

	if diff := claimedAmount - sess.MaxSpend; diff > s.tolerance || -diff > s.tolerance {
		return nil, escrow.NewPaymentError(escrow.ErrCodeVerificationFailed,
			fmt.Sprintf("claimed deposit %d does not match session budget %d", claimedAmount, sess.MaxSpend),
			escrow.ErrVerificationFailed)
	}

	start := s.now()
	deposit, err := s.deposits.VerifyDeposit(ctx, chain.Expectation{
		TxRef:     claimedTxRef,
		Asset:     sess.Asset,
		Custodian: sess.Custodian,
		Amount:    claimedAmount,
		Tolerance: s.tolerance,
	})
	if err != nil {
		s.logger.Warn("deposit verification failed", "session", id, "tx", claimedTxRef, "error", err)
		s.emit(escrow.PaymentEvent{Type: escrow.PaymentEventFailure, Kind: string(KindDeposit), SessionID: id,
			Amount: strconv.FormatInt(claimedAmount, 10), Transaction: claimedTxRef, Error: err, Duration: s.now().Sub(start)})
		return nil, err
	}
	if !deposit.Amount.IsInt64() {
		return nil, fmt.Errorf("%w: deposit amount %s out of range", escrow.ErrVerificationFailed, deposit.Amount)
	}

	active, err := s.store.ActivateSession(ctx, id, deposit.Amount.Int64(), deposit.TxHash.Hex(), deposit.BlockNumber, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.logger.Info("session activated", "session", id, "deposited", active.Deposited, "tx", active.DepositTx, "block", active.DepositBlock)
	s.emit(escrow.PaymentEvent{Type: escrow.PaymentEventSuccess, Kind: string(KindDeposit), SessionID: id,
		Amount: strconv.FormatInt(active.Deposited, 10), Payer: deposit.Payer.Hex(), Recipient: active.Custodian,
		Transaction: active.DepositTx, Duration: s.now().Sub(start)})
	return active, nil
}

// DepositAndActivate settles an owner-signed deposit payload through the
// facilitator and then activates the session with the resulting transaction.
// Activation still re-verifies the transfer on chain.
func (s *Service) DepositAndActivate(ctx context.Context, id string, payload escrow.PaymentPayload) (*Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Active || sess.Activated() {
		return nil, fmt.Errorf("%w: %s", escrow.ErrAlreadyActive, id)
	}

	evm, err := escrow.DecodeEVMPayload(payload)
	if err != nil {
		return nil, err
	}
	if !validation.SameAddress(evm.Authorization.From, sess.Owner) {
		return nil, fmt.Errorf("%w: deposit signed by %s, session owner is %s", escrow.ErrVerificationFailed, evm.Authorization.From, sess.Owner)
	}

	req := s.depositRequirement(sess)
	s.emit(escrow.PaymentEvent{Type: escrow.PaymentEventAttempt, Kind: string(KindDeposit), SessionID: id,
		PaymentID: req.PaymentID(), Amount: req.Amount, Payer: sess.Owner, Recipient: sess.Custodian})

	res, err := s.pipeline.Settle(ctx, req.PaymentID(), payload, req)
	if err != nil {
		s.emit(escrow.PaymentEvent{Type: escrow.PaymentEventFailure, Kind: string(KindDeposit), SessionID: id,
			PaymentID: req.PaymentID(), Amount: req.Amount, Error: err})
		return nil, err
	}
	return s.ActivateSession(ctx, id, res.TxRef, sess.MaxSpend)
}

// BudgetCheck is the answer to CheckBudget.
type BudgetCheck struct {
	CanAfford bool   `json:"canAfford"`
	Remaining int64  `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

// Reasons reported by CheckBudget.
const (
	ReasonNotFound = "not found"
	ReasonClosed   = "closed"
	ReasonInactive = "inactive"
	ReasonExpired  = "expired"
)

// CheckBudget reports whether amount fits in the session's remaining budget.
// An active session found past its deadline is deactivated as a side effect.
// The answer is advisory; PayFromSession re-checks atomically.
func (s *Service) CheckBudget(ctx context.Context, id string, amount int64) (*BudgetCheck, error) {
	if err := validation.ValidatePositiveAmount(amount); err != nil {
		return nil, err
	}

	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, escrow.ErrSessionNotFound) {
		return &BudgetCheck{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	switch {
	case sess.Closed():
		return &BudgetCheck{Reason: ReasonClosed}, nil
	case sess.Expired(s.now()):
		if err := s.expire(ctx, sess); err != nil {
			return nil, err
		}
		return &BudgetCheck{Reason: ReasonExpired}, nil
	case !sess.Active:
		return &BudgetCheck{Reason: ReasonInactive}, nil
	}

	remaining := sess.Remaining()
	if remaining < amount {
		return &BudgetCheck{
			Remaining: remaining,
			Reason:    fmt.Sprintf("insufficient budget: need %d, remaining %d, short %d", amount, remaining, amount-remaining),
		}, nil
	}
	return &BudgetCheck{CanAfford: true, Remaining: remaining}, nil
}

func (s *Service) expire(ctx context.Context, sess *Session) error {
	if !sess.Active {
		return nil
	}
	if err := s.store.Deactivate(ctx, sess.ID); err != nil {
		return fmt.Errorf("expire session %s: %w", sess.ID, err)
	}
	sess.Active = false
	s.logger.Info("session expired", "session", sess.ID, "expires_at", sess.ExpiresAt)
	return nil
}

// PayRequest is a payout from a session to a downstream recipient.
type PayRequest struct {
	SessionID string
	Recipient string
	Label     string
	Amount    int64
	Metadata  map[string]string

	// PaymentID is an optional idempotency key, scoped to the session. A
	// settled key returns the original payment without a second reservation
	// or broadcast. Keys starting with deposit:, payout: or refund: are
	// refused.
	PaymentID string

	// Agent identifies the caller when the session restricts its agents.
	Agent string
}

// PayResult describes a settled payout.
type PayResult struct {
	TxRef     string          `json:"txRef"`
	NewSpent  int64           `json:"newSpent"`
	Remaining int64           `json:"remaining"`
	Payment   *SessionPayment `json:"payment"`
	Replayed  bool            `json:"replayed"`
}

// PayFromSession reserves amount, signs a custodian authorization to the
// recipient and settles it.
//
// The reservation is the atomic budget check. It is released when settlement
// fails without a transaction reference and kept when the outcome is
// uncertain, so the ledger can neither overspend nor double-charge.
func (s *Service) PayFromSession(ctx context.Context, req PayRequest) (*PayResult, error) {
	if err := validation.ValidateAddress(req.Recipient); err != nil {
		return nil, fmt.Errorf("%w: recipient %v", escrow.ErrInvalidRequirements, err)
	}
	if err := validation.ValidatePositiveAmount(req.Amount); err != nil {
		return nil, err
	}
	switch {
	case req.PaymentID == "":
		req.PaymentID = uuid.NewString()
	case reservedPaymentID(req.PaymentID):
		return nil, fmt.Errorf("%w: payment id %q uses a reserved prefix", escrow.ErrInvalidRequirements, req.PaymentID)
	}
	req.PaymentID = payoutPaymentID(req.SessionID, req.PaymentID)

	v, err, _ := s.payouts.Do(req.PaymentID, func() (interface{}, error) {
		return s.pay(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PayResult), nil
}

func (s *Service) pay(ctx context.Context, req PayRequest) (*PayResult, error) {
	logger := s.logger.With("session", req.SessionID, "payment_id", req.PaymentID)

	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.AllowsAgent(req.Agent) {
		return nil, fmt.Errorf("%w: %q", escrow.ErrUnauthorizedAgent, req.Agent)
	}

	requirement := s.requirement(sess, KindPayout, common.HexToAddress(req.Recipient).Hex(), req.Amount, req.Label).WithPaymentID(req.PaymentID)
	if replay, err := s.replay(ctx, req, requirement); err != nil || replay != nil {
		return replay, err
	}
	if !sess.Closed() && sess.Expired(s.now()) {
		if err := s.expire(ctx, sess); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", escrow.ErrSessionExpired, sess.ID)
	}

	reserved, err := s.store.ReserveSpend(ctx, req.SessionID, req.Amount, s.now())
	if err != nil {
		logger.Info("payout refused", "amount", req.Amount, "error", err)
		return nil, err
	}

	event := escrow.PaymentEvent{
		Kind:      string(KindPayout),
		SessionID: sess.ID,
		PaymentID: req.PaymentID,
		Amount:    requirement.Amount,
		Asset:     requirement.Asset,
		Network:   requirement.Network,
		Recipient: requirement.PayTo,
		Payer:     sess.Custodian,
	}
	start := s.now()
	s.emit(withType(event, escrow.PaymentEventAttempt))

	res, err := s.settle(ctx, requirement)
	if err != nil {
		if errors.Is(err, escrow.ErrSettlementUncertain) {
			logger.Error("payout outcome uncertain, keeping reservation", "amount", req.Amount, "error", err)
		} else {
			s.release(ctx, req.SessionID, req.Amount)
		}
		failed := withType(event, escrow.PaymentEventFailure)
		failed.Error, failed.Duration = err, s.now().Sub(start)
		s.emit(failed)
		return nil, err
	}
	if res.Replayed {
		// Another process settled this id between our lookup and reservation.
		s.release(ctx, req.SessionID, req.Amount)
		if current, err := s.store.GetSession(ctx, req.SessionID); err == nil {
			reserved = current
		}
	}

	payment := s.record(ctx, req, KindPayout, requirement.PayTo, res.TxRef)

	done := withType(event, escrow.PaymentEventSuccess)
	done.Transaction, done.Duration = res.TxRef, s.now().Sub(start)
	s.emit(done)
	logger.Info("payout settled", "amount", req.Amount, "recipient", requirement.PayTo, "transaction", res.TxRef, "spent", reserved.Spent)

	return &PayResult{
		TxRef:     res.TxRef,
		NewSpent:  reserved.Spent,
		Remaining: reserved.Remaining(),
		Payment:   payment,
		Replayed:  res.Replayed,
	}, nil
}

// replay returns the earlier result for a payment id that already settled.
// The earlier payment must be the same payout: session, recipient and amount.
func (s *Service) replay(ctx context.Context, req PayRequest, requirement escrow.PaymentRequirements) (*PayResult, error) {
	payment, err := s.store.FindPayment(ctx, req.PaymentID)
	if err != nil && !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}
	if payment != nil {
		if payment.SessionID != req.SessionID || payment.Kind != KindPayout ||
			!validation.SameAddress(payment.Recipient, requirement.PayTo) || payment.Amount != req.Amount {
			return nil, fmt.Errorf("%w: %w: %s", escrow.ErrInvalidRequirements, settlement.ErrPaymentIDReused, req.PaymentID)
		}
	} else {
		settled, found, err := s.pipeline.LookupFor(ctx, req.PaymentID, requirement)
		if err != nil || !found {
			return nil, err
		}
		// Settled, but the audit record was lost. The entitlement matched
		// this payout, so its recipient and amount are the request's.
		payment = s.record(ctx, req, KindPayout, common.HexToAddress(settled.PayTo).Hex(), settled.TxRef)
		s.logger.Warn("restored lost payout record", "session", req.SessionID, "payment_id", req.PaymentID, "transaction", settled.TxRef)
	}

	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return &PayResult{
		TxRef:     payment.TxRef,
		NewSpent:  sess.Spent,
		Remaining: sess.Remaining(),
		Payment:   payment,
		Replayed:  true,
	}, nil
}

// settle signs requirement with the custodian key and runs it through the pipeline.
func (s *Service) settle(ctx context.Context, requirement escrow.PaymentRequirements) (*settlement.Result, error) {
	payload, err := s.custodian.Sign(&requirement)
	if err != nil {
		return nil, fmt.Errorf("custodian signing: %w", err)
	}
	return s.pipeline.Settle(ctx, requirement.PaymentID(), *payload, requirement)
}

func (s *Service) release(ctx context.Context, id string, amount int64) {
	if _, err := s.store.ReleaseSpend(ctx, id, amount); err != nil {
		s.logger.Error("failed to release reservation", "session", id, "amount", amount, "error", err)
	}
}

// record appends the audit record of a settled movement. Failures are logged
// only; the transfer already happened.
func (s *Service) record(ctx context.Context, req PayRequest, kind PaymentKind, recipient, txRef string) *SessionPayment {
	payment := &SessionPayment{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		PaymentID: req.PaymentID,
		Kind:      kind,
		Recipient: recipient,
		Label:     req.Label,
		Amount:    req.Amount,
		TxRef:     txRef,
		Method:    PaymentMethodX402,
		Status:    StatusSettled,
		Metadata:  req.Metadata,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.store.InsertPayment(ctx, payment); err != nil {
		s.logger.Error("failed to record session payment", "session", req.SessionID, "payment_id", req.PaymentID, "transaction", txRef, "error", err)
	}
	return payment
}

// RefundResult describes a settled refund.
type RefundResult struct {
	RefundAmount int64    `json:"refundAmount"`
	TxRef        string   `json:"txRef"`
	Session      *Session `json:"session"`
}

// RefundSession returns the residual to the owner and closes the session
// once the refund settles. A failed settlement leaves the session open.
func (s *Service) RefundSession(ctx context.Context, id string) (*RefundResult, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	paymentID := refundPaymentID(sess)

	pending := sess.Residual()
	if sess.Refunding {
		pending = sess.RefundPending
	}
	if pending > 0 {
		expected := s.refundRequirement(sess, pending).WithPaymentID(paymentID)
		if prior, found, err := s.pipeline.LookupFor(ctx, paymentID, expected); err != nil {
			return nil, err
		} else if found {
			return s.finishRecoveredRefund(ctx, sess, paymentID, pending, prior.TxRef)
		}
	}

	if sess.Residual() <= 0 && !sess.Refunding {
		err := fmt.Errorf("%w: %s", escrow.ErrNothingToRefund, id)
		if sess.Closed() {
			err = fmt.Errorf("%w: %w", err, escrow.ErrSessionClosed)
		}
		return nil, escrow.NewPaymentError(escrow.ErrCodeNothingToRefund, "nothing to refund", err)
	}

	claimed, err := s.store.ClaimRefund(ctx, id)
	if err != nil {
		return nil, err
	}
	amount := claimed.RefundPending

	requirement := s.refundRequirement(claimed, amount).WithPaymentID(paymentID)
	event := escrow.PaymentEvent{
		Kind:      string(KindRefund),
		SessionID: id,
		PaymentID: paymentID,
		Amount:    requirement.Amount,
		Asset:     requirement.Asset,
		Network:   requirement.Network,
		Recipient: claimed.Owner,
		Payer:     claimed.Custodian,
	}
	start := s.now()
	s.emit(withType(event, escrow.PaymentEventAttempt))

	res, err := s.settle(ctx, requirement)
	if err != nil {
		if errors.Is(err, escrow.ErrSettlementUncertain) {
			s.logger.Error("refund outcome uncertain, session stays claimed", "session", id, "amount", amount, "error", err)
		} else if rerr := s.store.ReleaseRefund(ctx, id); rerr != nil {
			s.logger.Error("failed to release refund claim", "session", id, "error", rerr)
		}
		failed := withType(event, escrow.PaymentEventFailure)
		failed.Error, failed.Duration = err, s.now().Sub(start)
		s.emit(failed)
		return nil, err
	}

	closed, err := s.store.CompleteRefund(ctx, id, amount, s.now().UTC())
	if err != nil {
		s.logger.Error("refund settled but close failed", "session", id, "transaction", res.TxRef, "error", err)
		return nil, err
	}
	s.record(ctx, PayRequest{SessionID: id, PaymentID: paymentID, Label: "refund", Amount: amount}, KindRefund, closed.Owner, res.TxRef)

	done := withType(event, escrow.PaymentEventSuccess)
	done.Transaction, done.Duration = res.TxRef, s.now().Sub(start)
	s.emit(done)
	s.logger.Info("session refunded", "session", id, "amount", amount, "transaction", res.TxRef)

	return &RefundResult{RefundAmount: amount, TxRef: res.TxRef, Session: closed}, nil
}

func (s *Service) refundRequirement(sess *Session, amount int64) escrow.PaymentRequirements {
	return s.requirement(sess, KindRefund, sess.Owner, amount, "Escrow refund for session "+sess.ID)
}

// finishRecoveredRefund closes a session whose refund of amount to the owner
// settled earlier but whose close step never ran.
func (s *Service) finishRecoveredRefund(ctx context.Context, sess *Session, paymentID string, amount int64, txRef string) (*RefundResult, error) {
	closed, err := s.store.CompleteRefund(ctx, sess.ID, amount, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.record(ctx, PayRequest{SessionID: sess.ID, PaymentID: paymentID, Label: "refund", Amount: amount}, KindRefund, closed.Owner, txRef)
	s.logger.Warn("completed previously settled refund", "session", sess.ID, "amount", amount, "transaction", txRef)
	return &RefundResult{RefundAmount: amount, TxRef: txRef, Session: closed}, nil
}

// CloseSession closes the session without a refund.
func (s *Service) CloseSession(ctx context.Context, id string) (*Session, error) {
	closed, err := s.store.CloseSession(ctx, id, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.Info("session closed", "session", id, "residual", closed.Residual())
	return closed, nil
}

// GetSession returns the current session state.
func (s *Service) GetSession(ctx context.Context, id string) (*Session, error) {
	return s.store.GetSession(ctx, id)
}

// GetSessionPayments lists the session's settled movements in creation order.
func (s *Service) GetSessionPayments(ctx context.Context, id string) ([]SessionPayment, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListPayments(ctx, id)
}

func withType(e escrow.PaymentEvent, t escrow.PaymentEventType) escrow.PaymentEvent {
	e.Type = t
	return e
}

func (s *Service) emit(e escrow.PaymentEvent) {
	if s.onEvent == nil {
		return
	}
	e.Method = escrow.MethodLedger
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	s.onEvent(e)
}
