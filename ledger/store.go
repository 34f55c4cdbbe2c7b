package ledger

import (
	"context"
	"fmt"
	"time"

	escrow "github.com/nacorid/x402-escrow"
)

// Store is the durable record of sessions and their payments. It is the only
// source of truth for Spent, Deposited and Active; callers must not cache
// sessions across requests.
//
// Every method that changes money fields is a single conditional update. A
// failed condition is reported with the escrow sentinel that explains it.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)

	// ActivateSession records a verified deposit. It succeeds only for a
	// session that is inactive, open and has never been activated, and fails
	// with ErrDepositReused when depositTx already activated another session.
	ActivateSession(ctx context.Context, id string, deposited int64, depositTx string, depositBlock uint64, at time.Time) (*Session, error)

	// Deactivate clears Active. It is the lazy expiry transition.
	Deactivate(ctx context.Context, id string) error

	// ReserveSpend adds amount to Spent if the session is active, open, not
	// refunding, unexpired at now and amount fits in Remaining.
	ReserveSpend(ctx context.Context, id string, amount int64, now time.Time) (*Session, error)

	// ReleaseSpend subtracts amount from Spent, never below zero.
	ReleaseSpend(ctx context.Context, id string, amount int64) (*Session, error)

	// ClaimRefund marks the residual as being refunded and returns the
	// session with RefundPending set.
	ClaimRefund(ctx context.Context, id string) (*Session, error)

	// ReleaseRefund drops a refund claim after a settlement that moved no funds.
	ReleaseRefund(ctx context.Context, id string) error

	// CompleteRefund adds amount to Refunded, clears the claim and closes the session.
	CompleteRefund(ctx context.Context, id string, amount int64, at time.Time) (*Session, error)

	// CloseSession closes an open session without moving funds.
	CloseSession(ctx context.Context, id string, at time.Time) (*Session, error)

	// InsertPayment appends a payment record. A second record with the same
	// PaymentID is ignored.
	InsertPayment(ctx context.Context, p *SessionPayment) error
	FindPayment(ctx context.Context, paymentID string) (*SessionPayment, error)
	ListPayments(ctx context.Context, sessionID string) ([]SessionPayment, error)
}

var (
	// ErrDepositReused is returned when a deposit transaction is presented
	// for a second session.
	ErrDepositReused = fmt.Errorf("%w: deposit transaction already activated a session", escrow.ErrVerificationFailed)

	// ErrRefundInFlight is returned while another refund of the same session
	// is being settled or its outcome is unknown.
	ErrRefundInFlight = fmt.Errorf("%w: refund already in flight", escrow.ErrSettlementUncertain)
)

func notFound(id string) error {
	return fmt.Errorf("%w: %s", escrow.ErrSessionNotFound, id)
}

// reserveFailure explains why a spend reservation was refused given the
// session state read right after the refused update.
func reserveFailure(s *Session, id string, amount int64, now time.Time) error {
	switch {
	case s == nil:
		return notFound(id)
	case s.Closed():
		return fmt.Errorf("%w: %s", escrow.ErrSessionClosed, id)
	case s.Refunding:
		return fmt.Errorf("%w: %s is being refunded", escrow.ErrSessionInactive, id)
	case s.Expired(now):
		return fmt.Errorf("%w: %s expired at %s", escrow.ErrSessionExpired, id, s.ExpiresAt.Format(time.RFC3339))
	case !s.Active:
		return fmt.Errorf("%w: %s", escrow.ErrSessionInactive, id)
	default:
		return escrow.NewPaymentError(escrow.ErrCodeInsufficientBudget,
			fmt.Sprintf("need %d, remaining %d", amount, s.Remaining()), escrow.ErrInsufficientBudget).
			WithDetails("required", amount).
			WithDetails("remaining", s.Remaining()).
			WithDetails("shortfall", amount-s.Remaining())
	}
}

func activateFailure(s *Session, id string) error {
	switch {
	case s == nil:
		return notFound(id)
	case s.Closed():
		return fmt.Errorf("%w: %s", escrow.ErrSessionClosed, id)
	case s.Active || s.Activated():
		return fmt.Errorf("%w: %s", escrow.ErrAlreadyActive, id)
	default:
		return fmt.Errorf("activate %s: concurrent update", id)
	}
}

func refundFailure(s *Session, id string) error {
	switch {
	case s == nil:
		return notFound(id)
	case s.Refunding:
		return ErrRefundInFlight
	default:
		return fmt.Errorf("%w: %s has residual %d", escrow.ErrNothingToRefund, id, s.Residual())
	}
}

func closeFailure(s *Session, id string) error {
	if s == nil {
		return notFound(id)
	}
	return fmt.Errorf("%w: %s", escrow.ErrSessionClosed, id)
}
