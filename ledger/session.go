// Package ledger owns escrow session budgets.
//
// A session is created inactive, activated once by an independently verified
// deposit into custody, spent down by payouts the custodian signs, and closed
// by a refund of the residual or an explicit close. Amounts are int64 atomic
// units of the session asset.
package ledger

import (
	"fmt"
	"strings"
	"time"

	escrow "github.com/nacorid/x402-escrow"
)

// ZeroTxRef is the deposit reference of a session that has not been activated.
const ZeroTxRef = "0x0000000000000000000000000000000000000000000000000000000000000000"

// State is the lifecycle position of a session.
type State string

const (
	StateCreated State = "created"
	StateActive  State = "active"
	StateExpired State = "expired"
	StateClosed  State = "closed"
)

// Session is a budget envelope the custodian holds for an owner.
type Session struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Custodian string `json:"custodian"`
	Network   string `json:"network"`
	Asset     string `json:"asset"`

	MaxSpend  int64 `json:"maxSpend"`
	Deposited int64 `json:"deposited"`

	// Spent is the single authoritative payout total, including payouts
	// whose settlement is still in flight.
	Spent int64 `json:"spent"`

	Refunded int64 `json:"refunded"`

	// Refunding is set while a refund of RefundPending is being settled.
	Refunding     bool  `json:"refunding"`
	RefundPending int64 `json:"refundPending,omitempty"`

	Active           bool     `json:"active"`
	AuthorizedAgents []string `json:"authorizedAgents,omitempty"`

	DepositTx    string `json:"depositTx"`
	DepositBlock uint64 `json:"depositBlock"`

	ExpiresAt   time.Time  `json:"expiresAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	ClosedAt    *time.Time `json:"closedAt,omitempty"`
}

// Remaining is min(MaxSpend, Deposited) - Spent - Refunded, floored at zero.
func (s *Session) Remaining() int64 {
	ceiling := s.MaxSpend
	if s.Deposited < ceiling {
		ceiling = s.Deposited
	}
	if r := ceiling - s.Spent - s.Refunded; r > 0 {
		return r
	}
	return 0
}

// Residual is what a refund would return to the owner.
func (s *Session) Residual() int64 {
	return s.Deposited - s.Spent - s.Refunded
}

func (s *Session) Closed() bool {
	return s.ClosedAt != nil
}

func (s *Session) Activated() bool {
	return s.DepositTx != "" && s.DepositTx != ZeroTxRef
}

func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

func (s *Session) State(now time.Time) State {
	switch {
	case s.Closed():
		return StateClosed
	case s.Expired(now):
		return StateExpired
	case s.Active:
		return StateActive
	default:
		return StateCreated
	}
}

// AllowsAgent reports whether agent may spend from the session. A session
// without authorized agents accepts any caller.
func (s *Session) AllowsAgent(agent string) bool {
	if len(s.AuthorizedAgents) == 0 {
		return true
	}
	for _, a := range s.AuthorizedAgents {
		if strings.EqualFold(a, agent) {
			return true
		}
	}
	return false
}

func (s *Session) clone() *Session {
	c := *s
	c.AuthorizedAgents = append([]string(nil), s.AuthorizedAgents...)
	if s.ActivatedAt != nil {
		t := *s.ActivatedAt
		c.ActivatedAt = &t
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// PaymentKind distinguishes ledger movements.
type PaymentKind string

const (
	KindDeposit PaymentKind = "deposit"
	KindPayout  PaymentKind = "payout"
	KindRefund  PaymentKind = "refund"
)

// PaymentMethodX402 tags payments settled through an x402 facilitator.
const PaymentMethodX402 = "x402-eip3009"

// StatusSettled is the only status a SessionPayment is written with.
const StatusSettled = "settled"

// SessionPayment is the immutable record of one settled movement.
type SessionPayment struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	PaymentID string            `json:"paymentId"`
	Kind      PaymentKind       `json:"kind"`
	Recipient string            `json:"recipient"`
	Label     string            `json:"label"`
	Amount    int64             `json:"amount"`
	TxRef     string            `json:"txRef"`
	Method    string            `json:"method"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (p *SessionPayment) clone() *SessionPayment {
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ErrPaymentNotFound is returned for unknown payment ids.
var ErrPaymentNotFound = fmt.Errorf("%w: payment", escrow.ErrSessionNotFound)
