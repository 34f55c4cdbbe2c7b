// Package entitlement records which payment ids have settled.
//
// Entries are write-once: the first settled record for a payment id wins and
// is never replaced or deleted, so a replayed payment id always resolves to
// the original transaction reference.
package entitlement

import (
	"context"
	"errors"
	"strings"
	"time"

	escrow "github.com/nacorid/x402-escrow"
)

// Record is the durable proof that a payment id settled.
type Record struct {
	PaymentID string `json:"paymentId"`
	Settled   bool   `json:"settled"`
	TxRef     string `json:"txRef"`
	Network   string `json:"network,omitempty"`
	Payer     string `json:"payer,omitempty"`

	// Resource, PayTo, Asset and Amount bind the record to what was paid for.
	Resource string `json:"resource,omitempty"`
	PayTo    string `json:"payTo,omitempty"`
	Asset    string `json:"asset,omitempty"`
	Amount   string `json:"amount,omitempty"`

	RecordedAt time.Time `json:"recordedAt"`
}

// NewRecord returns a settled record for paymentID bound to req.
func NewRecord(paymentID, txRef string, req escrow.PaymentRequirements) Record {
	return Record{
		PaymentID: paymentID,
		Settled:   true,
		TxRef:     txRef,
		Network:   req.Network,
		Resource:  req.Resource,
		PayTo:     req.PayTo,
		Asset:     req.Asset,
		Amount:    req.Amount,
	}
}

// Covers reports whether the record is a settlement of req. A payment id
// settled for one resource, recipient or price never entitles another.
func (r Record) Covers(req escrow.PaymentRequirements) bool {
	return r.Settled &&
		r.Resource == req.Resource &&
		strings.EqualFold(r.PayTo, req.PayTo) &&
		strings.EqualFold(r.Asset, req.Asset) &&
		r.Amount == req.Amount
}

// ErrEmptyPaymentID is returned for records or lookups without a payment id.
var ErrEmptyPaymentID = errors.New("entitlement: empty payment id")

// Store is a write-once keyed map of payment id to Record.
type Store interface {
	// Get returns the record for id. found is false when none exists.
	Get(ctx context.Context, id string) (rec Record, found bool, err error)

	// IsSettled reports whether id has a settled record.
	IsSettled(ctx context.Context, id string) (bool, error)

	// PutIfAbsent stores rec unless a record for rec.PaymentID already exists.
	// It returns the stored record and whether this call created it.
	PutIfAbsent(ctx context.Context, rec Record) (stored Record, created bool, err error)
}

func isSettled(ctx context.Context, s Store, id string) (bool, error) {
	rec, found, err := s.Get(ctx, id)
	if err != nil || !found {
		return false, err
	}
	return rec.Settled, nil
}

func normalize(rec Record) (Record, error) {
	if rec.PaymentID == "" {
		return rec, ErrEmptyPaymentID
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	rec.RecordedAt = rec.RecordedAt.UTC().Truncate(time.Millisecond)
	return rec, nil
}
