package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists entitlements in a SQLite table so idempotency holds
// across restarts.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate entitlement db: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS entitlements (
		payment_id TEXT PRIMARY KEY,
		settled INTEGER NOT NULL,
		tx_ref TEXT NOT NULL,
		network TEXT NOT NULL DEFAULT '',
		payer TEXT NOT NULL DEFAULT '',
		resource TEXT NOT NULL DEFAULT '',
		pay_to TEXT NOT NULL DEFAULT '',
		asset TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, bool, error) {
	if id == "" {
		return Record{}, false, ErrEmptyPaymentID
	}

	var (
		rec        Record
		settled    int
		recordedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payment_id, settled, tx_ref, network, payer, resource, pay_to, asset, amount, recorded_at
		FROM entitlements WHERE payment_id = ?`, id,
	).Scan(&rec.PaymentID, &settled, &rec.TxRef, &rec.Network, &rec.Payer,
		&rec.Resource, &rec.PayTo, &rec.Asset, &rec.Amount, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get entitlement: %w", err)
	}
	rec.Settled = settled == 1
	rec.RecordedAt = time.UnixMilli(recordedAt).UTC()
	return rec, true, nil
}

func (s *SQLiteStore) IsSettled(ctx context.Context, id string) (bool, error) {
	return isSettled(ctx, s, id)
}

func (s *SQLiteStore) PutIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	rec, err := normalize(rec)
	if err != nil {
		return Record{}, false, err
	}

	settled := 0
	if rec.Settled {
		settled = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entitlements (payment_id, settled, tx_ref, network, payer, resource, pay_to, asset, amount, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payment_id) DO NOTHING`,
		rec.PaymentID, settled, rec.TxRef, rec.Network, rec.Payer,
		rec.Resource, rec.PayTo, rec.Asset, rec.Amount, rec.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return Record{}, false, fmt.Errorf("put entitlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, false, fmt.Errorf("put entitlement: %w", err)
	}
	if n == 1 {
		return rec, true, nil
	}

	existing, found, err := s.Get(ctx, rec.PaymentID)
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		return Record{}, false, fmt.Errorf("put entitlement: %s vanished after conflict", rec.PaymentID)
	}
	return existing, false, nil
}
