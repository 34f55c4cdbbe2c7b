package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects with lib/pq and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			custodian TEXT NOT NULL,
			network TEXT NOT NULL,
			asset TEXT NOT NULL,
			max_spend BIGINT NOT NULL CHECK (max_spend > 0),
			deposited BIGINT NOT NULL DEFAULT 0,
			spent BIGINT NOT NULL DEFAULT 0 CHECK (spent >= 0),
			refunded BIGINT NOT NULL DEFAULT 0,
			refund_pending BIGINT NOT NULL DEFAULT 0,
			refunding BOOLEAN NOT NULL DEFAULT FALSE,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			authorized_agents TEXT[] NOT NULL DEFAULT '{}',
			deposit_tx TEXT NOT NULL,
			deposit_block BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			activated_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ
		)`,
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS sessions_deposit_tx ON sessions (deposit_tx) WHERE deposit_tx <> '%s'`, ZeroTxRef),
		`CREATE TABLE IF NOT EXISTS session_payments (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			payment_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			recipient TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL,
			tx_ref TEXT NOT NULL,
			method TEXT NOT NULL,
			status TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS session_payments_session ON session_payments (session_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger db: %w", err)
		}
	}
	return nil
}

const pgSessionColumns = `id, owner, custodian, network, asset, max_spend, deposited, spent, refunded, refund_pending, refunding, active, authorized_agents, deposit_tx, deposit_block, expires_at, created_at, activated_at, closed_at`

func scanPostgresSession(row interface{ Scan(...any) error }) (*Session, error) {
	var (
		sess                  Session
		depositBlock          int64
		activatedAt, closedAt sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.Owner, &sess.Custodian, &sess.Network, &sess.Asset,
		&sess.MaxSpend, &sess.Deposited, &sess.Spent, &sess.Refunded, &sess.RefundPending,
		&sess.Refunding, &sess.Active, pq.Array(&sess.AuthorizedAgents), &sess.DepositTx, &depositBlock,
		&sess.ExpiresAt, &sess.CreatedAt, &activatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	sess.DepositBlock = uint64(depositBlock)
	if activatedAt.Valid {
		t := activatedAt.Time
		sess.ActivatedAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time
		sess.ClosedAt = &t
	}
	if len(sess.AuthorizedAgents) == 0 {
		sess.AuthorizedAgents = nil
	}
	return &sess, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	depositTx := sess.DepositTx
	if depositTx == "" {
		depositTx = ZeroTxRef
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner, custodian, network, asset, max_spend, authorized_agents, deposit_tx, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.Owner, sess.Custodian, sess.Network, sess.Asset, sess.MaxSpend,
		pq.Array(nonNil(sess.AuthorizedAgents)), depositTx, sess.ExpiresAt, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := s.current(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, notFound(id)
	}
	return sess, nil
}

func (s *PostgresStore) current(ctx context.Context, id string) (*Session, error) {
	sess, err := scanPostgresSession(s.db.QueryRowContext(ctx,
		`SELECT `+pgSessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) update(ctx context.Context, query string, args ...any) (*Session, error) {
	sess, err := scanPostgresSession(s.db.QueryRowContext(ctx, query+` RETURNING `+pgSessionColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

func (s *PostgresStore) ActivateSession(ctx context.Context, id string, deposited int64, depositTx string, depositBlock uint64, at time.Time) (*Session, error) {
	sess, err := s.update(ctx,
		`UPDATE sessions SET deposited = $1, active = TRUE, deposit_tx = $2, deposit_block = $3, activated_at = $4
		WHERE id = $5 AND NOT active AND closed_at IS NULL AND deposit_tx = $6`,
		deposited, depositTx, int64(depositBlock), at, id, ZeroTxRef)
	if isPostgresUnique(err) {
		return nil, ErrDepositReused
	}
	if err != nil {
		return nil, fmt.Errorf("failed to activate session: %w", err)
	}
	if sess != nil {
		return sess, nil
	}
	cur, err := s.current(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, activateFailure(cur, id)
}

func (s *PostgresStore) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return requireRow(res, id)
}

// ReserveSpend is one conditional UPDATE; Postgres row locking makes the
// check and the increment indivisible.
func (s *PostgresStore) ReserveSpend(ctx context.Context, id string, amount int64, now time.Time) (*Session, error) {
	sess, err := s.update(ctx,
		`UPDATE sessions SET spent = spent + $1
		WHERE id = $2 AND active AND closed_at IS NULL AND NOT refunding AND expires_at > $3
			AND spent + refunded + $1 <= max_spend AND spent + refunded + $1 <= deposited`,
		amount, id, now)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve spend: %w", err)
	}
	if sess != nil {
		return sess, nil
	}
	cur, err := s.current(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, reserveFailure(cur, id, amount, now)
}

func (s *PostgresStore) ReleaseSpend(ctx context.Context, id string, amount int64) (*Session, error) {
	sess, err := s.update(ctx, `UPDATE sessions SET spent = GREATEST(spent - $1, 0) WHERE id = $2`, amount, id)
	if err != nil {
		return nil, fmt.Errorf("failed to release spend: %w", err)
	}
	if sess == nil {
		return nil, notFound(id)
	}
	return sess, nil
}

func (s *PostgresStore) ClaimRefund(ctx context.Context, id string) (*Session, error) {
	sess, err := s.update(ctx,
		`UPDATE sessions SET refunding = TRUE, refund_pending = deposited - spent - refunded
		WHERE id = $1 AND NOT refunding AND deposited - spent - refunded > 0`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to claim refund: %w", err)
	}
	if sess != nil {
		return sess, nil
	}
	cur, err := s.current(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, refundFailure(cur, id)
}

func (s *PostgresStore) ReleaseRefund(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET refunding = FALSE, refund_pending = 0 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to release refund: %w", err)
	}
	return requireRow(res, id)
}

func (s *PostgresStore) CompleteRefund(ctx context.Context, id string, amount int64, at time.Time) (*Session, error) {
	sess, err := s.update(ctx,
		`UPDATE sessions SET refunded = refunded + $1, refunding = FALSE, refund_pending = 0, active = FALSE,
			closed_at = COALESCE(closed_at, $2)
		WHERE id = $3`, amount, at, id)
	if err != nil {
		return nil, fmt.Errorf("failed to complete refund: %w", err)
	}
	if sess == nil {
		return nil, notFound(id)
	}
	return sess, nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, id string, at time.Time) (*Session, error) {
	sess, err := s.update(ctx,
		`UPDATE sessions SET active = FALSE, closed_at = $1 WHERE id = $2 AND closed_at IS NULL`, at, id)
	if err != nil {
		return nil, fmt.Errorf("failed to close session: %w", err)
	}
	if sess != nil {
		return sess, nil
	}
	cur, err := s.current(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, closeFailure(cur, id)
}

func (s *PostgresStore) InsertPayment(ctx context.Context, p *SessionPayment) error {
	metadata, err := json.Marshal(nonNilMap(p.Metadata))
	if err != nil {
		return fmt.Errorf("encode payment metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_payments (id, session_id, payment_id, kind, recipient, label, amount, tx_ref, method, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (payment_id) DO NOTHING`,
		p.ID, p.SessionID, p.PaymentID, string(p.Kind), p.Recipient, p.Label, p.Amount, p.TxRef, p.Method, p.Status,
		string(metadata), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

const pgPaymentColumns = `id, session_id, payment_id, kind, recipient, label, amount, tx_ref, method, status, metadata, created_at`

func scanPostgresPayment(row interface{ Scan(...any) error }) (*SessionPayment, error) {
	var (
		p        SessionPayment
		kind     string
		metadata []byte
	)
	if err := row.Scan(&p.ID, &p.SessionID, &p.PaymentID, &kind, &p.Recipient, &p.Label, &p.Amount,
		&p.TxRef, &p.Method, &p.Status, &metadata, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Kind = PaymentKind(kind)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode payment metadata: %w", err)
		}
	}
	if len(p.Metadata) == 0 {
		p.Metadata = nil
	}
	return &p, nil
}

func (s *PostgresStore) FindPayment(ctx context.Context, paymentID string) (*SessionPayment, error) {
	p, err := scanPostgresPayment(s.db.QueryRowContext(ctx,
		`SELECT `+pgPaymentColumns+` FROM session_payments WHERE payment_id = $1`, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPayments(ctx context.Context, sessionID string) ([]SessionPayment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgPaymentColumns+` FROM session_payments WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionPayment
	for rows.Next() {
		p, err := scanPostgresPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func isPostgresUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
