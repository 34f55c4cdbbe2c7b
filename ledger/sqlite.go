package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store on SQLite. Timestamps are stored as unix
// milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the ledger database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
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
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			custodian TEXT NOT NULL,
			network TEXT NOT NULL,
			asset TEXT NOT NULL,
			max_spend INTEGER NOT NULL CHECK (max_spend > 0),
			deposited INTEGER NOT NULL DEFAULT 0,
			spent INTEGER NOT NULL DEFAULT 0 CHECK (spent >= 0),
			refunded INTEGER NOT NULL DEFAULT 0,
			refund_pending INTEGER NOT NULL DEFAULT 0,
			refunding INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 0,
			authorized_agents TEXT NOT NULL DEFAULT '[]',
			deposit_tx TEXT NOT NULL,
			deposit_block INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			activated_at INTEGER,
			closed_at INTEGER
		)`,
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS sessions_deposit_tx ON sessions (deposit_tx) WHERE deposit_tx <> '%s'`, ZeroTxRef),
		`CREATE TABLE IF NOT EXISTS session_payments (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			payment_id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			recipient TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			amount INTEGER NOT NULL,
			tx_ref TEXT NOT NULL,
			method TEXT NOT NULL,
			status TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS session_payments_session ON session_payments (session_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return err
		}
	}
	return nil
}

const sqliteSessionColumns = `id, owner, custodian, network, asset, max_spend, deposited, spent, refunded,
	refund_pending, refunding, active, authorized_agents, deposit_tx, deposit_block,
	expires_at, created_at, activated_at, closed_at`

func scanSQLiteSession(row interface{ Scan(...any) error }) (*Session, error) {
	var (
		sess                  Session
		agents                string
		expiresAt, createdAt  int64
		activatedAt, closedAt sql.NullInt64
		depositBlock          int64
	)
	err := row.Scan(&sess.ID, &sess.Owner, &sess.Custodian, &sess.Network, &sess.Asset,
		&sess.MaxSpend, &sess.Deposited, &sess.Spent, &sess.Refunded,
		&sess.RefundPending, &sess.Refunding, &sess.Active, &agents, &sess.DepositTx, &depositBlock,
		&expiresAt, &createdAt, &activatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(agents), &sess.AuthorizedAgents); err != nil {
		return nil, fmt.Errorf("decode authorized agents: %w", err)
	}
	sess.DepositBlock = uint64(depositBlock)
	sess.ExpiresAt = fromMillis(expiresAt)
	sess.CreatedAt = fromMillis(createdAt)
	sess.ActivatedAt = nullMillis(activatedAt)
	sess.ClosedAt = nullMillis(closedAt)
	return &sess, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	agents, err := json.Marshal(nonNil(sess.AuthorizedAgents))
	if err != nil {
		return fmt.Errorf("encode authorized agents: %w", err)
	}
	depositTx := sess.DepositTx
	if depositTx == "" {
		depositTx = ZeroTxRef
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner, custodian, network, asset, max_spend, authorized_agents, deposit_tx, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Owner, sess.Custodian, sess.Network, sess.Asset, sess.MaxSpend, string(agents), depositTx,
		sess.ExpiresAt.UnixMilli(), sess.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := s.current(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, notFound(id)
	}
	return sess, nil
}

// current returns the session or nil when it does not exist.
func (s *SQLiteStore) current(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSQLiteSession(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// update runs a conditional UPDATE ... RETURNING and yields nil when the
// condition matched no row.
func (s *SQLiteStore) update(ctx context.Context, query string, args ...any) (*Session, error) {
	sess, err := scanSQLiteSession(s.db.QueryRowContext(ctx, query+` RETURNING `+sqliteSessionColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

func (s *SQLiteStore) ActivateSession(ctx context.Context, id string, deposited int64, depositTx string, depositBlock uint64, at time.Time) (*Session, error) {
	sess, err := s.update(ctx,
		`UPDATE sessions SET deposited = ?, active = 1, deposit_tx = ?, deposit_block = ?, activated_at = ?
		WHERE id = ? AND active = 0 AND closed_at IS NULL AND deposit_tx = ?`,
		deposited, depositTx, int64(depositBlock), at.UnixMilli(), id, ZeroTxRef)
	if isSQLiteUnique(err) {
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

func (s *SQLiteStore) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) ReserveSpend(ctx context.Context, id string, amount int64, now time.Time) (*Session, error) {
	sess, err := s.update(ctx,
		`UPDATE sessions SET spent = spent + ?
		WHERE id = ? AND active = 1 AND closed_at IS NULL AND refunding = 0 AND expires_at > ?
			AND spent + refunded + ? <= max_spend AND spent + refunded + ? <= deposited`,
		amount, id, now.UnixMilli(), amount, amount)
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

func (s *SQLiteStore) ReleaseSpend(ctx context.Context, id string, amount int64) (*Session, error) {
	sess, err := s.update(ctx, `UPDATE sessions SET spent = MAX(spent - ?, 0) WHERE id = ?`, amount, id)
	if err != nil {
		return nil, fmt.Errorf("failed to release spend: %w", err)
	}
	if sess == nil {
		return nil, notFound(id)
	}
	return sess, nil
}

func (s *SQLiteStore) ClaimRefund(ctx context.Context, id string) (*Session, error) {
	sess, err := s.update(ctx,
		`UPDATE sessions SET refunding = 1, refund_pending = deposited - spent - refunded
		WHERE id = ? AND refunding = 0 AND deposited - spent - refunded > 0`, id)
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

func (s *SQLiteStore) ReleaseRefund(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET refunding = 0, refund_pending = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to release refund: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) CompleteRefund(ctx context.Context, id string, amount int64, at time.Time) (*Session, error) {
	sess, err := s.update(ctx,
		`UPDATE sessions SET refunded = refunded + ?, refunding = 0, refund_pending = 0, active = 0,
			closed_at = COALESCE(closed_at, ?)
		WHERE id = ?`, amount, at.UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to complete refund: %w", err)
	}
	if sess == nil {
		return nil, notFound(id)
	}
	return sess, nil
}

func (s *SQLiteStore) CloseSession(ctx context.Context, id string, at time.Time) (*Session, error) {
	sess, err := s.update(ctx,
		`UPDATE sessions SET active = 0, closed_at = ? WHERE id = ? AND closed_at IS NULL`, at.UnixMilli(), id)
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

func (s *SQLiteStore) InsertPayment(ctx context.Context, p *SessionPayment) error {
	metadata, err := json.Marshal(nonNilMap(p.Metadata))
	if err != nil {
		return fmt.Errorf("encode payment metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_payments (id, session_id, payment_id, kind, recipient, label, amount, tx_ref, method, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payment_id) DO NOTHING`,
		p.ID, p.SessionID, p.PaymentID, string(p.Kind), p.Recipient, p.Label, p.Amount, p.TxRef, p.Method, p.Status,
		string(metadata), p.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

const sqlitePaymentColumns = `id, session_id, payment_id, kind, recipient, label, amount, tx_ref, method, status, metadata, created_at`

func scanSQLitePayment(row interface{ Scan(...any) error }) (*SessionPayment, error) {
	var (
		p         SessionPayment
		kind      string
		metadata  string
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.SessionID, &p.PaymentID, &kind, &p.Recipient, &p.Label, &p.Amount,
		&p.TxRef, &p.Method, &p.Status, &metadata, &createdAt); err != nil {
		return nil, err
	}
	p.Kind = PaymentKind(kind)
	p.CreatedAt = fromMillis(createdAt)
	if err := json.Unmarshal([]byte(metadata), &p.Metadata); err != nil {
		return nil, fmt.Errorf("decode payment metadata: %w", err)
	}
	if len(p.Metadata) == 0 {
		p.Metadata = nil
	}
	return &p, nil
}

func (s *SQLiteStore) FindPayment(ctx context.Context, paymentID string) (*SessionPayment, error) {
	p, err := scanSQLitePayment(s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePaymentColumns+` FROM session_payments WHERE payment_id = ?`, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListPayments(ctx context.Context, sessionID string) ([]SessionPayment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlitePaymentColumns+` FROM session_payments WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionPayment
	for rows.Next() {
		p, err := scanSQLitePayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || strings.Contains(se.Error(), "UNIQUE constraint failed")
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
