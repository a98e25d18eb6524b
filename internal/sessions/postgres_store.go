package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the session tables if they don't exist. The
// spending_permissions table belongs to the permissions store;
// permission links are not foreign-keyed so the two migrations stay
// order-independent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS streaming_sessions (
			id                    VARCHAR(36) PRIMARY KEY,
			session_code          VARCHAR(12) NOT NULL UNIQUE,
			user_wallet_address   VARCHAR(255) NOT NULL,
			vendor_id             VARCHAR(255) NOT NULL,
			vendor_wallet_address VARCHAR(255) NOT NULL,
			rate_per_hour         NUMERIC(24,6) NOT NULL CHECK (rate_per_hour > 0),
			total_amount_billed   NUMERIC(38,18) NOT NULL DEFAULT 0 CHECK (total_amount_billed >= 0),
			status                VARCHAR(20) NOT NULL DEFAULT 'active'
				CHECK (status IN ('active','paused','completed','failed')),
			start_time            TIMESTAMPTZ NOT NULL,
			last_billed_time      TIMESTAMPTZ NOT NULL,
			end_time              TIMESTAMPTZ,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_streaming_sessions_status ON streaming_sessions(status);
		CREATE INDEX IF NOT EXISTS idx_streaming_sessions_wallet ON streaming_sessions(user_wallet_address);

		CREATE TABLE IF NOT EXISTS billing_transactions (
			id                    VARCHAR(36) PRIMARY KEY,
			session_id            VARCHAR(36) NOT NULL REFERENCES streaming_sessions(id),
			user_wallet_address   VARCHAR(255) NOT NULL,
			vendor_wallet_address VARCHAR(255) NOT NULL,
			amount                NUMERIC(38,18) NOT NULL CHECK (amount >= 0),
			duration_minutes      BIGINT NOT NULL DEFAULT 0,
			tx_hash               VARCHAR(255),
			status                VARCHAR(20) NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','confirmed','failed')),
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_billing_transactions_session ON billing_transactions(session_id);

		CREATE TABLE IF NOT EXISTS session_permissions (
			session_id    VARCHAR(36) PRIMARY KEY REFERENCES streaming_sessions(id),
			permission_id VARCHAR(36) NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

const sessionColumns = `id, session_code, user_wallet_address, vendor_id, vendor_wallet_address,
	rate_per_hour, total_amount_billed, status,
	start_time, last_billed_time, end_time, created_at, updated_at`

const transactionColumns = `id, session_id, user_wallet_address, vendor_wallet_address,
	amount, duration_minutes, tx_hash, status, created_at`

// Create inserts a new session row.
func (p *PostgresStore) Create(ctx context.Context, session *StreamingSession) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO streaming_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		session.ID, session.SessionCode, session.UserWalletAddress,
		session.VendorID, session.VendorWalletAddress,
		session.RatePerHour, session.TotalAmountBilled, string(session.Status),
		session.StartTime, session.LastBilledTime, nullTime(session.EndTime),
		session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (p *PostgresStore) Get(ctx context.Context, id string) (*StreamingSession, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM streaming_sessions WHERE id = $1
	`, id)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// GetByCode retrieves a session by its public code.
func (p *PostgresStore) GetByCode(ctx context.Context, code string) (*StreamingSession, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM streaming_sessions WHERE session_code = $1
	`, code)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session by code: %w", err)
	}
	return session, nil
}

// ListActive returns billable sessions, longest-unbilled first.
func (p *PostgresStore) ListActive(ctx context.Context, limit int) ([]*StreamingSession, error) {
	if limit <= 0 {
		limit = schedulerBatch
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM streaming_sessions
		WHERE status = 'active'
		ORDER BY last_billed_time ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []*StreamingSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// Update persists a session while its stored status still equals from.
func (p *PostgresStore) Update(ctx context.Context, session *StreamingSession, from SessionStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE streaming_sessions SET
			status              = $3,
			start_time          = $4,
			last_billed_time    = $5,
			end_time            = $6,
			total_amount_billed = $7,
			updated_at          = $8
		WHERE id = $1 AND status = $2
	`,
		session.ID, string(from),
		string(session.Status), session.StartTime, session.LastBilledTime,
		nullTime(session.EndTime), session.TotalAmountBilled, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM streaming_sessions WHERE id = $1)`,
			session.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

// LinkPermission records which permission funds a session.
func (p *PostgresStore) LinkPermission(ctx context.Context, sessionID, permissionID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO session_permissions (session_id, permission_id) VALUES ($1, $2)
	`, sessionID, permissionID)
	if err != nil {
		return fmt.Errorf("link permission: %w", err)
	}
	return nil
}

// PermissionID resolves a session's funding permission, "" when the
// session is unlinked.
func (p *PostgresStore) PermissionID(ctx context.Context, sessionID string) (string, error) {
	var permissionID string
	err := p.db.QueryRowContext(ctx, `
		SELECT permission_id FROM session_permissions WHERE session_id = $1
	`, sessionID).Scan(&permissionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get permission link: %w", err)
	}
	return permissionID, nil
}

// CreateTransaction appends one ledger row.
func (p *PostgresStore) CreateTransaction(ctx context.Context, tx *BillingTransaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO billing_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		tx.ID, tx.SessionID, tx.UserWalletAddress, tx.VendorWalletAddress,
		tx.Amount, tx.DurationMinutes, nullString(tx.TxHash), string(tx.Status), tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// ListTransactions returns a session's ledger rows, oldest first.
func (p *PostgresStore) ListTransactions(ctx context.Context, sessionID string, limit int) ([]*BillingTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM billing_transactions
		WHERE session_id = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*BillingTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scannable) (*StreamingSession, error) {
	var session StreamingSession
	var status string
	var endTime sql.NullTime

	err := row.Scan(
		&session.ID, &session.SessionCode, &session.UserWalletAddress,
		&session.VendorID, &session.VendorWalletAddress,
		&session.RatePerHour, &session.TotalAmountBilled, &status,
		&session.StartTime, &session.LastBilledTime, &endTime,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.Status = SessionStatus(status)
	if endTime.Valid {
		t := endTime.Time
		session.EndTime = &t
	}
	return &session, nil
}

func scanTransaction(row scannable) (*BillingTransaction, error) {
	var tx BillingTransaction
	var status string
	var txHash sql.NullString

	err := row.Scan(
		&tx.ID, &tx.SessionID, &tx.UserWalletAddress, &tx.VendorWalletAddress,
		&tx.Amount, &tx.DurationMinutes, &txHash, &status, &tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	tx.Status = TxStatus(status)
	if txHash.Valid {
		h := txHash.String
		tx.TxHash = &h
	}
	return &tx, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// isUniqueViolation reports whether err is a Postgres unique-index
// violation (the session_code index).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
