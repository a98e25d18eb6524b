package permissions

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

// NewPostgresStore creates a PostgreSQL-backed permission store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the spending_permissions table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS spending_permissions (
			id                   VARCHAR(36) PRIMARY KEY,
			user_wallet_address  VARCHAR(255) NOT NULL,
			approved_amount      NUMERIC(38,18) NOT NULL CHECK (approved_amount >= 0),
			remaining_amount     NUMERIC(38,18) NOT NULL CHECK (remaining_amount >= 0),
			rate_per_hour        NUMERIC(24,6) NOT NULL CHECK (rate_per_hour > 0),
			max_streaming_hours  NUMERIC(24,12) NOT NULL,
			used_streaming_hours NUMERIC(24,12) NOT NULL DEFAULT 0 CHECK (used_streaming_hours >= 0),
			status               VARCHAR(20) NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','approved','active','exhausted','expired','revoked')),
			expires_at           TIMESTAMPTZ NOT NULL,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_spending_permissions_wallet ON spending_permissions(user_wallet_address);
		CREATE INDEX IF NOT EXISTS idx_spending_permissions_status ON spending_permissions(status);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_spending_permissions_one_active
			ON spending_permissions(user_wallet_address) WHERE status = 'active';
	`)
	return err
}

const permissionColumns = `id, user_wallet_address, approved_amount, remaining_amount,
	rate_per_hour, max_streaming_hours, used_streaming_hours,
	status, expires_at, created_at, updated_at`

// Create inserts a new permission row.
func (p *PostgresStore) Create(ctx context.Context, perm *SpendingPermission) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO spending_permissions (`+permissionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		perm.ID, perm.UserWalletAddress, perm.ApprovedAmount, perm.RemainingAmount,
		perm.RatePerHour, perm.MaxStreamingHours, perm.UsedStreamingHours,
		string(perm.Status), perm.ExpiresAt, perm.CreatedAt, perm.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert permission: %w", err)
	}
	return nil
}

// Get retrieves a permission by ID.
func (p *PostgresStore) Get(ctx context.Context, id string) (*SpendingPermission, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+permissionColumns+` FROM spending_permissions WHERE id = $1
	`, id)

	perm, err := scanPermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get permission: %w", err)
	}
	return perm, nil
}

// GetActiveByWallet retrieves the newest usable permission for a wallet.
func (p *PostgresStore) GetActiveByWallet(ctx context.Context, wallet string) (*SpendingPermission, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+permissionColumns+` FROM spending_permissions
		WHERE user_wallet_address = $1 AND status = 'active' AND expires_at > NOW()
		ORDER BY created_at DESC LIMIT 1
	`, wallet)

	perm, err := scanPermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active permission: %w", err)
	}
	return perm, nil
}

// Mutate loads a permission under a row lock, applies fn, and persists
// when fn asks for it. See the Store contract for the persist-on-error
// cases.
func (p *PostgresStore) Mutate(ctx context.Context, id string, fn func(perm *SpendingPermission) (bool, error)) (*SpendingPermission, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+permissionColumns+` FROM spending_permissions WHERE id = $1 FOR UPDATE
	`, id)
	perm, err := scanPermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock permission: %w", err)
	}

	persist, opErr := fn(perm)
	if !persist {
		return perm, opErr
	}

	perm.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE spending_permissions SET
			remaining_amount     = $2,
			used_streaming_hours = $3,
			status               = $4,
			updated_at           = $5
		WHERE id = $1
	`, perm.ID, perm.RemainingAmount, perm.UsedStreamingHours, string(perm.Status), perm.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveExists
		}
		return nil, fmt.Errorf("update permission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveExists
		}
		return nil, fmt.Errorf("commit permission update: %w", err)
	}
	return perm, opErr
}

// MarkExpired bulk-expires active permissions past their deadline.
func (p *PostgresStore) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE spending_permissions
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'active' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("mark expired: %w", err)
	}
	return result.RowsAffected()
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanPermission(row scannable) (*SpendingPermission, error) {
	var perm SpendingPermission
	var status string

	err := row.Scan(
		&perm.ID, &perm.UserWalletAddress, &perm.ApprovedAmount, &perm.RemainingAmount,
		&perm.RatePerHour, &perm.MaxStreamingHours, &perm.UsedStreamingHours,
		&status, &perm.ExpiresAt, &perm.CreatedAt, &perm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	perm.Status = Status(status)
	return &perm, nil
}

// isUniqueViolation reports whether err is a Postgres unique-index
// violation (the one-active-per-wallet index).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
