//go:build integration

package permissions

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/paygoback/streampay/internal/money"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM spending_permissions")
		db.Close()
	}

	return store, cleanup
}

func dbPermission(id, wallet string, status Status, expiresAt time.Time) *SpendingPermission {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &SpendingPermission{
		ID:                 id,
		UserWalletAddress:  wallet,
		ApprovedAmount:     money.MustParse("100.00"),
		RemainingAmount:    money.MustParse("100.00"),
		RatePerHour:        money.MustParse("10.00"),
		MaxStreamingHours:  money.MustParse("10"),
		UsedStreamingHours: money.MustParse("0"),
		Status:             status,
		ExpiresAt:          expiresAt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestPostgresPermissions_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	p := dbPermission("perm_pg_001", "t1WalletAaaaaaaaaaaaaaaaaaaaaaaaaaa", StatusPending, time.Now().UTC().AddDate(0, 0, 30))
	p.RemainingAmount = money.MustParse("99.83333333")
	p.UsedStreamingHours = money.MustParse("0.016666666667")

	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "perm_pg_001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserWalletAddress != p.UserWalletAddress {
		t.Errorf("Wallet: got %s, want %s", got.UserWalletAddress, p.UserWalletAddress)
	}
	if !got.ApprovedAmount.Equal(p.ApprovedAmount) {
		t.Errorf("ApprovedAmount: got %s, want %s", got.ApprovedAmount, p.ApprovedAmount)
	}
	if !got.RemainingAmount.Equal(p.RemainingAmount) {
		t.Errorf("RemainingAmount: got %s, want %s", got.RemainingAmount, p.RemainingAmount)
	}
	if !got.UsedStreamingHours.Equal(p.UsedStreamingHours) {
		t.Errorf("UsedStreamingHours: got %s, want %s", got.UsedStreamingHours, p.UsedStreamingHours)
	}
	if got.Status != StatusPending {
		t.Errorf("Status: got %s, want pending", got.Status)
	}
}

func TestPostgresPermissions_NotFound(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	if _, err := store.Get(context.Background(), "perm_nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresPermissions_GetActiveByWallet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	wallet := "t1WalletBbbbbbbbbbbbbbbbbbbbbbbbbbb"
	future := time.Now().UTC().AddDate(0, 0, 30)

	// A revoked permission, an overdue active one on another wallet, and
	// the usable one.
	revoked := dbPermission("perm_pg_010", wallet, StatusRevoked, future)
	revoked.CreatedAt = revoked.CreatedAt.Add(-2 * time.Hour)
	overdue := dbPermission("perm_pg_011", "t1WalletCcccccccccccccccccccccccccc", StatusActive, time.Now().UTC().Add(-time.Hour))
	usable := dbPermission("perm_pg_012", wallet, StatusActive, future)

	for _, p := range []*SpendingPermission{revoked, overdue, usable} {
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("Create %s failed: %v", p.ID, err)
		}
	}

	got, err := store.GetActiveByWallet(ctx, wallet)
	if err != nil {
		t.Fatalf("GetActiveByWallet failed: %v", err)
	}
	if got.ID != "perm_pg_012" {
		t.Errorf("Expected perm_pg_012, got %s", got.ID)
	}

	// A wallet whose only active permission is past its deadline has no
	// usable permission.
	if _, err := store.GetActiveByWallet(ctx, overdue.UserWalletAddress); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for overdue wallet, got %v", err)
	}
}

func TestPostgresPermissions_MutatePersistsAlongsideError(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	p := dbPermission("perm_pg_020", "t1WalletDddddddddddddddddddddddddddd", StatusActive, time.Now().UTC().AddDate(0, 0, 30))
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	updated, err := store.Mutate(ctx, p.ID, func(perm *SpendingPermission) (bool, error) {
		perm.Status = StatusExhausted
		return true, ErrInsufficientBalance
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance back from fn, got %v", err)
	}
	if updated.Status != StatusExhausted {
		t.Errorf("Returned permission should carry the new status, got %s", updated.Status)
	}

	stored, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != StatusExhausted {
		t.Errorf("Status change must persist alongside the error, got %s", stored.Status)
	}
}

func TestPostgresPermissions_MutateNoPersistLeavesRow(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	p := dbPermission("perm_pg_021", "t1WalletEeeeeeeeeeeeeeeeeeeeeeeeeeee", StatusActive, time.Now().UTC().AddDate(0, 0, 30))
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sentinel := errors.New("nope")
	_, err := store.Mutate(ctx, p.ID, func(perm *SpendingPermission) (bool, error) {
		perm.RemainingAmount = money.MustParse("1")
		return false, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Expected sentinel error, got %v", err)
	}

	stored, _ := store.Get(ctx, p.ID)
	if !stored.RemainingAmount.Equal(money.MustParse("100.00")) {
		t.Errorf("Row must be untouched when fn declines persistence, got %s", stored.RemainingAmount)
	}
}

func TestPostgresPermissions_OneActivePerWallet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	wallet := "t1WalletFfffffffffffffffffffffffffff"
	future := time.Now().UTC().AddDate(0, 0, 30)

	first := dbPermission("perm_pg_030", wallet, StatusActive, future)
	second := dbPermission("perm_pg_031", wallet, StatusPending, future)
	for _, p := range []*SpendingPermission{first, second} {
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("Create %s failed: %v", p.ID, err)
		}
	}

	_, err := store.Mutate(ctx, second.ID, func(perm *SpendingPermission) (bool, error) {
		perm.Status = StatusActive
		return true, nil
	})
	if !errors.Is(err, ErrActiveExists) {
		t.Fatalf("Expected ErrActiveExists from the partial unique index, got %v", err)
	}

	stored, _ := store.Get(ctx, second.ID)
	if stored.Status != StatusPending {
		t.Errorf("Failed activation must roll back, got %s", stored.Status)
	}
}

func TestPostgresPermissions_MarkExpired(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	overdueA := dbPermission("perm_pg_040", "t1WalletGggggggggggggggggggggggggggg", StatusActive, now.Add(-time.Hour))
	overdueB := dbPermission("perm_pg_041", "t1WalletHhhhhhhhhhhhhhhhhhhhhhhhhhhh", StatusActive, now.Add(-time.Minute))
	fresh := dbPermission("perm_pg_042", "t1WalletJjjjjjjjjjjjjjjjjjjjjjjjjjjj", StatusActive, now.Add(time.Hour))
	pendingOverdue := dbPermission("perm_pg_043", "t1WalletKkkkkkkkkkkkkkkkkkkkkkkkkkkk", StatusPending, now.Add(-time.Hour))

	for _, p := range []*SpendingPermission{overdueA, overdueB, fresh, pendingOverdue} {
		if err := store.Create(ctx, p); err != nil {
			t.Fatalf("Create %s failed: %v", p.ID, err)
		}
	}

	count, err := store.MarkExpired(ctx, now)
	if err != nil {
		t.Fatalf("MarkExpired failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 expired, got %d", count)
	}

	stored, _ := store.Get(ctx, fresh.ID)
	if stored.Status != StatusActive {
		t.Errorf("Fresh permission must stay active, got %s", stored.Status)
	}
	stored, _ = store.Get(ctx, pendingOverdue.ID)
	if stored.Status != StatusPending {
		t.Errorf("Only active permissions expire in the sweep, got %s", stored.Status)
	}
}
