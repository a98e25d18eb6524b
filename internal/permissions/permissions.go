// Package permissions implements prepaid spending permissions.
//
// A permission is a time-bounded, rate-locked allowance: the user funds
// the service's custodial Zcash address, the chain gateway verifies the
// inbound payment, and streaming sessions then draw the balance down in
// hour increments. Every balance mutation preserves the ledger identity
//
//	remaining_amount + rate_per_hour * used_streaming_hours == approved_amount
//
// exactly, which is why all arithmetic runs on fixed-precision decimals
// quantized once at ingress (see internal/money).
package permissions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paygoback/streampay/internal/zcash"
)

var (
	ErrNotFound            = errors.New("permission not found")
	ErrInvalidState        = errors.New("permission state does not allow this operation")
	ErrExpired             = errors.New("permission has expired")
	ErrInsufficientBalance = errors.New("insufficient permission balance")
	ErrActiveExists        = errors.New("wallet already has an active permission")
)

// PaymentShortError reports funding verification that found less than
// the approved amount from the declared sender.
type PaymentShortError struct {
	Expected decimal.Decimal
	Received decimal.Decimal
}

func (e *PaymentShortError) Error() string {
	return fmt.Sprintf("payment short: expected %s, received %s", e.Expected, e.Received)
}

// Status represents the state of a spending permission.
type Status string

const (
	StatusPending Status = "pending"
	// StatusApproved is reserved for a manual-approval flow and is never
	// produced by any current transition.
	StatusApproved  Status = "approved"
	StatusActive    Status = "active"
	StatusExhausted Status = "exhausted"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
)

// Terminal reports whether a status permits no further mutation.
func (s Status) Terminal() bool {
	return s == StatusExhausted || s == StatusExpired || s == StatusRevoked
}

// SpendingPermission is a user's prepaid streaming allowance.
type SpendingPermission struct {
	ID                 string          `json:"id"`
	UserWalletAddress  string          `json:"user_wallet_address"`
	ApprovedAmount     decimal.Decimal `json:"approved_amount"`
	RemainingAmount    decimal.Decimal `json:"remaining_amount"`
	RatePerHour        decimal.Decimal `json:"rate_per_hour"`
	MaxStreamingHours  decimal.Decimal `json:"max_streaming_hours"`
	UsedStreamingHours decimal.Decimal `json:"used_streaming_hours"`
	Status             Status          `json:"status"`
	ExpiresAt          time.Time       `json:"expires_at"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// CreateRequest is the request body for purchasing a permission.
type CreateRequest struct {
	UserWalletAddress string `json:"user_wallet_address" binding:"required"`
	RequestedAmount   string `json:"requested_amount" binding:"required"`
	RatePerHour       string `json:"rate_per_hour" binding:"required"`
	DurationDays      int    `json:"duration_days"`
}

// CreateResult is returned from a successful create: everything the
// user needs to fund the permission out-of-band.
type CreateResult struct {
	PermissionID      string          `json:"permission_id"`
	MaxStreamingHours decimal.Decimal `json:"max_streaming_hours"`
	ExpiresAt         time.Time       `json:"expires_at"`
	PaymentAddress    string          `json:"payment_address"`
	AmountToPay       decimal.Decimal `json:"amount_to_pay"`
}

// StatusView is the read model for GET requests; remaining_hours is
// derived, never stored.
type StatusView struct {
	ID              string          `json:"id"`
	Status          Status          `json:"status"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	RemainingHours  decimal.Decimal `json:"remaining_hours"`
	UsedHours       decimal.Decimal `json:"used_hours"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// Store persists spending permissions.
//
// Mutate is the row-level concurrency contract: the store loads the
// permission under a lock, applies fn, and persists when fn's first
// return is true. Persistence happens even when fn also returns an
// error, because Expired and Exhausted transitions must be durable
// alongside the error they surface. The (possibly mutated) permission
// is returned with fn's error. When fn returns (false, err) the row is
// left untouched.
type Store interface {
	Create(ctx context.Context, p *SpendingPermission) error
	Get(ctx context.Context, id string) (*SpendingPermission, error)
	// GetActiveByWallet returns the newest permission that is active and
	// not yet past its deadline, or ErrNotFound.
	GetActiveByWallet(ctx context.Context, wallet string) (*SpendingPermission, error)
	Mutate(ctx context.Context, id string, fn func(p *SpendingPermission) (persist bool, err error)) (*SpendingPermission, error)
	// MarkExpired bulk-transitions active permissions whose deadline has
	// passed and reports how many rows changed.
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
}

// ChainVerifier is the slice of the chain gateway the permission
// lifecycle needs.
type ChainVerifier interface {
	ValidateAddress(ctx context.Context, addr string) (bool, error)
	// CheckPaymentReceived sums confirmed, sender-verified receipts at
	// `to` originating from `from`.
	CheckPaymentReceived(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// BalanceReader reports wallet balances for the funding endpoint.
type BalanceReader interface {
	GetBalance(ctx context.Context, addr string) (*zcash.Balance, error)
}
