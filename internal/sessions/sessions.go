// Package sessions runs the streaming-session side of the billing
// engine.
//
// Flow:
//  1. User creates a session against a vendor → bound to their active
//     spending permission, identified by a short session code
//  2. The scheduler debits the permission every billing interval and
//     appends one BillingTransaction per debit
//  3. end_session settles the open interval and completes the session
//  4. A session whose permission runs dry pauses; re-activation resets
//     the billing clock so the unfunded gap is never charged
package sessions

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paygoback/streampay/internal/chainbill"
	"github.com/paygoback/streampay/internal/permissions"
	"github.com/paygoback/streampay/internal/vendors"
)

var (
	ErrNotFound       = errors.New("sessions: not found")
	ErrInvalidState   = errors.New("sessions: invalid status for this operation")
	ErrNoPermission   = errors.New("sessions: no active spending permission for wallet")
	ErrNoBalance      = errors.New("sessions: permission has no remaining balance")
	ErrNotLinked      = errors.New("sessions: session has no linked permission")
	ErrDuplicateCode  = errors.New("sessions: session code already in use")
	ErrStatusConflict = errors.New("sessions: status changed concurrently")
)

// SessionStatus represents the state of a streaming session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"    // Billable, visited by the scheduler
	SessionPaused    SessionStatus = "paused"    // Permission ran dry; waits for re-activation
	SessionCompleted SessionStatus = "completed" // Ended normally with a final settlement
	SessionFailed    SessionStatus = "failed"    // A debit failed for good
)

// Terminal returns true once the session can never bill again.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// TxStatus represents the settlement state of a billing transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"   // Submitted on-chain, not yet final
	TxConfirmed TxStatus = "confirmed" // Settled against the permission
	TxFailed    TxStatus = "failed"
)

// StreamingSession is one open consumption context against a vendor.
// RatePerHour is the vendor's rate at creation time; the linked
// permission keeps its own locked rate for wallet debits.
type StreamingSession struct {
	ID                  string          `json:"id"`
	SessionCode         string          `json:"session_code"`
	UserWalletAddress   string          `json:"user_wallet_address"`
	VendorID            string          `json:"vendor_id"`
	VendorWalletAddress string          `json:"vendor_wallet_address"`
	RatePerHour         decimal.Decimal `json:"rate_per_hour"`
	TotalAmountBilled   decimal.Decimal `json:"total_amount_billed"`
	Status              SessionStatus   `json:"status"`
	StartTime           time.Time       `json:"start_time"`
	LastBilledTime      time.Time       `json:"last_billed_time"`
	EndTime             *time.Time      `json:"end_time,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// BillingTransaction is the append-only record of one debit. TxHash is
// nil for permission debits and set for fallback on-chain bills.
type BillingTransaction struct {
	ID                  string          `json:"id"`
	SessionID           string          `json:"session_id"`
	UserWalletAddress   string          `json:"user_wallet_address"`
	VendorWalletAddress string          `json:"vendor_wallet_address"`
	Amount              decimal.Decimal `json:"amount"`
	DurationMinutes     int64           `json:"duration_minutes"`
	TxHash              *string         `json:"tx_hash,omitempty"`
	Status              TxStatus        `json:"status"`
	CreatedAt           time.Time       `json:"created_at"`
}

// Store persists sessions, their permission links, and the billing
// ledger.
type Store interface {
	Create(ctx context.Context, session *StreamingSession) error
	Get(ctx context.Context, id string) (*StreamingSession, error)
	GetByCode(ctx context.Context, code string) (*StreamingSession, error)
	ListActive(ctx context.Context, limit int) ([]*StreamingSession, error)
	// Update persists the session only while its stored status still
	// equals from; ErrStatusConflict reports a lost race. Completed and
	// failed sessions therefore stay frozen even across replicas.
	Update(ctx context.Context, session *StreamingSession, from SessionStatus) error

	LinkPermission(ctx context.Context, sessionID, permissionID string) error
	// PermissionID resolves the linked permission, or "" when the
	// session predates permissions and bills through the fallback path.
	PermissionID(ctx context.Context, sessionID string) (string, error)

	CreateTransaction(ctx context.Context, tx *BillingTransaction) error
	ListTransactions(ctx context.Context, sessionID string, limit int) ([]*BillingTransaction, error)
}

// PermissionCharger is the slice of the permission manager the session
// engine needs: find the wallet's active permission, debit it.
type PermissionCharger interface {
	GetActiveByWallet(ctx context.Context, wallet string) (*permissions.SpendingPermission, error)
	Deduct(ctx context.Context, id string, hours decimal.Decimal) (*permissions.SpendingPermission, error)
}

// VendorResolver looks vendors up in the external directory.
type VendorResolver interface {
	Get(ctx context.Context, vendorID string) (*vendors.Vendor, error)
}

// FallbackBiller settles a debit on-chain for sessions without a
// permission link.
type FallbackBiller interface {
	Bill(ctx context.Context, user, vendorWallet string, amount decimal.Decimal) (*chainbill.Receipt, error)
}

// CodeCache accelerates code-to-session resolution. Failures are
// treated as misses; the store stays authoritative.
type CodeCache interface {
	Put(ctx context.Context, code, sessionID string) error
	Lookup(ctx context.Context, code string) (string, error)
}

// Emitter pushes lifecycle events to the live event feed.
type Emitter interface {
	Emit(event string, payload any)
}

// CreateSessionRequest contains the parameters for opening a session.
type CreateSessionRequest struct {
	UserWalletAddress string `json:"user_wallet_address" binding:"required"`
	VendorID          string `json:"vendor_id" binding:"required"`
}

// SessionCodeRequest addresses a session by its public code.
type SessionCodeRequest struct {
	SessionCode string `json:"session_code" binding:"required"`
}

// CreateSessionResult is the public handle pair returned on create.
type CreateSessionResult struct {
	SessionCode string `json:"session_code"`
	SessionID   string `json:"session_id"`
}

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 12
)

// generateSessionCode draws a 12-character code uniformly over A-Z0-9.
// Bytes at or above 252 are rejected so the modulo stays unbiased
// (252 is the largest multiple of 36 within a byte).
func generateSessionCode() string {
	code := make([]byte, 0, codeLength)
	buf := make([]byte, 32)
	for len(code) < codeLength {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		for _, b := range buf {
			if b >= 252 {
				continue
			}
			code = append(code, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(code) == codeLength {
				break
			}
		}
	}
	return string(code)
}
