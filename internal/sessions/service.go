package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"

	"github.com/paygoback/streampay/internal/chainbill"
	"github.com/paygoback/streampay/internal/idgen"
	"github.com/paygoback/streampay/internal/money"
	"github.com/paygoback/streampay/internal/permissions"
	"github.com/paygoback/streampay/internal/syncutil"
	"github.com/paygoback/streampay/internal/traces"
	"github.com/paygoback/streampay/internal/validation"
)

// DefaultBillingInterval is the minimum elapsed time before the
// scheduler debits a session again.
const DefaultBillingInterval = 60 * time.Second

// codeAttempts bounds the retry loop on session-code collisions. At
// 36^12 codes a second collision in a row already means something is
// wrong with the RNG.
const codeAttempts = 5

// schedulerBatch caps how many sessions one tick loads. Sessions left
// over are the first in line on the next tick because listing orders
// by last_billed_time.
const schedulerBatch = 1000

// Service provides streaming-session business logic.
type Service struct {
	store       Store
	permissions PermissionCharger
	vendors     VendorResolver
	biller      FallbackBiller
	codes       CodeCache
	emitter     Emitter
	interval    time.Duration
	locks       syncutil.KeyedMutex
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a session service.
func NewService(store Store, perms PermissionCharger, vendors VendorResolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		permissions: perms,
		vendors:     vendors,
		interval:    DefaultBillingInterval,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithFallbackBiller adds on-chain billing for sessions without a
// permission link.
func (s *Service) WithFallbackBiller(b FallbackBiller) *Service {
	s.biller = b
	return s
}

// WithCodeCache adds a code-to-session lookup cache.
func (s *Service) WithCodeCache(c CodeCache) *Service {
	s.codes = c
	return s
}

// WithEmitter adds a live-feed emitter for lifecycle events.
func (s *Service) WithEmitter(e Emitter) *Service {
	s.emitter = e
	return s
}

// WithBillingInterval overrides the minimum gap between debits.
func (s *Service) WithBillingInterval(d time.Duration) *Service {
	if d > 0 {
		s.interval = d
	}
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a session for a funded wallet against a vendor. The
// wallet must hold an active spending permission with balance left;
// the session is linked to that permission and starts billing
// immediately.
func (s *Service) Create(ctx context.Context, req CreateSessionRequest) (_ *StreamingSession, _ *CreateSessionResult, retErr error) {
	ctx, span := traces.StartSpan(ctx, "sessions.Create",
		traces.Wallet(req.UserWalletAddress),
		traces.VendorID(req.VendorID),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if errs := validation.Validate(
		validation.Required("user_wallet_address", req.UserWalletAddress),
		validation.ZcashAddress("user_wallet_address", req.UserWalletAddress),
		validation.Required("vendor_id", req.VendorID),
	); len(errs) > 0 {
		return nil, nil, errs
	}

	perm, err := s.permissions.GetActiveByWallet(ctx, req.UserWalletAddress)
	if err != nil {
		if errors.Is(err, permissions.ErrNotFound) {
			return nil, nil, ErrNoPermission
		}
		return nil, nil, fmt.Errorf("look up permission: %w", err)
	}
	if !perm.RemainingAmount.IsPositive() {
		return nil, nil, ErrNoBalance
	}

	v, err := s.vendors.Get(ctx, req.VendorID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve vendor: %w", err)
	}

	if !v.RatePerHour.Equal(perm.RatePerHour) {
		s.logger.Warn("vendor rate differs from permission rate",
			"vendor", v.ID,
			"vendorRate", v.RatePerHour,
			"permissionRate", perm.RatePerHour,
			"wallet", req.UserWalletAddress,
		)
	}

	now := s.now()
	session := &StreamingSession{
		ID:                  idgen.New(),
		UserWalletAddress:   req.UserWalletAddress,
		VendorID:            v.ID,
		VendorWalletAddress: v.WalletAddress,
		RatePerHour:         v.RatePerHour,
		TotalAmountBilled:   decimal.Zero,
		Status:              SessionActive,
		StartTime:           now,
		LastBilledTime:      now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	created := false
	for attempt := 0; attempt < codeAttempts; attempt++ {
		session.SessionCode = generateSessionCode()
		err = s.store.Create(ctx, session)
		if err == nil {
			created = true
			break
		}
		if !errors.Is(err, ErrDuplicateCode) {
			return nil, nil, fmt.Errorf("create session: %w", err)
		}
	}
	if !created {
		return nil, nil, fmt.Errorf("allocate session code: %w", ErrDuplicateCode)
	}

	if err := s.store.LinkPermission(ctx, session.ID, perm.ID); err != nil {
		// An active session without a link would bill through the
		// fallback path. Close it instead.
		session.Status = SessionFailed
		session.UpdatedAt = s.now()
		if uerr := s.store.Update(ctx, session, SessionActive); uerr != nil {
			s.logger.Error("failed to close session after link failure",
				"session", session.ID, "error", uerr)
		}
		return nil, nil, fmt.Errorf("link permission: %w", err)
	}

	if s.codes != nil {
		if err := s.codes.Put(ctx, session.SessionCode, session.ID); err != nil {
			s.logger.Warn("failed to cache session code",
				"session", session.ID, "error", err)
		}
	}

	sessionsCreated.Inc()
	s.emit("session_created", session)
	s.logger.Info("created streaming session",
		"session", session.ID,
		"code", session.SessionCode,
		"wallet", req.UserWalletAddress,
		"vendor", v.ID,
		"permission", perm.ID,
	)
	return session, &CreateSessionResult{SessionCode: session.SessionCode, SessionID: session.ID}, nil
}

// Activate (re)arms a session: the billing clock restarts at now. The
// call is idempotent on active sessions and is also how a paused
// session resumes after its wallet is topped up; the paused gap is
// never billed. Completed and failed sessions stay frozen.
func (s *Service) Activate(ctx context.Context, code string) (_ *StreamingSession, retErr error) {
	ctx, span := traces.StartSpan(ctx, "sessions.Activate", traces.SessionCode(code))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	session, err := s.byCode(ctx, code)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Acquire(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err = s.store.Get(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, ErrInvalidState
	}

	prev := session.Status
	now := s.now()
	session.StartTime = now
	session.LastBilledTime = now
	session.Status = SessionActive
	session.UpdatedAt = now
	if err := s.store.Update(ctx, session, prev); err != nil {
		return nil, fmt.Errorf("activate session: %w", err)
	}

	sessionsActivated.Inc()
	s.emit("session_activated", session)
	s.logger.Info("activated streaming session", "session", session.ID, "code", code, "from", prev)
	return session, nil
}

// End settles the interval since the last debit and completes the
// session. The final transaction is returned. If the closing debit
// fails the session fails with it and the permission error surfaces.
func (s *Service) End(ctx context.Context, code string) (_ *BillingTransaction, retErr error) {
	ctx, span := traces.StartSpan(ctx, "sessions.End", traces.SessionCode(code))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	session, err := s.byCode(ctx, code)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Acquire(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err = s.store.Get(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionActive {
		return nil, ErrInvalidState
	}

	permissionID, err := s.store.PermissionID(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve permission link: %w", err)
	}
	if permissionID == "" {
		// Legacy fallback sessions have no permission to settle
		// against; the on-chain path is scheduler-only.
		return nil, ErrNotLinked
	}

	now := s.now()
	hours := money.HoursBetween(session.LastBilledTime, now)

	if _, err := s.permissions.Deduct(ctx, permissionID, hours); err != nil {
		s.fail(ctx, session, err)
		return nil, fmt.Errorf("final debit: %w", err)
	}

	amount := hours.Mul(session.RatePerHour)
	tx := &BillingTransaction{
		ID:                  idgen.New(),
		SessionID:           session.ID,
		UserWalletAddress:   session.UserWalletAddress,
		VendorWalletAddress: session.VendorWalletAddress,
		Amount:              amount,
		DurationMinutes:     int64(now.Sub(session.LastBilledTime) / time.Minute),
		Status:              TxConfirmed,
		CreatedAt:           now,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		// The debit is already durable; leaving the session active
		// would re-bill the same interval on the next tick.
		s.logger.Error("failed to record final transaction",
			"session", session.ID, "amount", amount, "error", err)
		retErr = fmt.Errorf("record final transaction: %w", err)
	}

	session.LastBilledTime = now
	session.TotalAmountBilled = session.TotalAmountBilled.Add(amount)
	session.EndTime = &now
	session.Status = SessionCompleted
	session.UpdatedAt = now
	if err := s.store.Update(ctx, session, SessionActive); err != nil {
		return nil, fmt.Errorf("complete session: %w", err)
	}

	if retErr != nil {
		return nil, retErr
	}

	sessionsCompleted.Inc()
	addBilledVolume(amount)
	s.emit("billing_transaction", tx)
	s.emit("session_completed", session)
	s.logger.Info("ended streaming session",
		"session", session.ID,
		"code", code,
		"amount", amount,
		"totalBilled", session.TotalAmountBilled,
	)
	return tx, nil
}

// Get returns a session by ID.
func (s *Service) Get(ctx context.Context, id string) (*StreamingSession, error) {
	return s.store.Get(ctx, id)
}

// Transactions lists a session's billing ledger, oldest first.
func (s *Service) Transactions(ctx context.Context, sessionID string, limit int) ([]*BillingTransaction, error) {
	return s.store.ListTransactions(ctx, sessionID, limit)
}

// ProcessActiveSessions runs one scheduler tick: every active session
// whose interval has elapsed is debited, each under its own lock and
// with its own error handling. One bad session never stops the tick.
func (s *Service) ProcessActiveSessions(ctx context.Context) error {
	start := time.Now()

	active, err := s.store.ListActive(ctx, schedulerBatch)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	activeSessions.Set(float64(len(active)))

	for _, session := range active {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.processSession(ctx, session.ID); err != nil {
			s.logger.Error("session tick failed", "session", session.ID, "error", err)
		}
	}

	tickDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (s *Service) processSession(ctx context.Context, id string) error {
	unlock, err := s.locks.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-read under the lock; the session may have ended or paused
	// since it was listed.
	session, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session.Status != SessionActive {
		return nil
	}

	elapsed := s.now().Sub(session.LastBilledTime)
	if elapsed < s.interval {
		return nil
	}

	permissionID, err := s.store.PermissionID(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("resolve permission link: %w", err)
	}
	if permissionID == "" {
		return s.billFallback(ctx, session, elapsed)
	}
	return s.debitPermission(ctx, session, permissionID, elapsed)
}

func (s *Service) debitPermission(ctx context.Context, session *StreamingSession, permissionID string, elapsed time.Duration) error {
	hours := money.HoursFromSeconds(int64(elapsed / time.Second))

	_, err := s.permissions.Deduct(ctx, permissionID, hours)
	switch {
	case err == nil:
	case errors.Is(err, permissions.ErrInsufficientBalance):
		s.pause(ctx, session)
		return nil
	default:
		s.fail(ctx, session, err)
		return nil
	}

	// Post-debit wall clock: jitter shortens the next interval instead
	// of dropping billable seconds.
	billedAt := s.now()
	amount := hours.Mul(session.RatePerHour)
	tx := &BillingTransaction{
		ID:                  idgen.New(),
		SessionID:           session.ID,
		UserWalletAddress:   session.UserWalletAddress,
		VendorWalletAddress: session.VendorWalletAddress,
		Amount:              amount,
		DurationMinutes:     int64(elapsed / time.Minute),
		Status:              TxConfirmed,
		CreatedAt:           billedAt,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		s.logger.Error("failed to record billing transaction",
			"session", session.ID, "amount", amount, "error", err)
	}

	session.LastBilledTime = billedAt
	session.TotalAmountBilled = session.TotalAmountBilled.Add(amount)
	session.UpdatedAt = billedAt
	if err := s.store.Update(ctx, session, SessionActive); err != nil {
		return fmt.Errorf("advance billing clock: %w", err)
	}

	transactionsTotal.WithLabelValues("permission").Inc()
	addBilledVolume(amount)
	s.emit("billing_transaction", tx)
	s.logger.Info("billed session from permission",
		"session", session.ID,
		"amount", amount,
		"hours", hours,
	)
	return nil
}

func (s *Service) billFallback(ctx context.Context, session *StreamingSession, elapsed time.Duration) error {
	hours := money.HoursFromSeconds(int64(elapsed / time.Second))
	amount := hours.Mul(session.RatePerHour)

	if s.biller == nil {
		s.fail(ctx, session, chainbill.ErrDisabled)
		return nil
	}
	receipt, err := s.biller.Bill(ctx, session.UserWalletAddress, session.VendorWalletAddress, amount)
	if err != nil {
		s.fail(ctx, session, err)
		return nil
	}

	billedAt := s.now()
	hash := receipt.TxHash
	tx := &BillingTransaction{
		ID:                  idgen.New(),
		SessionID:           session.ID,
		UserWalletAddress:   session.UserWalletAddress,
		VendorWalletAddress: session.VendorWalletAddress,
		Amount:              amount,
		DurationMinutes:     int64(elapsed / time.Minute),
		TxHash:              &hash,
		Status:              TxPending,
		CreatedAt:           billedAt,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		s.logger.Error("failed to record fallback transaction",
			"session", session.ID, "tx", receipt.TxHash, "error", err)
	}

	session.LastBilledTime = billedAt
	session.TotalAmountBilled = session.TotalAmountBilled.Add(amount)
	session.UpdatedAt = billedAt
	if err := s.store.Update(ctx, session, SessionActive); err != nil {
		return fmt.Errorf("advance billing clock: %w", err)
	}

	transactionsTotal.WithLabelValues("fallback").Inc()
	addBilledVolume(amount)
	s.emit("billing_transaction", tx)
	s.logger.Info("billed session on-chain",
		"session", session.ID,
		"amount", amount,
		"tx", receipt.TxHash,
	)
	return nil
}

// pause parks an active session whose permission ran dry. Billing
// stops until the user re-activates; the gap is not charged because
// activation resets the clock.
func (s *Service) pause(ctx context.Context, session *StreamingSession) {
	session.Status = SessionPaused
	session.UpdatedAt = s.now()
	if err := s.store.Update(ctx, session, SessionActive); err != nil {
		s.logger.Error("failed to pause session", "session", session.ID, "error", err)
		return
	}
	sessionsPaused.Inc()
	s.emit("session_paused", session)
	s.logger.Warn("paused session, permission balance exhausted",
		"session", session.ID,
		"code", session.SessionCode,
		"wallet", session.UserWalletAddress,
	)
}

func (s *Service) fail(ctx context.Context, session *StreamingSession, cause error) {
	session.Status = SessionFailed
	session.UpdatedAt = s.now()
	if err := s.store.Update(ctx, session, SessionActive); err != nil {
		s.logger.Error("failed to mark session failed", "session", session.ID, "error", err)
		return
	}
	sessionsFailed.Inc()
	s.emit("session_failed", session)
	s.logger.Error("failed session, debit error",
		"session", session.ID,
		"code", session.SessionCode,
		"error", cause,
	)
}

// byCode resolves a session through the code cache when one is wired,
// falling back to the store. Cache errors count as misses.
func (s *Service) byCode(ctx context.Context, code string) (*StreamingSession, error) {
	if s.codes != nil {
		if id, err := s.codes.Lookup(ctx, code); err == nil {
			if session, err := s.store.Get(ctx, id); err == nil {
				return session, nil
			}
		}
	}
	return s.store.GetByCode(ctx, code)
}

func (s *Service) emit(event string, payload any) {
	if s.emitter != nil {
		s.emitter.Emit(event, payload)
	}
}
