package permissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/codes"

	"github.com/paygoback/streampay/internal/idgen"
	"github.com/paygoback/streampay/internal/money"
	"github.com/paygoback/streampay/internal/retry"
	"github.com/paygoback/streampay/internal/traces"
	"github.com/paygoback/streampay/internal/validation"
	"github.com/paygoback/streampay/internal/zcash"
)

// Emitter pushes lifecycle events to the live event feed.
type Emitter interface {
	Emit(event string, payload any)
}

// Service provides spending-permission business logic.
type Service struct {
	store           Store
	chain           ChainVerifier
	custodialWallet string
	defaultDuration int
	verifyAttempts  int
	verifyBackoff   time.Duration
	emitter         Emitter
	logger          *slog.Logger
	now             func() time.Time
}

// NewService creates a permission service. custodialWallet is the
// service address users fund; it is returned as pay_to on create.
func NewService(store Store, chain ChainVerifier, custodialWallet string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:           store,
		chain:           chain,
		custodialWallet: custodialWallet,
		defaultDuration: 30,
		verifyAttempts:  3,
		verifyBackoff:   500 * time.Millisecond,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// WithDefaultDuration overrides the duration applied when a create
// request omits duration_days.
func (s *Service) WithDefaultDuration(days int) *Service {
	if days > 0 {
		s.defaultDuration = days
	}
	return s
}

// WithEmitter adds a live-feed emitter for lifecycle events.
func (s *Service) WithEmitter(e Emitter) *Service {
	s.emitter = e
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create validates a purchase request and persists a pending
// permission. Funding happens out-of-band against the returned
// payment address.
func (s *Service) Create(ctx context.Context, req CreateRequest) (_ *SpendingPermission, _ *CreateResult, retErr error) {
	ctx, span := traces.StartSpan(ctx, "permissions.Create",
		traces.Wallet(req.UserWalletAddress),
		traces.Amount(req.RequestedAmount),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	days := req.DurationDays
	if days == 0 {
		days = s.defaultDuration
	}

	if errs := validation.Validate(
		validation.Required("user_wallet_address", req.UserWalletAddress),
		validation.ZcashAddress("user_wallet_address", req.UserWalletAddress),
		validation.Required("requested_amount", req.RequestedAmount),
		validation.Amount("requested_amount", req.RequestedAmount),
		validation.Required("rate_per_hour", req.RatePerHour),
		validation.Rate("rate_per_hour", req.RatePerHour),
		validation.DurationDays("duration_days", days),
	); len(errs) > 0 {
		return nil, nil, errs
	}

	amount, err := money.ParseAmount(req.RequestedAmount)
	if err != nil {
		return nil, nil, err
	}
	rate, err := money.ParseRate(req.RatePerHour)
	if err != nil {
		return nil, nil, err
	}
	maxHours, err := money.MaxHours(amount, rate)
	if err != nil {
		return nil, nil, validation.ValidationErrors{{
			Field: "requested_amount", Message: "amount over rate exceeds the supported hour range",
		}}
	}

	ok, err := s.chain.ValidateAddress(ctx, req.UserWalletAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("validate address: %w", err)
	}
	if !ok {
		return nil, nil, validation.ValidationErrors{{
			Field: "user_wallet_address", Message: "address rejected by the node",
		}}
	}

	now := s.now()
	p := &SpendingPermission{
		ID:                 idgen.New(),
		UserWalletAddress:  req.UserWalletAddress,
		ApprovedAmount:     amount,
		RemainingAmount:    amount,
		RatePerHour:        rate,
		MaxStreamingHours:  maxHours,
		UsedStreamingHours: decimal.Zero,
		Status:             StatusPending,
		ExpiresAt:          now.AddDate(0, 0, days),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, nil, fmt.Errorf("create permission: %w", err)
	}

	permissionsCreated.Inc()
	s.emit("permission_created", p)
	s.logger.Info("permission created",
		"permission_id", p.ID,
		"wallet", p.UserWalletAddress,
		"amount", amount.String(),
		"max_hours", maxHours.String(),
	)

	return p, &CreateResult{
		PermissionID:      p.ID,
		MaxStreamingHours: maxHours,
		ExpiresAt:         p.ExpiresAt,
		PaymentAddress:    s.custodialWallet,
		AmountToPay:       amount,
	}, nil
}

// VerifyAndActivate checks the chain for verified funding and flips a
// pending permission to active. Transient chain faults are retried
// with backoff; an answer from the node itself is conclusive and
// returned at once. No chain error is ever treated as proof of
// payment.
func (s *Service) VerifyAndActivate(ctx context.Context, id string) (_ *SpendingPermission, retErr error) {
	ctx, span := traces.StartSpan(ctx, "permissions.VerifyAndActivate", traces.PermissionID(id))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, ErrInvalidState
	}

	received := decimal.Zero
	err = retry.Do(ctx, s.verifyAttempts, s.verifyBackoff, func() error {
		got, cerr := s.chain.CheckPaymentReceived(ctx, p.UserWalletAddress, s.custodialWallet)
		if cerr != nil {
			var nodeErr *zcash.RPCError
			if errors.As(cerr, &nodeErr) {
				return retry.Permanent(cerr)
			}
			return cerr
		}
		received = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check payment: %w", err)
	}
	if received.LessThan(p.ApprovedAmount) {
		return nil, &PaymentShortError{Expected: p.ApprovedAmount, Received: received}
	}

	updated, err := s.store.Mutate(ctx, id, func(p *SpendingPermission) (bool, error) {
		// Re-check under the row lock; a concurrent verify or revoke may
		// have won the race.
		if p.Status != StatusPending {
			return false, ErrInvalidState
		}
		p.Status = StatusActive
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	permissionsActivated.Inc()
	s.emit("permission_activated", updated)
	s.logger.Info("permission activated",
		"permission_id", id,
		"wallet", updated.UserWalletAddress,
		"received", received.String(),
	)
	return updated, nil
}

// Deduct debits hours at the permission's locked rate. The returned
// permission reflects the persisted state even when an error is also
// returned: Expired and Exhausted transitions are durable alongside
// the error. On ErrInsufficientBalance the amounts are untouched.
func (s *Service) Deduct(ctx context.Context, id string, hours decimal.Decimal) (_ *SpendingPermission, retErr error) {
	ctx, span := traces.StartSpan(ctx, "permissions.Deduct",
		traces.PermissionID(id),
		traces.Hours(hours.String()),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if hours.IsNegative() {
		return nil, fmt.Errorf("negative streaming hours %s", hours)
	}

	now := s.now()
	updated, err := s.store.Mutate(ctx, id, func(p *SpendingPermission) (bool, error) {
		if p.Status != StatusActive {
			return false, ErrInvalidState
		}
		if !now.Before(p.ExpiresAt) {
			p.Status = StatusExpired
			return true, ErrExpired
		}
		if hours.IsZero() {
			return false, nil
		}
		debit := hours.Mul(p.RatePerHour)
		if debit.GreaterThan(p.RemainingAmount) {
			// The balance cannot cover the elapsed time. No partial
			// debit: amounts stay as they are and the permission closes.
			p.Status = StatusExhausted
			return true, ErrInsufficientBalance
		}
		p.RemainingAmount = p.RemainingAmount.Sub(debit)
		p.UsedStreamingHours = p.UsedStreamingHours.Add(hours)
		if p.RemainingAmount.IsZero() {
			p.Status = StatusExhausted
		}
		return true, nil
	})

	switch {
	case err == nil:
		if !hours.IsZero() {
			debitsTotal.WithLabelValues("ok").Inc()
			f, _ := hours.Mul(updated.RatePerHour).Float64()
			debitVolume.Add(f)
		}
	case errors.Is(err, ErrInsufficientBalance):
		debitsTotal.WithLabelValues("insufficient").Inc()
	case errors.Is(err, ErrExpired):
		debitsTotal.WithLabelValues("expired").Inc()
	default:
		debitsTotal.WithLabelValues("error").Inc()
	}

	if updated != nil {
		switch {
		case err == nil && updated.Status == StatusExhausted,
			errors.Is(err, ErrInsufficientBalance):
			s.emit("permission_exhausted", updated)
		case errors.Is(err, ErrExpired):
			s.emit("permission_expired", updated)
		}
	}
	return updated, err
}

// Revoke closes a permission from any non-terminal state.
func (s *Service) Revoke(ctx context.Context, id string) (_ *SpendingPermission, retErr error) {
	ctx, span := traces.StartSpan(ctx, "permissions.Revoke", traces.PermissionID(id))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	updated, err := s.store.Mutate(ctx, id, func(p *SpendingPermission) (bool, error) {
		if p.Status.Terminal() {
			return false, ErrInvalidState
		}
		p.Status = StatusRevoked
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	permissionsRevoked.Inc()
	s.emit("permission_revoked", updated)
	s.logger.Info("permission revoked", "permission_id", id)
	return updated, nil
}

// Get returns the raw permission record.
func (s *Service) Get(ctx context.Context, id string) (*SpendingPermission, error) {
	return s.store.Get(ctx, id)
}

// GetStatus returns the read model with derived remaining hours.
func (s *Service) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		ID:              p.ID,
		Status:          p.Status,
		RemainingAmount: p.RemainingAmount,
		RemainingHours:  p.RemainingAmount.DivRound(p.RatePerHour, money.HoursScale),
		UsedHours:       p.UsedStreamingHours,
		ExpiresAt:       p.ExpiresAt,
	}, nil
}

// GetActiveByWallet returns the wallet's single usable permission.
func (s *Service) GetActiveByWallet(ctx context.Context, wallet string) (*SpendingPermission, error) {
	return s.store.GetActiveByWallet(ctx, wallet)
}

// ExpireOverdue bulk-expires active permissions whose deadline has
// passed. Called by the sweeper; safe to re-run.
func (s *Service) ExpireOverdue(ctx context.Context) (int64, error) {
	count, err := s.store.MarkExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		permissionsExpired.Add(float64(count))
		s.emit("permissions_expired", map[string]any{"count": count})
		s.logger.Info("expired overdue permissions", "count", count)
	}
	return count, nil
}

func (s *Service) emit(event string, payload any) {
	if s.emitter != nil {
		s.emitter.Emit(event, payload)
	}
}
