package permissions

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires overdue permissions.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewSweeper creates the hourly expiry sweeper.
func NewSweeper(service *Service, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		interval: 1 * time.Hour,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

// sweep is best-effort; a failed run is retried on the next tick.
func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.service.ExpireOverdue(ctx); err != nil {
		s.logger.Warn("expiry sweep failed", "error", err)
	}
}
