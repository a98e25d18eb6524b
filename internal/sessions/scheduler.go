package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Scheduler drives periodic billing: one tick per interval, each tick
// debiting every active session that is due. Ticks run synchronously
// on the loop goroutine, so a slow tick delays the next one rather
// than overlapping it.
type Scheduler struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewScheduler creates a billing scheduler ticking at the given
// interval (the billing interval itself lives on the service).
func NewScheduler(service *Service, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the scheduler loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the billing loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in billing scheduler", "panic", fmt.Sprint(r))
		}
	}()
	if err := s.service.ProcessActiveSessions(ctx); err != nil {
		s.logger.Warn("billing tick failed", "error", err)
	}
}
