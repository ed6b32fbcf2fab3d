// Package jobs runs the completion sweep: active appointments whose end
// time has passed are moved to completed through the regular scheduler
// path, so the state machine, the index and the outbox all stay in sync.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agendaly/agendaly/services/scheduling-service/internal/booking"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/scheduler"
)

type Sweeper struct {
	sched     *scheduler.Scheduler
	store     scheduler.Store
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	grace     time.Duration
}

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	// Grace delays completion past end_time, leaving room for providers
	// running over.
	Grace time.Duration
}

func NewSweeper(sched *scheduler.Scheduler, store scheduler.Store, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 1 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		sched:     sched,
		store:     store,
		logger:    logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		grace:     cfg.Grace,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				s.logger.Error("completion sweep failed", "err", err)
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.grace)
	expired, err := s.store.ListExpiredActive(ctx, cutoff, s.batchSize)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	completed := 0
	for _, appt := range expired {
		if _, err := s.sched.CompleteSlot(ctx, appt.TenantID, appt.ID); err != nil {
			// A concurrent cancel or complete already settled this one.
			if errors.Is(err, booking.ErrInvalidTransition) || errors.Is(err, scheduler.ErrNotFound) {
				continue
			}
			s.logger.Error("sweep completion failed", "appointment_id", appt.ID, "err", err)
			continue
		}
		completed++
	}
	s.logger.Info("completion sweep finished", "expired", len(expired), "completed", completed)
	return nil
}
