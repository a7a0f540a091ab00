// Package sweeper runs periodic cleanup jobs.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clusterprotocol/vault-guardian/internal/metrics"
)

// DefaultSchedule runs jobs every five minutes.
const DefaultSchedule = "@every 5m"

// OAuthStateStore removes abandoned authorization round trips.
type OAuthStateStore interface {
	DeleteExpiredOAuthStates(ctx context.Context, ttl time.Duration) (int64, error)
}

// Sweeper schedules cleanup jobs on a cron.
type Sweeper struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// New creates a sweeper. Jobs run in UTC.
func New(logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Add registers fn under name on schedule.
func (s *Sweeper) Add(schedule, name string, fn func(ctx context.Context) error) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	_, err := s.cron.AddFunc(schedule, func() {
		start := time.Now()
		if err := fn(s.ctx); err != nil {
			s.logger.Error("sweep job failed", "job", name, "error", err)
			return
		}
		s.logger.Debug("sweep job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, schedule, err)
	}
	return nil
}

// AddOAuthStateSweep deletes OAuth states older than ttl on schedule.
func (s *Sweeper) AddOAuthStateSweep(schedule string, store OAuthStateStore, ttl time.Duration) error {
	return s.Add(schedule, "oauth_states", func(ctx context.Context) error {
		return SweepOAuthStates(ctx, store, ttl, s.logger)
	})
}

// SweepOAuthStates runs one OAuth state cleanup. Contention retries are
// left to the store.
func SweepOAuthStates(ctx context.Context, store OAuthStateStore, ttl time.Duration, logger *slog.Logger) error {
	deleted, err := store.DeleteExpiredOAuthStates(ctx, ttl)
	if err != nil {
		return fmt.Errorf("sweep oauth states: %w", err)
	}
	if deleted > 0 {
		metrics.SweptOAuthStates.Add(float64(deleted))
		logger.Info("expired oauth states removed", "count", deleted)
	}
	return nil
}

// Start begins running scheduled jobs.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started", "jobs", len(s.cron.Entries()))
}

// Stop waits for running jobs and cancels their context.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.logger.Info("sweeper stopped")
}
