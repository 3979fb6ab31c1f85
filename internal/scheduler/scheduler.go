// Package scheduler runs the background retention sweep that deletes idle
// workspaces from the upload root and the journal.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/igtexd/internal/events"
)

// Config controls the sweep cadence.
type Config struct {
	// MaxAge is how long a workspace may sit idle before it is deleted.
	MaxAge time.Duration
	// Every is the base interval between sweeps.
	Every time.Duration
	// Jitter adds up to this much random delay to each interval.
	Jitter time.Duration
}

// Scheduler periodically prunes idle workspaces.
type Scheduler struct {
	cfg     Config
	sweeper Sweeper
	journal Forgetter
	events  *events.Hub
	logger  *slog.Logger
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Scheduler. journal and hub may be nil.
func New(cfg Config, sweeper Sweeper, journal Forgetter, hub *events.Hub, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		sweeper: sweeper,
		journal: journal,
		events:  hub,
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the sweep loop. It is a no-op when MaxAge is zero.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cfg.MaxAge <= 0 {
		s.logger.Info("Retention sweep disabled")
		return
	}
	s.logger.Info("Starting retention sweep", "max_age", s.cfg.MaxAge, "every", s.cfg.Every)

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop ends the sweep loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	// Sweep once at startup so a restarted service catches up.
	s.Sweep(ctx)

	timer := time.NewTimer(calculateJitteredInterval(s.cfg.Every, s.cfg.Jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.Sweep(ctx)
			timer.Reset(calculateJitteredInterval(s.cfg.Every, s.cfg.Jitter))
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SweepResult summarizes a single sweep.
type SweepResult struct {
	DeletedDirs      int   `json:"deleted_dirs"`
	ForgottenRecords int64 `json:"forgotten_records"`
	DurationMs       int64 `json:"duration_ms"`
}

// Sweep performs one retention pass. Errors are logged and reported through
// the event hub; the loop keeps running.
func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	start := s.now()
	cutoff := start.Add(-s.cfg.MaxAge)

	var result SweepResult
	report, err := s.sweeper.Cleanup(ctx, s.cfg.MaxAge)
	result.DeletedDirs = report.DeletedDirs
	if errors.Is(err, context.Canceled) {
		return result
	}
	if err != nil {
		s.logger.Error("Workspace cleanup failed", "deleted_dirs", report.DeletedDirs, "error", err)
		s.publish(events.RetentionFailed, map[string]any{"stage": "uploads", "error": err.Error()})
		return result
	}

	if s.journal != nil {
		n, err := s.journal.Forget(ctx, cutoff)
		if err != nil {
			s.logger.Error("Journal cleanup failed", "error", err)
			s.publish(events.RetentionFailed, map[string]any{"stage": "journal", "error": err.Error()})
			return result
		}
		result.ForgottenRecords = n
	}

	result.DurationMs = s.now().Sub(start).Milliseconds()
	if result.DeletedDirs > 0 || result.ForgottenRecords > 0 {
		s.logger.Info("Retention sweep removed idle workspaces",
			"deleted_dirs", result.DeletedDirs,
			"forgotten_records", result.ForgottenRecords,
			"cutoff", cutoff.UTC(),
		)
	} else {
		s.logger.Debug("Retention sweep found nothing to remove")
	}
	s.publish(events.RetentionSwept, result)
	return result
}

func (s *Scheduler) publish(eventType string, data any) {
	if s.events == nil {
		return
	}
	s.events.Publish(eventType, "", data)
}

// calculateJitteredInterval adds a random jitter to the base interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
