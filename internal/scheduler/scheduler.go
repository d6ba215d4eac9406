// Package scheduler runs the periodic weather sync and cache cleanup jobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/farm-weather/internal/weather"
)

// Syncer runs one weather sync. *weather.SyncService satisfies it.
type Syncer interface {
	SyncAll(ctx context.Context, opts weather.SyncOptions) (weather.SyncReport, error)
}

// Cleaner sweeps expired cache entries. *cache.Cache satisfies it.
type Cleaner interface {
	CleanExpired() int
}

// Config holds job intervals. A zero interval disables the job.
type Config struct {
	SyncInterval    time.Duration
	SyncTimeout     time.Duration
	CleanupInterval time.Duration
}

// Scheduler periodically syncs weather for all fields and sweeps the cache.
type Scheduler struct {
	scheduler *gocron.Scheduler
	syncer    Syncer
	cleaner   Cleaner
	cfg       Config
	logger    *slog.Logger
}

// New creates a new Scheduler. cleaner may be nil.
func New(cfg Config, syncer Syncer, cleaner Cleaner, logger *slog.Logger) *Scheduler {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		syncer:    syncer,
		cleaner:   cleaner,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start schedules the enabled jobs and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if s.cfg.SyncInterval > 0 && s.syncer != nil {
		if _, err := s.scheduler.Every(s.cfg.SyncInterval).SingletonMode().Do(s.runSync); err != nil {
			return err
		}
	} else {
		s.logger.Info("scheduler: weather sync disabled")
	}

	if s.cfg.CleanupInterval > 0 && s.cleaner != nil {
		if _, err := s.scheduler.Every(s.cfg.CleanupInterval).WaitForSchedule().Do(s.runCleanup); err != nil {
			return err
		}
	}

	if s.scheduler.Len() == 0 {
		s.logger.Info("scheduler: nothing to schedule")
		return nil
	}
	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Scheduler) runSync() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SyncTimeout)
	defer cancel()

	s.logger.Info("scheduler: running weather sync")
	report, err := s.syncer.SyncAll(ctx, weather.SyncOptions{})
	if err != nil {
		s.logger.Error("scheduler: weather sync failed", "run_id", report.RunID, "processed", report.ProcessedFields, "error", err)
		return
	}
	s.logger.Info("scheduler: weather sync completed",
		"run_id", report.RunID,
		"processed", report.ProcessedFields,
		"skipped", report.SkippedFields,
	)
}

func (s *Scheduler) runCleanup() {
	if n := s.cleaner.CleanExpired(); n > 0 {
		s.logger.Debug("scheduler: cache cleanup", "removed", n)
	}
}
