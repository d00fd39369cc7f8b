// Package scheduler runs the cache's periodic jobs: intraday retention
// cleanup and warm-up of configured daily series.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"quantcache/internal/domain"
)

// Jobs is the cache surface the scheduler drives. *cache.Manager
// implements it.
type Jobs interface {
	Cleanup(ctx context.Context, daysToKeep int) (int, error)
	Warm(ctx context.Context, symbols []string, start, end time.Time) (int, error)
}

// Options configures the scheduled jobs. An empty spec disables a job.
type Options struct {
	CleanupSpec   string
	RetentionDays int

	WarmSpec     string
	WarmSymbols  []string
	LookbackDays int

	// Location is the zone specs and the warm window are evaluated in.
	// Nil means the local zone.
	Location *time.Location
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron *cron.Cron
	jobs Jobs
	opts Options
	ctx  context.Context
	now  func() time.Time
	log  *slog.Logger
}

// New creates a Scheduler. Jobs run with ctx and stop early when it is
// cancelled.
func New(ctx context.Context, jobs Jobs, opts Options, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Scheduler{
		cron: cron.New(cron.WithLocation(opts.Location)),
		jobs: jobs,
		opts: opts,
		ctx:  ctx,
		now:  time.Now,
		log:  log.With("component", "scheduler"),
	}
}

// Register adds the configured jobs and returns how many were scheduled.
func (s *Scheduler) Register() (int, error) {
	n := 0
	if s.opts.CleanupSpec != "" {
		if _, err := s.cron.AddFunc(s.opts.CleanupSpec, s.RunCleanup); err != nil {
			return n, fmt.Errorf("register cleanup job: %w", err)
		}
		n++
	}
	if s.opts.WarmSpec != "" && len(s.opts.WarmSymbols) > 0 {
		if _, err := s.cron.AddFunc(s.opts.WarmSpec, s.RunWarm); err != nil {
			return n, fmt.Errorf("register warm job: %w", err)
		}
		n++
	}
	return n, nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// RunCleanup applies the retention window once.
func (s *Scheduler) RunCleanup() {
	removed, err := s.jobs.Cleanup(s.ctx, s.opts.RetentionDays)
	if err != nil {
		s.log.Error("cleanup job", "error", err)
		return
	}
	s.log.Info("cleanup job done", "days_to_keep", s.opts.RetentionDays, "removed", removed)
}

// RunWarm fills the range cache for the configured symbols over the
// lookback window ending today.
func (s *Scheduler) RunWarm() {
	end := domain.DateOf(s.now().In(s.opts.Location))
	start := end.AddDate(0, 0, -s.opts.LookbackDays)
	begin := time.Now()
	bars, err := s.jobs.Warm(s.ctx, s.opts.WarmSymbols, start, end)
	if err != nil {
		s.log.Error("warm job", "error", err)
		return
	}
	s.log.Info("warm job done", "symbols", len(s.opts.WarmSymbols),
		"start", domain.FormatDate(start), "end", domain.FormatDate(end),
		"bars", bars, "elapsed", time.Since(begin).Round(time.Millisecond))
}
