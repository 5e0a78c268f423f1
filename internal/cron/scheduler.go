// Package cron runs the maintenance jobs (session retention, schema refresh)
// on 5-field cron expressions.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one named maintenance action.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

// KV remembers when each job last ran so a restart does not fire it twice.
// The persistence store satisfies it.
type KV interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

type Config struct {
	Jobs     []Job
	KV       KV
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

type entry struct {
	job  Job
	sch  cronlib.Schedule
	next time.Time
}

// Scheduler checks its jobs on every tick and runs the ones that are due.
type Scheduler struct {
	entries  []*entry
	kv       KV
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every job expression. Jobs with an empty
// expression are disabled and skipped.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{kv: cfg.KV, logger: logger, interval: interval, now: now}
	for _, job := range cfg.Jobs {
		if strings.TrimSpace(job.Expr) == "" {
			logger.Debug("cron: job disabled", "job", job.Name)
			continue
		}
		sch, err := cronParser.Parse(job.Expr)
		if err != nil {
			return nil, fmt.Errorf("cron job %s: invalid expression %q: %w", job.Name, job.Expr, err)
		}
		s.entries = append(s.entries, &entry{job: job, sch: sch})
	}
	return s, nil
}

// Jobs returns the names of the enabled jobs.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		names = append(names, e.job.Name)
	}
	return names
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.plan(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", s.Jobs())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// plan computes each job's first due time from its last recorded run, so a
// job missed while the process was down runs on the first tick.
func (s *Scheduler) plan(ctx context.Context) {
	now := s.now()
	for _, e := range s.entries {
		from := now
		if last, ok := s.lastRun(ctx, e.job.Name); ok {
			from = last
		}
		e.next = e.sch.Next(from)
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, e := range s.entries {
		if ctx.Err() != nil {
			return
		}
		if now.Before(e.next) {
			continue
		}
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	started := time.Now()
	err := e.job.Run(ctx)
	e.next = e.sch.Next(now)
	if err != nil {
		s.logger.Error("cron: job failed",
			"job", e.job.Name,
			"error", err,
			"next_run_at", e.next,
		)
		return
	}
	if s.kv != nil {
		if err := s.kv.KVSet(ctx, lastRunKey(e.job.Name), now.UTC().Format(time.RFC3339)); err != nil {
			s.logger.Warn("cron: failed to record last run", "job", e.job.Name, "error", err)
		}
	}
	s.logger.Info("cron: job finished",
		"job", e.job.Name,
		"duration_ms", time.Since(started).Milliseconds(),
		"next_run_at", e.next,
	)
}

func (s *Scheduler) lastRun(ctx context.Context, name string) (time.Time, bool) {
	if s.kv == nil {
		return time.Time{}, false
	}
	raw, err := s.kv.KVGet(ctx, lastRunKey(name))
	if err != nil || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func lastRunKey(name string) string { return "cron.last_run." + name }

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
