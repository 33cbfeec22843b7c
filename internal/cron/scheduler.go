// Package cron runs a single job on a cron schedule.
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

// cronParser accepts standard 5-field expressions and descriptors such as
// "@hourly" or "@every 10m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is invoked on every firing. Firings never overlap: a firing that
// comes due while the job is still running is skipped.
type Job func(ctx context.Context)

type Config struct {
	Name   string
	Spec   string
	Job    Job
	Logger *slog.Logger
	// Now is the clock used to compute firings; defaults to time.Now.
	Now func() time.Time
}

type Scheduler struct {
	name     string
	spec     string
	schedule cronlib.Schedule
	job      Job
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	runs   int64
	next   time.Time
}

// NewScheduler validates the spec and builds a stopped scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Job == nil {
		return nil, fmt.Errorf("cron: nil job")
	}
	spec := strings.TrimSpace(cfg.Spec)
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("cron: parse %q: %w", spec, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	name := cfg.Name
	if name == "" {
		name = "job"
	}
	return &Scheduler{
		name:     name,
		spec:     spec,
		schedule: sched,
		job:      cfg.Job,
		logger:   logger,
		now:      now,
	}, nil
}

// Start begins the scheduler loop in a background goroutine. Calling Start
// on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "job", s.name, "spec", s.spec)
}

// Stop cancels the scheduler loop and waits for it, including any job in
// flight, to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped", "job", s.name)
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Runs reports how many times the job has fired.
func (s *Scheduler) Runs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Next is the next planned firing, zero when stopped.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(s.now())
		s.mu.Lock()
		s.next = next
		s.mu.Unlock()

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.mu.Lock()
			s.next = time.Time{}
			s.mu.Unlock()
			return
		case <-timer.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron: job panicked", "job", s.name, "panic", fmt.Sprint(r))
		}
	}()
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	s.logger.Debug("cron: job fired", "job", s.name)
	s.job(ctx)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Validate reports whether spec parses.
func Validate(spec string) error {
	_, err := cronParser.Parse(strings.TrimSpace(spec))
	return err
}
