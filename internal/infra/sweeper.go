package infra

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the gateway's periodic maintenance jobs (approval expiry,
// MCP health, session and rate-limit cleanup) on cron schedules. Each job
// runs on its own goroutine with a bounded context; a panicking job is
// logged and does not take the scheduler down.
type Sweeper struct {
	cron       *cron.Cron
	logger     *slog.Logger
	jobTimeout time.Duration
}

// NewSweeper creates a sweeper. jobTimeout bounds each job invocation;
// zero means 5 minutes.
func NewSweeper(jobTimeout time.Duration, logger *slog.Logger) *Sweeper {
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cron:       cron.New(),
		logger:     logger.With("component", "sweeper"),
		jobTimeout: jobTimeout,
	}
}

// Add schedules job under the standard 5-field cron spec. An empty spec
// skips registration, so callers can pass through unset config values.
func (s *Sweeper) Add(spec, name string, job func(ctx context.Context) error) error {
	if spec == "" {
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("sweeper job panicked", "job", name, "panic", rec)
			}
		}()
		if err := job(ctx); err != nil {
			s.logger.Warn("sweeper job failed", "job", name, "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.logger.Info("sweeper job scheduled", "job", name, "spec", spec)
	return nil
}

// Start begins running scheduled jobs.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
