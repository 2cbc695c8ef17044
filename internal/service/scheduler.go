package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Strob0t/ReplyForge/internal/config"
)

var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// jobTimeout bounds one maintenance run.
const jobTimeout = 5 * time.Minute

// Scheduler runs maintenance jobs on cron schedules: the quota window reset
// and the purge of expired inbound events.
type Scheduler struct {
	cron *cron.Cron
	jobs int
}

// NewScheduler registers the configured jobs. An empty schedule disables its job.
func NewScheduler(cfg config.Scheduler, quota *QuotaService, admission *AdmissionService) (*Scheduler, error) {
	log := cronLogger{}
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	s := &Scheduler{cron: c}

	add := func(name, spec string, run func(ctx context.Context) error) error {
		if spec == "" {
			return nil
		}
		if _, err := c.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if err := run(ctx); err != nil {
				slog.Error("scheduled job failed", "job", name, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
		s.jobs++
		slog.Info("job scheduled", "job", name, "schedule", spec)
		return nil
	}

	if err := add("quota_reset", cfg.QuotaReset, func(ctx context.Context) error {
		_, err := quota.ResetElapsedWindows(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := add("events_purge", cfg.EventsPurge, func(ctx context.Context) error {
		_, err := admission.Purge(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Jobs returns the number of scheduled jobs.
func (s *Scheduler) Jobs() int { return s.jobs }

// Start runs the scheduler in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
