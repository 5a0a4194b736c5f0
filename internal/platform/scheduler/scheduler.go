// Package scheduler runs periodic maintenance jobs inside the server process.
// Each run takes a named lock first, so with several replicas behind a load
// balancer a job fires once per tick rather than once per replica.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named unit of periodic work.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Scheduler struct {
	cron   *cron.Cron
	locker Locker
	logger zerolog.Logger
}

// New builds a scheduler evaluating specs in loc. A nil locker runs every
// job unconditionally.
func New(logger zerolog.Logger, locker Locker, loc *time.Location) *Scheduler {
	if locker == nil {
		locker = LocalLocker{}
	}
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		locker: locker,
		logger: logger,
	}
}

// Add registers job on its cron spec ("@weekly", "0 7 * * MON", ...).
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %s has no run function", job.Name)
	}
	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Spec, err)
	}
	_, err := s.cron.AddFunc(job.Spec, func() {
		if err := s.RunOnce(context.Background(), job); err != nil {
			s.logger.Error().Err(err).Str("job", job.Name).Msg("scheduled job failed")
		}
	})
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron loop and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce takes the job lock and runs the job. A held lock is not an error:
// another replica is already doing the work.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) error {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	release, ok, err := s.locker.TryLock(ctx, "job:"+job.Name, timeout)
	if err != nil {
		return fmt.Errorf("acquire lock for %s: %w", job.Name, err)
	}
	if !ok {
		s.logger.Info().Str("job", job.Name).Msg("job already running elsewhere, skipping")
		return nil
	}
	defer release()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		return err
	}
	s.logger.Info().Str("job", job.Name).Dur("took", time.Since(start)).Msg("job finished")
	return nil
}

// cronLogger routes robfig/cron's logr-style calls into zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
