// Package scheduler periodically asks the runner whether a snapshot is due.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fgeck/worldsnap/internal/models"
	"github.com/fgeck/worldsnap/internal/services/metrics"
	"github.com/fgeck/worldsnap/internal/services/runner"
	"github.com/juju/clock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// MinCheckInterval is the finest resolution of the cron schedule.
const MinCheckInterval = time.Second

// ConfigProvider returns the configuration to use for the next check.
type ConfigProvider interface {
	Current() models.BackupConfig
}

// Service defines the interface for the background scheduler.
type Service interface {
	Run(ctx context.Context) error
}

// Impl triggers runner.RunIfDue on a fixed interval. Checks never overlap:
// a tick that fires while the previous check is still running is skipped.
type Impl struct {
	runner   runner.Service
	configs  ConfigProvider
	recorder metrics.Recorder
	interval time.Duration
	clock    clock.Clock
	logger   zerolog.Logger
}

// New creates a new scheduler. recorder may be nil.
func New(logger zerolog.Logger, r runner.Service, configs ConfigProvider, recorder metrics.Recorder, interval time.Duration) *Impl {
	return NewWithClock(logger, r, configs, recorder, interval, clock.WallClock)
}

// NewWithClock creates a new scheduler with a custom clock (for testing).
func NewWithClock(
	logger zerolog.Logger,
	r runner.Service,
	configs ConfigProvider,
	recorder metrics.Recorder,
	interval time.Duration,
	clk clock.Clock,
) *Impl {
	return &Impl{
		runner:   r,
		configs:  configs,
		recorder: recorder,
		interval: interval,
		clock:    clk,
		logger:   logger,
	}
}

// Run checks immediately, then every interval until ctx is cancelled. It
// waits for a running check to finish before returning.
func (s *Impl) Run(ctx context.Context) error {
	if s.interval < MinCheckInterval {
		return errors.Newf("check interval %s is below %s", s.interval, MinCheckInterval)
	}

	cl := cronLogger{logger: s.logger}
	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).
		Then(cron.FuncJob(func() { s.Check(ctx) }))

	c := cron.New(cron.WithLogger(cl))
	c.Schedule(cron.Every(s.interval), job)

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
	c.Start()

	// cron only waits for jobs it started itself.
	var startup sync.WaitGroup
	startup.Add(1)
	go func() {
		defer startup.Done()
		job.Run()
	}()

	<-ctx.Done()
	<-c.Stop().Done()
	startup.Wait()

	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// Check runs one due check with the current configuration.
func (s *Impl) Check(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	result, err := s.runner.RunIfDue(ctx, s.configs.Current(), s.clock.Now())
	if s.recorder != nil {
		s.recorder.ObserveRun(result, err)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled snapshot failed")
		return
	}
	if result.Skipped {
		s.logger.Debug().Str("reason", result.SkipReason).Msg("scheduled check skipped")
		return
	}

	s.logger.Info().
		Str("kind", result.Plan.Kind()).
		Dur("duration", result.Duration).
		Msg("scheduled snapshot finished")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
