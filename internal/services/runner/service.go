// Package runner orchestrates the snapshot workflow.
package runner

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fgeck/worldsnap/internal/models"
	"github.com/fgeck/worldsnap/internal/services/archive"
	"github.com/fgeck/worldsnap/internal/services/notify"
	"github.com/fgeck/worldsnap/internal/services/planner"
	"github.com/fgeck/worldsnap/internal/services/retention"
	"github.com/fgeck/worldsnap/internal/services/source"
	"github.com/fgeck/worldsnap/internal/services/state"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Skip reasons reported in models.RunResult.
const (
	SkipDisabled       = "disabled"
	SkipPaused         = "paused"
	SkipNotDue         = "not due"
	SkipAlreadyRunning = "already running"
)

// WarnCannotReclaim is attached to the finished event when the size cap is
// still exceeded with a single archive left.
const WarnCannotReclaim = "cannot delete old archives to save disk space"

// Failure phases reported in BackupFailed events.
const (
	PhaseQuiesce = "quiesce"
	PhaseBuild   = "build"
)

// Service defines the interface for the snapshot orchestrator.
type Service interface {
	RunIfDue(ctx context.Context, cfg models.BackupConfig, now time.Time) (*models.RunResult, error)
	RunNow(ctx context.Context, cfg models.BackupConfig, quiet bool) (*models.RunResult, error)
	Pause() error
	Resume() error
	State() (models.BackupState, error)
}

// Impl implements the runner Service interface for one source tree.
type Impl struct {
	sourceSvc    source.Service
	archiveSvc   archive.Service
	retentionSvc retention.Service
	stateSvc     state.Service
	notifier     notify.Service
	logger       zerolog.Logger
	clock        clock.Clock

	running atomic.Bool

	mu     sync.Mutex
	state  models.BackupState
	loaded bool
	dirty  bool // in-memory state is ahead of the store
}

// New creates a new runner for the source described by cfg.
func New(logger zerolog.Logger, cfg models.BackupConfig) *Impl {
	return NewWithServices(
		logger,
		clock.WallClock,
		source.New(logger, cfg.Source),
		archive.New(logger),
		retention.New(logger),
		state.New(logger, cfg.State.Dir),
		notify.FromConfig(logger, cfg.Notifications),
	)
}

// NewWithServices creates a new runner with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	clk clock.Clock,
	sourceSvc source.Service,
	archiveSvc archive.Service,
	retentionSvc retention.Service,
	stateSvc state.Service,
	notifier notify.Service,
) *Impl {
	return &Impl{
		sourceSvc:    sourceSvc,
		archiveSvc:   archiveSvc,
		retentionSvc: retentionSvc,
		stateSvc:     stateSvc,
		notifier:     notifier,
		logger:       logger.With().Str("identity", sourceSvc.Identity()).Logger(),
		clock:        clk,
	}
}

// RunIfDue runs a snapshot when the schedule is enabled, the source is not
// paused and the planner says one is due.
func (s *Impl) RunIfDue(ctx context.Context, cfg models.BackupConfig, now time.Time) (*models.RunResult, error) {
	if !cfg.Schedule.Enabled {
		return skipped(SkipDisabled, now), nil
	}
	if !s.running.CompareAndSwap(false, true) {
		return skipped(SkipAlreadyRunning, now), nil
	}
	defer s.running.Store(false)

	st, err := s.refresh()
	if err != nil {
		return nil, err
	}
	if st.Paused {
		return skipped(SkipPaused, now), nil
	}

	plan := planner.Plan(now, st, planner.PolicyFrom(cfg.Schedule))
	if !plan.ShouldRun {
		s.logger.Debug().Time("last_snapshot", st.LastSnapshotAt).Msg("no snapshot due")
		return skipped(SkipNotDue, now), nil
	}

	return s.execute(ctx, cfg, st, plan, now, false)
}

// RunNow runs a snapshot immediately, ignoring the schedule and the pause flag.
// Quiet suppresses notifications only.
func (s *Impl) RunNow(ctx context.Context, cfg models.BackupConfig, quiet bool) (*models.RunResult, error) {
	now := s.clock.Now()
	if !s.running.CompareAndSwap(false, true) {
		return skipped(SkipAlreadyRunning, now), nil
	}
	defer s.running.Store(false)

	st, err := s.refresh()
	if err != nil {
		return nil, err
	}

	plan := planner.PlanForced(now, st, planner.PolicyFrom(cfg.Schedule))
	return s.execute(ctx, cfg, st, plan, now, quiet)
}

// Pause stops scheduled runs until Resume is called. The flag is persisted.
func (s *Impl) Pause() error {
	return s.setPaused(true)
}

// Resume re-enables scheduled runs.
func (s *Impl) Resume() error {
	return s.setPaused(false)
}

// State returns the current backup state, loading it on first use.
func (s *Impl) State() (models.BackupState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		st, err := s.stateSvc.Load(s.sourceSvc.Identity())
		if err != nil {
			return models.BackupState{}, errors.Wrap(err, "loading backup state")
		}
		s.state = st
		s.loaded = true
	}
	return s.state, nil
}

// refresh re-reads the persisted state so changes made by other processes,
// such as the pause command, are seen. Unsaved local changes win.
func (s *Impl) refresh() (models.BackupState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dirty {
		return s.state, nil
	}

	st, err := s.stateSvc.Load(s.sourceSvc.Identity())
	if err != nil {
		if !s.loaded {
			return models.BackupState{}, errors.Wrap(err, "loading backup state")
		}
		s.logger.Warn().Err(err).Msg("failed to reload backup state, using cached")
		return s.state, nil
	}

	s.state = st
	s.loaded = true
	return st, nil
}

func (s *Impl) setPaused(paused bool) error {
	if _, err := s.refresh(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Paused = paused
	if err := s.stateSvc.Save(s.sourceSvc.Identity(), s.state); err != nil {
		s.dirty = true
		return errors.Wrap(err, "saving backup state")
	}
	s.dirty = false

	s.logger.Info().Bool("paused", paused).Msg("pause flag updated")
	return nil
}

// execute runs the pipeline: quiesce, count pass, build, size pass, state
// update, release. Only quiescence and build failures fail the run.
func (s *Impl) execute(
	ctx context.Context,
	cfg models.BackupConfig,
	st models.BackupState,
	plan models.SnapshotPlan,
	now time.Time,
	quiet bool,
) (*models.RunResult, error) {
	started := s.clock.Now()
	identity := s.sourceSvc.Identity()
	result := &models.RunResult{Plan: plan, StartTime: now}

	s.logger.Info().
		Str("kind", plan.Kind()).
		Time("cutoff", plan.Cutoff).
		Str("output", cfg.Output.Dir).
		Msg("starting snapshot")

	s.notify(ctx, cfg, quiet, models.BackupEvent{
		Kind:     models.EventBackupStarted,
		Identity: identity,
		Full:     plan.IsFull,
		Time:     now,
	})

	token, err := s.sourceSvc.AcquireQuiescence(ctx)
	if err != nil {
		err = errors.Wrap(err, "acquiring quiescence")
		s.fail(ctx, cfg, quiet, plan, now, PhaseQuiesce, err)
		result.Duration = s.clock.Now().Sub(started)
		return result, err
	}

	result.CountPass = s.enforceCount(cfg)

	build, err := s.archiveSvc.Build(ctx, archive.BuildRequest{
		SourceRoot:       s.sourceSvc.RootPath(),
		Identity:         identity,
		OutputDir:        cfg.Output.Dir,
		Plan:             plan,
		CompressionLevel: cfg.Output.CompressionLevel,
		SkipNames:        cfg.Source.LockFiles,
		Time:             now,
	})
	if err != nil {
		s.release(ctx, token)
		err = errors.Wrap(err, "building archive")
		s.fail(ctx, cfg, quiet, plan, now, PhaseBuild, err)
		result.Duration = s.clock.Now().Sub(started)
		return result, err
	}
	result.Archive = build

	result.SizePass = s.enforceSize(cfg)

	total, err := s.retentionSvc.TotalSize(cfg.Output.Dir)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to measure output directory")
	}
	result.TotalBytes = total

	st.LastSnapshotAt = now
	if plan.IsFull {
		st.LastFullSnapshotAt = now
	}
	s.commit(st)

	s.release(ctx, token)

	result.Duration = s.clock.Now().Sub(started)

	s.logger.Info().
		Str("archive", filepath.Base(build.Path)).
		Int64("size", build.SizeBytes).
		Int("files", build.FilesWritten).
		Int64("total_size", total).
		Dur("duration", result.Duration).
		Msg("snapshot completed")

	event := models.BackupEvent{
		Kind:            models.EventBackupFinished,
		Identity:        identity,
		Full:            plan.IsFull,
		Time:            now,
		Duration:        result.Duration,
		ArchiveSize:     build.SizeBytes,
		TotalOutputSize: total,
	}
	if result.SizePass != nil && result.SizePass.CannotReclaim {
		event.Warning = WarnCannotReclaim
	}
	s.notify(ctx, cfg, quiet, event)

	return result, nil
}

func (s *Impl) enforceCount(cfg models.BackupConfig) *models.RetentionResult {
	res, err := s.retentionSvc.EnforceCount(cfg.Output.Dir, cfg.Retention.MaxArchiveCount)
	if err != nil {
		s.logger.Warn().Err(err).Msg("count retention failed")
	}
	return res
}

func (s *Impl) enforceSize(cfg models.BackupConfig) *models.RetentionResult {
	if cfg.Retention.MaxTotalBytes <= 0 {
		return nil
	}
	res, err := s.retentionSvc.EnforceSize(cfg.Output.Dir, cfg.Retention.MaxTotalBytes)
	if err != nil {
		s.logger.Warn().Err(err).Msg("size retention failed")
	}
	return res
}

// commit advances the in-memory state and persists it. A failed save is
// logged; the in-memory state still advances so the next check sees the run.
func (s *Impl) commit(st models.BackupState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st.Paused = s.state.Paused
	s.state = st
	if err := s.stateSvc.Save(s.sourceSvc.Identity(), st); err != nil {
		s.dirty = true
		s.logger.Error().Err(err).Msg("failed to persist backup state")
		return
	}
	s.dirty = false
}

// release runs even after ctx is cancelled so the post hook always restores
// the source. The hook timeout still bounds it.
func (s *Impl) release(ctx context.Context, token source.Token) {
	if err := s.sourceSvc.Release(context.WithoutCancel(ctx), token); err != nil {
		s.logger.Warn().Err(err).Msg("failed to release source")
	}
}

func (s *Impl) fail(
	ctx context.Context,
	cfg models.BackupConfig,
	quiet bool,
	plan models.SnapshotPlan,
	now time.Time,
	phase string,
	err error,
) {
	s.logger.Error().Err(err).Str("phase", phase).Msg("snapshot failed")
	s.notify(ctx, cfg, quiet, models.BackupEvent{
		Kind:     models.EventBackupFailed,
		Identity: s.sourceSvc.Identity(),
		Full:     plan.IsFull,
		Time:     now,
		Phase:    phase,
		Err:      err,
	})
}

func (s *Impl) notify(ctx context.Context, cfg models.BackupConfig, quiet bool, event models.BackupEvent) {
	if quiet || !cfg.Notifications.Enabled || s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("event", string(event.Kind)).Msg("failed to deliver notification")
	}
}

func skipped(reason string, now time.Time) *models.RunResult {
	return &models.RunResult{Skipped: true, SkipReason: reason, StartTime: now}
}
