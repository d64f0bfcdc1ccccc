package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/worldsnap/internal/models"
	"github.com/fgeck/worldsnap/internal/services/archive"
	"github.com/fgeck/worldsnap/internal/services/source"
	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock implementations.
type mockSourceService struct {
	acquireFunc func(ctx context.Context) (source.Token, error)
	releaseFunc func(ctx context.Context, token source.Token) error
	acquired    int
	released    int
}

func (m *mockSourceService) AcquireQuiescence(ctx context.Context) (source.Token, error) {
	m.acquired++
	if m.acquireFunc != nil {
		return m.acquireFunc(ctx)
	}
	return source.Token{ID: 1}, nil
}

func (m *mockSourceService) Release(ctx context.Context, token source.Token) error {
	m.released++
	if m.releaseFunc != nil {
		return m.releaseFunc(ctx, token)
	}
	return nil
}

func (m *mockSourceService) RootPath() string { return "/srv/mc/world" }
func (m *mockSourceService) Identity() string { return "world" }

type mockArchiveService struct {
	buildFunc func(ctx context.Context, req archive.BuildRequest) (*models.BuildResult, error)
	requests  []archive.BuildRequest
}

func (m *mockArchiveService) Build(ctx context.Context, req archive.BuildRequest) (*models.BuildResult, error) {
	m.requests = append(m.requests, req)
	if m.buildFunc != nil {
		return m.buildFunc(ctx, req)
	}
	return &models.BuildResult{
		Path:         "/backups/" + archive.BaseName(req.Identity, req.Time) + ".zip",
		SizeBytes:    1000,
		FilesWritten: 3,
	}, nil
}

type mockRetentionService struct {
	enforceCountFunc func(outputDir string, maxCount int) (*models.RetentionResult, error)
	enforceSizeFunc  func(outputDir string, maxBytes int64) (*models.RetentionResult, error)
	totalSizeFunc    func(outputDir string) (int64, error)
	calls            []string
}

func (m *mockRetentionService) List(outputDir string) ([]models.ArchiveDescriptor, error) {
	return nil, nil
}

func (m *mockRetentionService) TotalSize(outputDir string) (int64, error) {
	m.calls = append(m.calls, "total")
	if m.totalSizeFunc != nil {
		return m.totalSizeFunc(outputDir)
	}
	return 5000, nil
}

func (m *mockRetentionService) EnforceCount(outputDir string, maxCount int) (*models.RetentionResult, error) {
	m.calls = append(m.calls, "count")
	if m.enforceCountFunc != nil {
		return m.enforceCountFunc(outputDir, maxCount)
	}
	return &models.RetentionResult{}, nil
}

func (m *mockRetentionService) EnforceSize(outputDir string, maxBytes int64) (*models.RetentionResult, error) {
	m.calls = append(m.calls, "size")
	if m.enforceSizeFunc != nil {
		return m.enforceSizeFunc(outputDir, maxBytes)
	}
	return &models.RetentionResult{}, nil
}

type mockStateService struct {
	loadFunc func(identity string) (models.BackupState, error)
	saveFunc func(identity string, st models.BackupState) error
	saved    []models.BackupState
	stored   models.BackupState
}

func (m *mockStateService) Load(identity string) (models.BackupState, error) {
	if m.loadFunc != nil {
		return m.loadFunc(identity)
	}
	return m.stored, nil
}

func (m *mockStateService) Save(identity string, st models.BackupState) error {
	m.saved = append(m.saved, st)
	if m.saveFunc != nil {
		return m.saveFunc(identity, st)
	}
	m.stored = st
	return nil
}

type mockNotifier struct {
	mu     sync.Mutex
	events []models.BackupEvent
}

func (m *mockNotifier) Notify(_ context.Context, event models.BackupEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockNotifier) kinds() []models.EventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kinds []models.EventKind
	for _, e := range m.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type mocks struct {
	clock     *testclock.Clock
	source    *mockSourceService
	archive   *mockArchiveService
	retention *mockRetentionService
	state     *mockStateService
	notifier  *mockNotifier
}

func newTestRunner() (*Impl, *mocks) {
	m := &mocks{
		clock:     testclock.NewClock(t0),
		source:    &mockSourceService{},
		archive:   &mockArchiveService{},
		retention: &mockRetentionService{},
		state:     &mockStateService{},
		notifier:  &mockNotifier{},
	}
	svc := NewWithServices(testLogger(), m.clock, m.source, m.archive, m.retention, m.state, m.notifier)
	return svc, m
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.BackupConfig {
	return models.BackupConfig{
		Source: models.SourceSettings{
			Path:      "/srv/mc/world",
			LockFiles: []string{"session.lock"},
		},
		Output: models.OutputSettings{
			Dir:              "/backups",
			CompressionLevel: -1,
		},
		Schedule: models.ScheduleSettings{
			Enabled:      true,
			Mode:         models.ModeModifiedSinceLast,
			Interval:     time.Hour,
			FullInterval: 24 * time.Hour,
		},
		Retention: models.RetentionPolicy{
			MaxArchiveCount: 10,
			MaxTotalBytes:   25_000_000_000,
		},
		Notifications: models.NotificationSettings{Enabled: true},
	}
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRunIfDue_FirstRunIsFull(t *testing.T) {
	svc, m := newTestRunner()

	result, err := svc.RunIfDue(context.Background(), testConfig(), t0)

	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.True(t, result.Plan.IsFull)
	require.NotNil(t, result.Archive)
	assert.Equal(t, int64(5000), result.TotalBytes)

	require.Len(t, m.archive.requests, 1)
	req := m.archive.requests[0]
	assert.Equal(t, "/srv/mc/world", req.SourceRoot)
	assert.Equal(t, "world", req.Identity)
	assert.Equal(t, "/backups", req.OutputDir)
	assert.Equal(t, -1, req.CompressionLevel)
	assert.Equal(t, []string{"session.lock"}, req.SkipNames)
	assert.Equal(t, t0, req.Time)

	require.Len(t, m.state.saved, 1)
	assert.Equal(t, t0, m.state.saved[0].LastSnapshotAt)
	assert.Equal(t, t0, m.state.saved[0].LastFullSnapshotAt)

	assert.Equal(t, 1, m.source.acquired)
	assert.Equal(t, 1, m.source.released)
	assert.Equal(t, []models.EventKind{models.EventBackupStarted, models.EventBackupFinished}, m.notifier.kinds())
}

func TestRunIfDue_PipelineOrder(t *testing.T) {
	svc, m := newTestRunner()
	var order []string
	m.retention.enforceCountFunc = func(string, int) (*models.RetentionResult, error) {
		order = append(order, "count")
		return &models.RetentionResult{}, nil
	}
	m.archive.buildFunc = func(ctx context.Context, req archive.BuildRequest) (*models.BuildResult, error) {
		order = append(order, "build")
		return &models.BuildResult{Path: "/backups/a.zip"}, nil
	}
	m.retention.enforceSizeFunc = func(string, int64) (*models.RetentionResult, error) {
		order = append(order, "size")
		return &models.RetentionResult{}, nil
	}
	m.state.saveFunc = func(string, models.BackupState) error {
		order = append(order, "save")
		return nil
	}
	m.source.releaseFunc = func(context.Context, source.Token) error {
		order = append(order, "release")
		return nil
	}

	_, err := svc.RunIfDue(context.Background(), testConfig(), t0)

	require.NoError(t, err)
	assert.Equal(t, []string{"count", "build", "size", "save", "release"}, order)
}

func TestRunIfDue_NotDue(t *testing.T) {
	svc, m := newTestRunner()
	m.state.loadFunc = func(string) (models.BackupState, error) {
		return models.BackupState{LastSnapshotAt: t0, LastFullSnapshotAt: t0}, nil
	}

	result, err := svc.RunIfDue(context.Background(), testConfig(), t0.Add(time.Hour))

	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, SkipNotDue, result.SkipReason)
	assert.Empty(t, m.archive.requests)
	assert.Zero(t, m.source.acquired)
}

func TestRunIfDue_IncrementalAfterInterval(t *testing.T) {
	svc, m := newTestRunner()
	m.state.loadFunc = func(string) (models.BackupState, error) {
		return models.BackupState{LastSnapshotAt: t0, LastFullSnapshotAt: t0}, nil
	}
	now := t0.Add(time.Hour + time.Second)

	result, err := svc.RunIfDue(context.Background(), testConfig(), now)

	require.NoError(t, err)
	assert.False(t, result.Plan.IsFull)
	assert.Equal(t, t0, m.archive.requests[0].Plan.Cutoff)

	st, err := svc.State()
	require.NoError(t, err)
	assert.Equal(t, now, st.LastSnapshotAt)
	assert.Equal(t, t0, st.LastFullSnapshotAt, "incremental run keeps the last full time")
}

func TestRunIfDue_Disabled(t *testing.T) {
	svc, m := newTestRunner()
	cfg := testConfig()
	cfg.Schedule.Enabled = false

	result, err := svc.RunIfDue(context.Background(), cfg, t0)

	require.NoError(t, err)
	assert.Equal(t, SkipDisabled, result.SkipReason)
	assert.Empty(t, m.archive.requests)
}

func TestRunIfDue_Paused(t *testing.T) {
	svc, m := newTestRunner()
	require.NoError(t, svc.Pause())

	result, err := svc.RunIfDue(context.Background(), testConfig(), t0)

	require.NoError(t, err)
	assert.Equal(t, SkipPaused, result.SkipReason)
	assert.Empty(t, m.archive.requests)

	require.NoError(t, svc.Resume())
	result, err = svc.RunIfDue(context.Background(), testConfig(), t0)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
}

func TestRunIfDue_StateLoadError(t *testing.T) {
	svc, m := newTestRunner()
	m.state.loadFunc = func(string) (models.BackupState, error) {
		return models.BackupState{}, errors.New("corrupt state")
	}

	_, err := svc.RunIfDue(context.Background(), testConfig(), t0)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt state")
	assert.Empty(t, m.archive.requests)
}

func TestRunIfDue_QuiescenceDenied(t *testing.T) {
	svc, m := newTestRunner()
	m.source.acquireFunc = func(context.Context) (source.Token, error) {
		return source.Token{}, source.ErrQuiescenceDenied
	}

	result, err := svc.RunIfDue(context.Background(), testConfig(), t0)

	require.Error(t, err)
	assert.Nil(t, result.Archive)
	assert.Empty(t, m.archive.requests)
	assert.Empty(t, m.retention.calls, "no filesystem mutation before quiescence")
	assert.Empty(t, m.state.saved)
	assert.Zero(t, m.source.released)

	require.Len(t, m.notifier.events, 2)
	failed := m.notifier.events[1]
	assert.Equal(t, models.EventBackupFailed, failed.Kind)
	assert.Equal(t, PhaseQuiesce, failed.Phase)
	assert.Error(t, failed.Err)
}

func TestRunNow_CancelledDuringBuildStillReleases(t *testing.T) {
	svc, m := newTestRunner()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.archive.buildFunc = func(ctx context.Context, _ archive.BuildRequest) (*models.BuildResult, error) {
		cancel()
		return nil, ctx.Err()
	}
	var releaseErr error
	m.source.releaseFunc = func(ctx context.Context, _ source.Token) error {
		releaseErr = ctx.Err()
		return nil
	}

	_, err := svc.RunNow(ctx, testConfig(), true)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, m.source.released)
	assert.NoError(t, releaseErr, "post hook must get a live context")
}

func TestRunIfDue_BuildFailureLeavesStateUnchanged(t *testing.T) {
	svc, m := newTestRunner()
	prev := models.BackupState{LastSnapshotAt: t0, LastFullSnapshotAt: t0}
	m.state.loadFunc = func(string) (models.BackupState, error) { return prev, nil }
	m.archive.buildFunc = func(context.Context, archive.BuildRequest) (*models.BuildResult, error) {
		return nil, errors.New("no space left on device")
	}

	result, err := svc.RunIfDue(context.Background(), testConfig(), t0.Add(2*time.Hour))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no space left on device")
	assert.Nil(t, result.Archive)
	assert.Empty(t, m.state.saved)
	assert.Equal(t, 1, m.source.released, "token released on failure")
	assert.Equal(t, []string{"count"}, m.retention.calls, "size pass is skipped")

	st, err := svc.State()
	require.NoError(t, err)
	assert.Equal(t, prev, st)

	require.Len(t, m.notifier.events, 2)
	assert.Equal(t, PhaseBuild, m.notifier.events[1].Phase)

	// The next due check retries.
	m.archive.buildFunc = nil
	result, err = svc.RunIfDue(context.Background(), testConfig(), t0.Add(2*time.Hour+time.Minute))
	require.NoError(t, err)
	assert.False(t, result.Skipped)
}

func TestRunIfDue_RetentionErrorsDoNotFailRun(t *testing.T) {
	svc, m := newTestRunner()
	m.retention.enforceCountFunc = func(string, int) (*models.RetentionResult, error) {
		return nil, errors.New("permission denied")
	}
	m.retention.enforceSizeFunc = func(string, int64) (*models.RetentionResult, error) {
		return &models.RetentionResult{Failed: []string{"old.zip"}}, nil
	}
	m.retention.totalSizeFunc = func(string) (int64, error) {
		return 0, errors.New("stat failed")
	}

	result, err := svc.RunIfDue(context.Background(), testConfig(), t0)

	require.NoError(t, err)
	assert.NotNil(t, result.Archive)
	assert.Len(t, m.state.saved, 1)
}

func TestRunIfDue_CannotReclaimWarning(t *testing.T) {
	svc, m := newTestRunner()
	m.retention.enforceSizeFunc = func(string, int64) (*models.RetentionResult, error) {
		return &models.RetentionResult{Remaining: 1, CannotReclaim: true}, nil
	}

	_, err := svc.RunIfDue(context.Background(), testConfig(), t0)

	require.NoError(t, err)
	require.Len(t, m.notifier.events, 2)
	finished := m.notifier.events[1]
	assert.Equal(t, models.EventBackupFinished, finished.Kind)
	assert.Equal(t, WarnCannotReclaim, finished.Warning)
	assert.Equal(t, int64(1000), finished.ArchiveSize)
	assert.Equal(t, int64(5000), finished.TotalOutputSize)
}

func TestRunIfDue_UnlimitedSizeSkipsSizePass(t *testing.T) {
	svc, m := newTestRunner()
	cfg := testConfig()
	cfg.Retention.MaxTotalBytes = 0

	_, err := svc.RunIfDue(context.Background(), cfg, t0)

	require.NoError(t, err)
	assert.Equal(t, []string{"count", "total"}, m.retention.calls)
}

func TestRunIfDue_StateSaveFailureStillAdvances(t *testing.T) {
	svc, m := newTestRunner()
	m.state.saveFunc = func(string, models.BackupState) error {
		return errors.New("read-only filesystem")
	}

	_, err := svc.RunIfDue(context.Background(), testConfig(), t0)
	require.NoError(t, err)

	result, err := svc.RunIfDue(context.Background(), testConfig(), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, SkipNotDue, result.SkipReason)
}

func TestRunIfDue_ConcurrentTriggerDropped(t *testing.T) {
	svc, m := newTestRunner()
	entered := make(chan struct{})
	unblock := make(chan struct{})
	m.archive.buildFunc = func(context.Context, archive.BuildRequest) (*models.BuildResult, error) {
		close(entered)
		<-unblock
		return &models.BuildResult{Path: "/backups/a.zip"}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunNow(context.Background(), testConfig(), false)
		done <- err
	}()
	<-entered

	result, err := svc.RunIfDue(context.Background(), testConfig(), t0)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, SkipAlreadyRunning, result.SkipReason)

	result, err = svc.RunNow(context.Background(), testConfig(), false)
	require.NoError(t, err)
	assert.Equal(t, SkipAlreadyRunning, result.SkipReason)

	close(unblock)
	require.NoError(t, <-done)
	assert.Len(t, m.archive.requests, 1)
}

func TestRunNow_BypassesScheduleAndPause(t *testing.T) {
	svc, m := newTestRunner()
	m.state.loadFunc = func(string) (models.BackupState, error) {
		return models.BackupState{LastSnapshotAt: t0, LastFullSnapshotAt: t0, Paused: true}, nil
	}
	m.clock.Advance(time.Minute)
	cfg := testConfig()
	cfg.Schedule.Enabled = false

	result, err := svc.RunNow(context.Background(), cfg, false)

	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.False(t, result.Plan.IsFull, "full timer has not elapsed")
	require.Len(t, m.state.saved, 1)
	assert.True(t, m.state.saved[0].Paused, "pause flag is preserved")
}

func TestRunNow_FullTimerElapsed(t *testing.T) {
	svc, m := newTestRunner()
	m.state.stored = models.BackupState{LastSnapshotAt: t0, LastFullSnapshotAt: t0}
	m.clock.Advance(25 * time.Hour)

	result, err := svc.RunNow(context.Background(), testConfig(), false)

	require.NoError(t, err)
	assert.True(t, result.Plan.IsFull)
}

func TestRunNow_QuietSuppressesNotifications(t *testing.T) {
	svc, m := newTestRunner()

	result, err := svc.RunNow(context.Background(), testConfig(), true)

	require.NoError(t, err)
	assert.NotNil(t, result.Archive)
	assert.Empty(t, m.notifier.events)
	assert.Len(t, m.archive.requests, 1, "quiet never changes archiving")
}

func TestRun_NotificationsDisabled(t *testing.T) {
	svc, m := newTestRunner()
	cfg := testConfig()
	cfg.Notifications.Enabled = false

	_, err := svc.RunIfDue(context.Background(), cfg, t0)

	require.NoError(t, err)
	assert.Empty(t, m.notifier.events)
}

func TestState_LoadedOnce(t *testing.T) {
	svc, m := newTestRunner()
	loads := 0
	m.state.loadFunc = func(string) (models.BackupState, error) {
		loads++
		return models.BackupState{}, nil
	}

	_, err := svc.State()
	require.NoError(t, err)
	_, err = svc.State()
	require.NoError(t, err)

	assert.Equal(t, 1, loads)
}

func TestRunIfDue_SeesPauseFromAnotherProcess(t *testing.T) {
	svc, m := newTestRunner()

	_, err := svc.RunIfDue(context.Background(), testConfig(), t0)
	require.NoError(t, err)

	m.state.stored.Paused = true
	result, err := svc.RunIfDue(context.Background(), testConfig(), t0.Add(2*time.Hour))

	require.NoError(t, err)
	assert.Equal(t, SkipPaused, result.SkipReason)
}

func TestRunIfDue_ReloadErrorUsesCache(t *testing.T) {
	svc, m := newTestRunner()
	_, err := svc.RunIfDue(context.Background(), testConfig(), t0)
	require.NoError(t, err)

	m.state.loadFunc = func(string) (models.BackupState, error) {
		return models.BackupState{}, errors.New("transient read error")
	}
	result, err := svc.RunIfDue(context.Background(), testConfig(), t0.Add(time.Minute))

	require.NoError(t, err)
	assert.Equal(t, SkipNotDue, result.SkipReason)
}

func TestPause_Persists(t *testing.T) {
	svc, m := newTestRunner()

	require.NoError(t, svc.Pause())
	require.NoError(t, svc.Resume())

	require.Len(t, m.state.saved, 2)
	assert.True(t, m.state.saved[0].Paused)
	assert.False(t, m.state.saved[1].Paused)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "skipped: not due", Describe(&models.RunResult{Skipped: true, SkipReason: SkipNotDue}))
	assert.Equal(t, "incremental snapshot failed", Describe(&models.RunResult{}))

	out := Describe(&models.RunResult{
		Plan:       models.SnapshotPlan{ShouldRun: true, IsFull: true},
		Archive:    &models.BuildResult{Path: "/backups/world_2024-03-01_12-00-00.zip", SizeBytes: 1_500_000, FilesWritten: 42},
		CountPass:  &models.RetentionResult{Deleted: []string{"a.zip"}},
		SizePass:   &models.RetentionResult{Deleted: []string{"b.zip"}, CannotReclaim: true},
		TotalBytes: 25_000_000_000,
		Duration:   4250 * time.Millisecond,
	})

	assert.Contains(t, out, "full snapshot finished in 4.250s")
	assert.Contains(t, out, "world_2024-03-01_12-00-00.zip (1.5 MB, 42 files)")
	assert.Contains(t, out, "25 GB")
	assert.Contains(t, out, "removed:  2 old archive(s)")
	assert.Contains(t, out, WarnCannotReclaim)
}
