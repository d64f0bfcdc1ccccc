package models

import "time"

// BackupState is the durable record kept per source tree.
type BackupState struct {
	LastSnapshotAt     time.Time `yaml:"last_snapshot_at"`
	LastFullSnapshotAt time.Time `yaml:"last_full_snapshot_at"`
	Paused             bool      `yaml:"paused"`
}

// NeverRan reports whether no snapshot has been recorded yet.
func (s BackupState) NeverRan() bool {
	return s.LastSnapshotAt.IsZero()
}

// SnapshotPlan is the planner's decision for one run attempt. It is never persisted.
type SnapshotPlan struct {
	ShouldRun bool
	IsFull    bool
	Cutoff    time.Time // files modified at or before Cutoff are skipped unless IsFull
}

// Includes reports whether a file with the given modification time belongs in the snapshot.
func (p SnapshotPlan) Includes(modTime time.Time) bool {
	return p.IsFull || modTime.After(p.Cutoff)
}

// Kind returns "full" or "incremental".
func (p SnapshotPlan) Kind() string {
	if p.IsFull {
		return "full"
	}
	return "incremental"
}

// ArchiveDescriptor is an archive file as seen on disk during a retention pass.
type ArchiveDescriptor struct {
	Path       string
	Name       string
	SizeBytes  int64
	ModifiedAt time.Time
}

// BuildResult holds the result of writing one archive.
type BuildResult struct {
	Path         string
	SizeBytes    int64
	FilesWritten int
	FilesSkipped int
	Duration     time.Duration
}

// RetentionResult holds the result of one retention pass.
type RetentionResult struct {
	Deleted       []string
	Failed        []string // files that could not be removed
	Remaining     int
	TotalBytes    int64
	CannotReclaim bool // size cap still exceeded with one archive left
}

// RunResult summarises one orchestrator run.
type RunResult struct {
	Skipped    bool
	SkipReason string
	Plan       SnapshotPlan
	Archive    *BuildResult
	CountPass  *RetentionResult
	SizePass   *RetentionResult
	TotalBytes int64 // output directory size after the run
	StartTime  time.Time
	Duration   time.Duration
}
