// Package models contains the data structures used throughout worldsnap.
package models

import "time"

// BackupMode selects how much of the source tree a snapshot contains.
type BackupMode string

// Backup modes.
const (
	// ModeFull always archives every eligible file.
	ModeFull BackupMode = "full"
	// ModeModifiedSinceLast archives files changed after the previous snapshot.
	ModeModifiedSinceLast BackupMode = "modified_since_last"
	// ModeModifiedSinceFull archives files changed after the previous full snapshot.
	ModeModifiedSinceFull BackupMode = "modified_since_full"
)

// OnlyIncremental reports whether the mode produces partial snapshots between full ones.
func (m BackupMode) OnlyIncremental() bool {
	return m == ModeModifiedSinceLast || m == ModeModifiedSinceFull
}

// Valid reports whether m is a known mode.
func (m BackupMode) Valid() bool {
	return m == ModeFull || m.OnlyIncremental()
}

// BackupConfig holds the complete configuration for backing up one source tree.
// A run always works on a copy; reloading the file never changes a run in flight.
type BackupConfig struct {
	Source        SourceSettings
	Output        OutputSettings
	Schedule      ScheduleSettings
	Retention     RetentionPolicy
	State         StateSettings
	Notifications NotificationSettings
}

// SourceSettings describes the live directory tree being snapshotted.
type SourceSettings struct {
	Path      string
	Identity  string   // archive name prefix and state key
	LockFiles []string // base names skipped during the walk
	Quiesce   QuiesceSettings
}

// QuiesceSettings holds the optional hooks run around a snapshot.
type QuiesceSettings struct {
	PreCommand  []string // e.g. ["rcon-cli", "save-off"]
	PostCommand []string // e.g. ["rcon-cli", "save-on"]
	Timeout     time.Duration
}

// OutputSettings describes where archives are written.
type OutputSettings struct {
	Dir              string
	CompressionLevel int // -1 default, 0 store, 9 best
}

// ScheduleSettings controls when runs are due and which kind they are.
type ScheduleSettings struct {
	Enabled       bool
	Mode          BackupMode
	Interval      time.Duration // minimum time between two snapshots
	FullInterval  time.Duration // maximum time between two full snapshots
	CheckInterval time.Duration // how often the daemon asks whether a run is due
}

// RetentionPolicy bounds the archives kept in the output directory.
type RetentionPolicy struct {
	MaxArchiveCount int
	MaxTotalBytes   int64 // 0 = unlimited
}

// StateSettings locates the persisted BackupState.
type StateSettings struct {
	Dir string
}

// NotificationSettings controls event delivery.
type NotificationSettings struct {
	Enabled  bool
	Telegram *TelegramConfig // nil if not configured
}
