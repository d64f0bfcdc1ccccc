package models

import "time"

// EventKind identifies a backup lifecycle event.
type EventKind string

// Event kinds delivered to notifiers.
const (
	EventBackupStarted  EventKind = "backup_started"
	EventBackupFinished EventKind = "backup_finished"
	EventBackupFailed   EventKind = "backup_failed"
)

// BackupEvent is a structured notification about one run.
type BackupEvent struct {
	Kind     EventKind
	Identity string
	Full     bool
	Time     time.Time

	// Set on EventBackupFinished.
	Duration        time.Duration
	ArchiveSize     int64
	TotalOutputSize int64
	Warning         string // e.g. retention could not reclaim space

	// Set on EventBackupFailed.
	Phase string
	Err   error
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
