package notify

import (
	"context"

	"github.com/fgeck/worldsnap/internal/models"
	"github.com/fgeck/worldsnap/internal/sizeunit"
	"github.com/rs/zerolog"
)

// LogNotifier writes events to a zerolog logger.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that logs events.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the event. It never fails.
func (n *LogNotifier) Notify(_ context.Context, event models.BackupEvent) error {
	switch event.Kind {
	case models.EventBackupStarted:
		n.logger.Info().
			Str("identity", event.Identity).
			Bool("full", event.Full).
			Msg("backup started")
	case models.EventBackupFinished:
		entry := n.logger.Info()
		if event.Warning != "" {
			entry = n.logger.Warn().Str("warning", event.Warning)
		}
		entry.
			Str("identity", event.Identity).
			Bool("full", event.Full).
			Str("duration", sizeunit.FormatDuration(event.Duration)).
			Str("archive_size", sizeunit.FormatSize(event.ArchiveSize)).
			Str("total_size", sizeunit.FormatSize(event.TotalOutputSize)).
			Msg("backup finished")
	case models.EventBackupFailed:
		n.logger.Error().
			Err(event.Err).
			Str("identity", event.Identity).
			Str("phase", event.Phase).
			Msg("backup failed")
	}
	return nil
}
