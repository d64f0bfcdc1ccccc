// Package notify delivers backup lifecycle events to operators.
package notify

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/fgeck/worldsnap/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for event delivery. Callers never depend on
// delivery succeeding; a returned error is only logged.
type Service interface {
	Notify(ctx context.Context, event models.BackupEvent) error
}

// Multi fans an event out to every notifier, in order.
type Multi []Service

// Notify delivers event to all notifiers and combines their errors.
func (m Multi) Notify(ctx context.Context, event models.BackupEvent) error {
	var combined error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			combined = errors.CombineErrors(combined, err)
		}
	}
	return combined
}

// FromConfig builds the notifier chain for the given settings. Events are
// always logged; Telegram is added when configured.
func FromConfig(logger zerolog.Logger, settings models.NotificationSettings) Service {
	chain := Multi{NewLogNotifier(logger)}
	if settings.Telegram != nil {
		chain = append(chain, NewTelegram(logger, *settings.Telegram))
	}
	return chain
}
