package config

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/fgeck/worldsnap/internal/models"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher holds the current configuration and reloads it when the file changes.
// Settings bound at startup (source, state directory, notifier targets and the
// check interval) keep their startup values until restart.
type Watcher struct {
	parser *Parser
	path   string
	logger zerolog.Logger

	// reload serializes file change events and SIGHUP reloads.
	reload sync.Mutex

	mu        sync.RWMutex
	current   models.BackupConfig
	listeners []func(models.BackupConfig)
}

// NewWatcher loads the file at path. It does not watch until Start is called.
func NewWatcher(logger zerolog.Logger, path string) (*Watcher, error) {
	parser := NewParser()
	cfg, err := parser.LoadFile(path)
	if err != nil {
		return nil, err
	}

	return &Watcher{
		parser:  parser,
		path:    path,
		logger:  logger,
		current: *cfg,
	}, nil
}

// Current returns a copy of the active configuration.
func (w *Watcher) Current() models.BackupConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers fn to be called after every successful reload.
func (w *Watcher) OnReload(fn func(models.BackupConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Start watches the config file for changes.
func (w *Watcher) Start() {
	w.parser.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		w.logger.Info().Str("file", e.Name).Msg("config file changed")

		w.reload.Lock()
		defer w.reload.Unlock()
		cfg, err := w.parser.parse()
		_ = w.apply(cfg, err)
	})
	w.parser.v.WatchConfig()

	w.logger.Debug().Str("file", w.path).Msg("watching config file")
}

// Reload re-reads the file now. An invalid file keeps the previous configuration.
// It uses its own parser because the watching viper instance is read from
// viper's event goroutine.
func (w *Watcher) Reload() error {
	w.reload.Lock()
	defer w.reload.Unlock()
	cfg, err := NewParser().LoadFile(w.path)
	return w.apply(cfg, err)
}

func (w *Watcher) apply(cfg *models.BackupConfig, err error) error {
	if err != nil {
		w.logger.Error().Err(err).Msg("invalid config, keeping previous")
		return fmt.Errorf("reloading config: %w", err)
	}

	w.mu.Lock()
	next := w.pin(*cfg)
	w.current = next
	listeners := append([]func(models.BackupConfig){}, w.listeners...)
	w.mu.Unlock()

	w.logger.Info().
		Str("mode", string(next.Schedule.Mode)).
		Dur("interval", next.Schedule.Interval).
		Bool("enabled", next.Schedule.Enabled).
		Msg("config reloaded")

	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

// pin copies the startup-bound settings from the current configuration.
func (w *Watcher) pin(next models.BackupConfig) models.BackupConfig {
	prev := w.current

	if !reflect.DeepEqual(prev.Source, next.Source) {
		w.logger.Warn().Msg("source settings changed, restart to apply")
		next.Source = prev.Source
	}
	if prev.State != next.State {
		w.logger.Warn().Msg("state.dir changed, restart to apply")
		next.State = prev.State
	}
	if !reflect.DeepEqual(prev.Notifications.Telegram, next.Notifications.Telegram) {
		w.logger.Warn().Msg("telegram settings changed, restart to apply")
		next.Notifications.Telegram = prev.Notifications.Telegram
	}
	if prev.Schedule.CheckInterval != next.Schedule.CheckInterval {
		w.logger.Warn().Msg("schedule.check_interval changed, restart to apply")
		next.Schedule.CheckInterval = prev.Schedule.CheckInterval
	}

	return next
}
