package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fgeck/worldsnap/internal/config"
	"github.com/fgeck/worldsnap/internal/services/metrics"
	"github.com/fgeck/worldsnap/internal/services/runner"
	"github.com/fgeck/worldsnap/internal/services/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	watchConfig bool
	metricsAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the snapshot scheduler in the foreground",
	Long: `Check every schedule.check_interval whether a snapshot is due and take it.

The config file is reloaded when it changes (or on SIGHUP). Schedule,
output, retention and notification toggles apply to the next check;
source, state and Telegram settings need a restart.

With --metrics-addr, Prometheus metrics are served on /metrics.`,
	RunE: serve,
}

func init() {
	serveCmd.Flags().BoolVar(&watchConfig, "watch", true, "reload the config file when it changes")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for /metrics, e.g. :9108 (disabled if empty)")
}

func serve(cmd *cobra.Command, args []string) error {
	if err := requireConfigFile(cmd); err != nil {
		return err
	}

	watcher, err := config.NewWatcher(log.Logger, configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return err
	}
	if watchConfig {
		watcher.Start()
	}

	cfg := watcher.Current()
	log.Info().
		Str("config", configFile).
		Str("source", cfg.Source.Path).
		Str("output", cfg.Output.Dir).
		Str("mode", string(cfg.Schedule.Mode)).
		Dur("interval", cfg.Schedule.Interval).
		Msg("configuration loaded")

	ctx, cancel := signalContext()
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				if err := watcher.Reload(); err != nil {
					log.Error().Err(err).Msg("reload on SIGHUP failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	var recorder metrics.Recorder
	g, gctx := errgroup.WithContext(ctx)

	if metricsAddr != "" {
		m := metrics.New(cfg.Source.Identity)
		recorder = m
		m.ObserveConfig(cfg)
		watcher.OnReload(m.ObserveConfig)
		srv := m.Server(metricsAddr)

		g.Go(func() error {
			log.Info().Str("addr", metricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runnerSvc := runner.New(log.Logger, cfg)
	sched := scheduler.New(log.Logger, runnerSvc, watcher, recorder, cfg.Schedule.CheckInterval)
	g.Go(func() error {
		return sched.Run(gctx)
	})

	return g.Wait()
}
