package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/cockroachdb/errors"
	"github.com/fgeck/worldsnap/internal/config"
	"github.com/fgeck/worldsnap/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "worldsnap",
	Short: "Periodic snapshots of a live world directory",
	Long: `worldsnap snapshots a live server world directory into timestamped zip archives:
  - full or incremental snapshots on a schedule
  - optional save-off/save-on hooks around each snapshot
  - retention by archive count and total size
  - Telegram notifications

Run "serve" for the built-in scheduler or "run" from an external one.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: $XDG_CONFIG_HOME/worldsnap/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}

func setupLogging() {
	if jsonOutput {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// defaultConfigName is looked up in the XDG config directories when --config is not set.
const defaultConfigName = "worldsnap/config.yaml"

// resolveConfigFile fills configFile from the XDG search path if the flag is empty.
func resolveConfigFile() bool {
	if configFile != "" {
		return true
	}
	path, err := xdg.SearchConfigFile(defaultConfigName)
	if err != nil {
		log.Debug().Err(err).Msg("no config file in XDG config directories")
		return false
	}
	configFile = path
	return true
}

// errConfigRequired is returned when neither --config nor an XDG config file is found.
var errConfigRequired = errors.New("config file is required")

// requireConfigFile resolves the config path or prints usage and fails.
func requireConfigFile(cmd *cobra.Command) error {
	if resolveConfigFile() {
		return nil
	}
	log.Error().Msg("config file is required")
	_ = cmd.Help()
	return errConfigRequired
}

// loadConfig parses and validates the file given by --config.
func loadConfig(cmd *cobra.Command) (*models.BackupConfig, error) {
	if err := requireConfigFile(cmd); err != nil {
		return nil, err
	}

	cfg, err := config.NewParser().LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	log.Debug().
		Str("config", configFile).
		Str("source", cfg.Source.Path).
		Str("output", cfg.Output.Dir).
		Msg("configuration loaded")

	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
