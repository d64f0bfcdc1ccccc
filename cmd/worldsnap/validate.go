package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/fgeck/worldsnap/internal/config"
	"github.com/fgeck/worldsnap/internal/sizeunit"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without taking a snapshot.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if err := requireConfigFile(cmd); err != nil {
		return err
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	cfg, err := config.NewParser().LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("configuration validation failed")
		return err
	}

	maxSize := "unlimited"
	if cfg.Retention.MaxTotalBytes > 0 {
		maxSize = sizeunit.FormatSize(cfg.Retention.MaxTotalBytes)
	}

	fmt.Println(color.GreenString("Configuration is valid!"))
	fmt.Printf("  File: %s\n", configFile)
	fmt.Println()
	fmt.Println("Source:")
	fmt.Printf("  Path: %s\n", cfg.Source.Path)
	fmt.Printf("  Identity: %s\n", cfg.Source.Identity)
	fmt.Printf("  Skipped files: %v\n", cfg.Source.LockFiles)
	fmt.Println()
	fmt.Println("Output:")
	fmt.Printf("  Directory: %s\n", cfg.Output.Dir)
	fmt.Printf("  Compression level: %d\n", cfg.Output.CompressionLevel)
	fmt.Println()
	fmt.Println("Schedule:")
	if cfg.Schedule.Enabled {
		fmt.Printf("  Enabled: %v\n", cfg.Schedule.Enabled)
	} else {
		fmt.Printf("  Enabled: %s\n", color.YellowString("false"))
	}
	fmt.Printf("  Mode: %s\n", cfg.Schedule.Mode)
	fmt.Printf("  Interval: %s\n", cfg.Schedule.Interval)
	if cfg.Schedule.Mode.OnlyIncremental() {
		fmt.Printf("  Full snapshot every: %s\n", cfg.Schedule.FullInterval)
	}
	fmt.Printf("  Check every: %s\n", cfg.Schedule.CheckInterval)
	fmt.Println()
	fmt.Println("Retention Policy:")
	fmt.Printf("  Max archives: %d\n", cfg.Retention.MaxArchiveCount)
	fmt.Printf("  Max total size: %s\n", maxSize)
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Quiesce hooks: %v\n", len(cfg.Source.Quiesce.PreCommand) > 0 || len(cfg.Source.Quiesce.PostCommand) > 0)
	fmt.Printf("  Notifications: %v\n", cfg.Notifications.Enabled)
	fmt.Printf("  Telegram: %v\n", cfg.Notifications.Telegram != nil)

	if len(cfg.Source.Quiesce.PreCommand) > 0 || len(cfg.Source.Quiesce.PostCommand) > 0 {
		fmt.Println()
		fmt.Println("Quiesce Configuration:")
		fmt.Printf("  Pre: %s\n", strings.Join(cfg.Source.Quiesce.PreCommand, " "))
		fmt.Printf("  Post: %s\n", strings.Join(cfg.Source.Quiesce.PostCommand, " "))
		fmt.Printf("  Timeout: %s\n", cfg.Source.Quiesce.Timeout)
	}

	if cfg.Notifications.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Notifications.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	return nil
}
