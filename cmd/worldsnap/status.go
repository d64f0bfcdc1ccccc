package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/fgeck/worldsnap/internal/services/retention"
	"github.com/fgeck/worldsnap/internal/services/state"
	"github.com/fgeck/worldsnap/internal/sizeunit"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show archives and snapshot state",
	RunE:  showStatus,
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, err := state.New(log.Logger, cfg.State.Dir).Load(cfg.Source.Identity)
	if err != nil {
		log.Error().Err(err).Msg("failed to load state")
		return err
	}

	archives, err := retention.New(log.Logger).List(cfg.Output.Dir)
	if err != nil {
		log.Error().Err(err).Str("dir", cfg.Output.Dir).Msg("failed to list archives")
		return err
	}

	fmt.Printf("World: %s (%s)\n", cfg.Source.Identity, cfg.Source.Path)
	if st.Paused {
		fmt.Printf("  Paused: %s\n", color.YellowString("yes"))
	} else {
		fmt.Printf("  Paused: %s\n", color.GreenString("no"))
	}
	fmt.Printf("  Last snapshot: %s\n", formatTime(st.LastSnapshotAt))
	fmt.Printf("  Last full snapshot: %s\n", formatTime(st.LastFullSnapshotAt))
	fmt.Println()

	var total int64
	fmt.Printf("Archives in %s:\n", cfg.Output.Dir)
	for _, a := range archives {
		total += a.SizeBytes
		fmt.Printf("  %s  %10s  %s\n", a.ModifiedAt.Local().Format("2006-01-02 15:04:05"), sizeunit.FormatSize(a.SizeBytes), a.Name)
	}
	summary := fmt.Sprintf("%d archive(s), %s total", len(archives), sizeunit.FormatSize(total))
	if cfg.Retention.MaxTotalBytes > 0 && total > cfg.Retention.MaxTotalBytes {
		summary = color.YellowString("%s (over the %s cap)", summary, sizeunit.FormatSize(cfg.Retention.MaxTotalBytes))
	}
	fmt.Printf("  %s\n", summary)

	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
