package main

import (
	"fmt"

	"github.com/fgeck/worldsnap/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop scheduled snapshots until resumed",
	Long:  `Set the persisted pause flag. Manual "run" still works.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPaused(cmd, true)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume scheduled snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPaused(cmd, false)
	},
}

func setPaused(cmd *cobra.Command, paused bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	runnerSvc := runner.New(log.Logger, *cfg)
	if paused {
		err = runnerSvc.Pause()
	} else {
		err = runnerSvc.Resume()
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to update pause flag")
		return err
	}

	if paused {
		fmt.Printf("Scheduled snapshots of %s are paused.\n", cfg.Source.Identity)
	} else {
		fmt.Printf("Scheduled snapshots of %s are resumed.\n", cfg.Source.Identity)
	}
	return nil
}
