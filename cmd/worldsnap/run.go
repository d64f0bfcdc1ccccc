package main

import (
	"fmt"
	"time"

	"github.com/fgeck/worldsnap/internal/models"
	"github.com/fgeck/worldsnap/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	noNotify bool
	ifDue    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Take one snapshot now",
	Long: `Take one snapshot and exit:
1. Run the quiesce pre-command (if configured)
2. Delete the oldest archives until there is room for one more
3. Write the archive (full or incremental, per schedule.mode)
4. Delete the oldest archives while the size cap is exceeded
5. Record the snapshot time
6. Run the quiesce post-command (if configured)
7. Send notifications (if enabled)

By default the schedule and the pause flag are ignored; use --if-due to
respect them, e.g. from a cron job or systemd timer.`,
	RunE: runSnapshot,
}

func init() {
	runCmd.Flags().BoolVar(&noNotify, "no-notify", false, "do not send notifications for this run")
	runCmd.Flags().BoolVar(&ifDue, "if-due", false, "only run if the schedule says a snapshot is due")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger, *cfg)

	var result *models.RunResult
	var runErr error
	if ifDue {
		if noNotify {
			cfg.Notifications.Enabled = false
		}
		result, runErr = runnerSvc.RunIfDue(ctx, *cfg, time.Now())
	} else {
		result, runErr = runnerSvc.RunNow(ctx, *cfg, noNotify)
	}
	if runErr != nil {
		log.Error().Err(runErr).Msg("snapshot failed")
		return runErr
	}

	fmt.Println(runner.Describe(result))
	return nil
}
