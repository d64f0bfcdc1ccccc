// Package planner decides whether a snapshot is due and whether it must be full.
package planner

import (
	"time"

	"github.com/fgeck/worldsnap/internal/models"
)

// Policy holds the schedule inputs the planner needs.
type Policy struct {
	MinInterval  time.Duration
	FullInterval time.Duration
	Mode         models.BackupMode
}

// PolicyFrom extracts the planner policy from a configuration snapshot.
func PolicyFrom(cfg models.ScheduleSettings) Policy {
	return Policy{
		MinInterval:  cfg.Interval,
		FullInterval: cfg.FullInterval,
		Mode:         cfg.Mode,
	}
}

// Plan returns the plan for a scheduled run at now.
// When the plan is not due, only ShouldRun is meaningful.
func Plan(now time.Time, state models.BackupState, policy Policy) models.SnapshotPlan {
	if !state.NeverRan() && now.Sub(state.LastSnapshotAt) <= policy.MinInterval {
		return models.SnapshotPlan{}
	}
	return PlanForced(now, state, policy)
}

// PlanForced returns the plan for a manual run, which is always due.
func PlanForced(now time.Time, state models.BackupState, policy Policy) models.SnapshotPlan {
	plan := models.SnapshotPlan{ShouldRun: true, IsFull: true}

	if !policy.Mode.OnlyIncremental() || state.NeverRan() || state.LastFullSnapshotAt.IsZero() {
		return plan
	}

	if now.Sub(state.LastFullSnapshotAt) > policy.FullInterval {
		return plan
	}

	plan.IsFull = false
	switch policy.Mode {
	case models.ModeModifiedSinceFull:
		plan.Cutoff = state.LastFullSnapshotAt
	default:
		plan.Cutoff = state.LastSnapshotAt
	}

	return plan
}
