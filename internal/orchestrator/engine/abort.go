// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

const abortAttempts = 3

// Abort moves a non-terminal run to ABORTED and aborts a pending approval.
// An apply still running keeps its state lock until the tool has exited.
// Aborting a terminal run returns its status unchanged.
func (e *Engine) Abort(ctx context.Context, runID, actor, reason string) (models.RunStatus, error) {
	if actor == "" {
		actor = models.SystemActor
	}
	var lastErr error
	for attempt := 0; attempt < abortAttempts; attempt++ {
		run, err := e.Get(ctx, runID)
		if err != nil {
			return models.RunStatusPending, err
		}
		if run.Status.IsTerminal() {
			return run.Status, nil
		}

		if _, err := e.Gate.Cancel(ctx, run.ID); err != nil {
			return run.Status, err
		}
		if run.Phase == models.PhaseApply {
			e.stopApply(ctx, run)
		}

		cause := fmt.Errorf("aborted by %s", actor)
		if reason != "" {
			cause = fmt.Errorf("aborted by %s: %s", actor, reason)
		}
		for i := range run.Stages {
			if run.Stages[i].Outcome == models.StageOutcomeRunning {
				e.finishStage(ctx, &run.Stages[i], models.StageOutcomeAborted, cause)
			}
		}

		err = e.transitionBy(ctx, run, actor, models.PhaseAborted, models.RunStatusAborted, phaseStage(run.Phase), "aborted", cause)
		if err == nil {
			return run.Status, nil
		}
		if !errors.Is(err, ErrConcurrentTransition) {
			return run.Status, err
		}
		lastErr = err
	}
	return models.RunStatusPending, lastErr
}

// stopApply cancels the apply this process runs for run. The apply releases
// its lock on the way out. A lock whose holder is not running here is freed
// only once its lease has lapsed, since a live lease means a driver elsewhere
// may still be mutating state.
func (e *Engine) stopApply(ctx context.Context, run *models.PipelineRun) {
	if cancel, ok := e.applying.Load(run.ID); ok {
		cancel.(context.CancelCauseFunc)(ErrRunAborted)
		return
	}

	ec, err := e.environment(run)
	if err != nil {
		return
	}
	holder := models.HolderFor(run.ID, models.StageApply)
	status, err := e.Locks.Inspect(ctx, ec.ResourceKey)
	if err != nil {
		getLog().Error().Err(err).Str("run_id", run.ID).Msg("Failed to inspect lock on abort")
		return
	}
	if status.Lock == nil || status.Lock.HolderID != holder {
		return
	}
	if !status.Stale {
		getLog().Warn().
			Str("run_id", run.ID).
			Str("resource_key", ec.ResourceKey).
			Time("lease_expires_at", status.Lock.LeaseExpiresAt).
			Msg("Apply lock is still leased; leaving it to its driver")
		return
	}
	if err := e.Locks.ReleaseHolder(ctx, ec.ResourceKey, holder); err != nil {
		getLog().Error().Err(err).Str("run_id", run.ID).Msg("Failed to release lock on abort")
	}
}

// phaseStage maps a non-terminal phase to the stage it runs.
func phaseStage(p models.Phase) models.StageKind {
	switch p {
	case models.PhasePlan:
		return models.StagePlan
	case models.PhaseApproval:
		return models.StageApproval
	case models.PhaseApply:
		return models.StageApply
	default:
		return models.StageValidate
	}
}
