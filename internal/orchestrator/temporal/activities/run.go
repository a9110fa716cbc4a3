// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package activities

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/noldarim/shipyard/internal/orchestrator/engine"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal/types"
)

// DefaultHeartbeatInterval is used when no heartbeat timeout is configured.
const DefaultHeartbeatInterval = 5 * time.Second

// Engine is the part of the pipeline engine the activities drive.
type Engine interface {
	Advance(ctx context.Context, runID string) (models.RunStatus, error)
	Abort(ctx context.Context, runID, actor, reason string) (models.RunStatus, error)
	Get(ctx context.Context, runID string) (*models.PipelineRun, error)
}

// ApprovalReader looks up the approval a waiting run is parked on.
type ApprovalReader interface {
	Latest(ctx context.Context, runID string) (*models.ApprovalRequest, error)
}

// RunActivities advances pipeline runs on behalf of PipelineRunWorkflow.
type RunActivities struct {
	engine            Engine
	approvals         ApprovalReader
	heartbeatInterval time.Duration
}

// NewRunActivities creates the run activities. heartbeatTimeout is the
// activity heartbeat timeout; heartbeats are sent at a third of it.
func NewRunActivities(e Engine, approvals ApprovalReader, heartbeatTimeout time.Duration) *RunActivities {
	interval := heartbeatTimeout / 3
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &RunActivities{engine: e, approvals: approvals, heartbeatInterval: interval}
}

// AdvanceRunActivity performs one engine transition. It heartbeats while a
// stage runs so that a dead worker is detected and the activity rescheduled.
func (a *RunActivities) AdvanceRunActivity(ctx context.Context, input types.AdvanceRunActivityInput) (*types.AdvanceRunActivityOutput, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("Advancing pipeline run", "runID", input.RunID)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(a.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, input.RunID)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	activity.RecordHeartbeat(ctx, input.RunID)

	if _, err := a.engine.Advance(ctx, input.RunID); err != nil {
		logger.Error("Advance failed", "runID", input.RunID, "error", err)
		return nil, classify(err)
	}

	run, err := a.engine.Get(ctx, input.RunID)
	if err != nil {
		return nil, classify(err)
	}
	output := &types.AdvanceRunActivityOutput{
		RunID:  run.ID,
		Status: run.Status,
		Phase:  run.Phase,
		Error:  run.LastError,
	}

	if run.Status == models.RunStatusAwaitingApproval {
		req, err := a.approvals.Latest(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		if req != nil && req.Decision == models.DecisionPending {
			deadline := req.ExpiresAt
			output.ApprovalID = req.ID
			output.ApprovalDeadline = &deadline
		}
	}

	logger.Info("Pipeline run advanced",
		"runID", run.ID,
		"status", run.Status.String(),
		"phase", run.Phase.String())
	return output, nil
}

// AbortRunActivity aborts a run. It is safe to retry.
func (a *RunActivities) AbortRunActivity(ctx context.Context, input types.AbortRunActivityInput) (*types.AbortRunActivityOutput, error) {
	activity.GetLogger(ctx).Info("Aborting pipeline run", "runID", input.RunID, "actor", input.Actor)
	status, err := a.engine.Abort(ctx, input.RunID, input.Actor, input.Reason)
	if err != nil {
		return nil, classify(err)
	}
	return &types.AbortRunActivityOutput{Status: status}, nil
}

// classify marks errors that retrying cannot fix as non-retryable.
// Concurrent transitions and infrastructure errors are retried.
func classify(err error) error {
	switch {
	case errors.Is(err, engine.ErrRunNotFound):
		return temporal.NewNonRetryableApplicationError(err.Error(), "RunNotFound", err)
	default:
		return err
	}
}
