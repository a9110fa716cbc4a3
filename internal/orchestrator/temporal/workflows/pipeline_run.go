// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal/types"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal/utils"
)

const (
	PipelineRunWorkflowName    = "PipelineRunWorkflow"
	PipelineRunWorkflowVersion = "v1.0.0"

	// expiryRecheck is the wait when a run still awaits a decision past its
	// deadline, which happens when the engine's clock lags the workflow's.
	expiryRecheck = time.Second
	// maxSteps caps the number of transitions one execution drives.
	maxSteps = 200
)

// PipelineRunWorkflow drives one pipeline run to a terminal state. Every
// transition happens inside AdvanceRunActivity; the workflow only decides
// when to call it again. A run awaiting approval parks on the
// approval-decision signal or the approval deadline, whichever comes first.
// Cancelling the workflow aborts the run.
func PipelineRunWorkflow(ctx workflow.Context, input types.PipelineRunWorkflowInput) (*types.PipelineRunWorkflowOutput, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting PipelineRunWorkflow", "runID", input.RunID, "version", PipelineRunWorkflowVersion)

	output := &types.PipelineRunWorkflowOutput{RunID: input.RunID}
	stageCtx := workflow.WithActivityOptions(ctx, utils.StageActivityOptions(input.Activity))
	decisions := workflow.GetSignalChannel(ctx, types.ApprovalDecisionSignal)

	for output.Steps < maxSteps {
		var result types.AdvanceRunActivityOutput
		err := workflow.ExecuteActivity(stageCtx, "AdvanceRunActivity",
			types.AdvanceRunActivityInput{RunID: input.RunID}).Get(ctx, &result)
		if err != nil {
			if temporal.IsCanceledError(err) || ctx.Err() != nil {
				return abortRun(ctx, input, output)
			}
			logger.Error("AdvanceRunActivity failed", "runID", input.RunID, "error", err)
			output.Error = err.Error()
			return output, err
		}

		output.Steps++
		output.Status = result.Status
		output.Phase = result.Phase
		output.Error = result.Error

		if result.Status.IsTerminal() {
			logger.Info("Pipeline run finished",
				"runID", input.RunID,
				"status", result.Status.String(),
				"steps", output.Steps)
			return output, nil
		}
		if result.Status != models.RunStatusAwaitingApproval || result.ApprovalDeadline == nil {
			continue
		}

		if err := awaitDecision(ctx, decisions, result); err != nil {
			if temporal.IsCanceledError(err) || ctx.Err() != nil {
				return abortRun(ctx, input, output)
			}
			return output, err
		}
	}

	output.Error = fmt.Sprintf("run %s did not finish within %d transitions", input.RunID, maxSteps)
	return output, temporal.NewNonRetryableApplicationError(output.Error, "StepLimit", nil)
}

// awaitDecision blocks until an approval decision is signalled or the
// approval deadline passes.
func awaitDecision(ctx workflow.Context, decisions workflow.ReceiveChannel, result types.AdvanceRunActivityOutput) error {
	logger := workflow.GetLogger(ctx)

	// The engine expires a request at its deadline, inclusive.
	wait := result.ApprovalDeadline.Sub(workflow.Now(ctx))
	if wait <= 0 {
		wait = expiryRecheck
	}
	logger.Info("Waiting for approval", "runID", result.RunID, "approvalID", result.ApprovalID, "wait", wait)

	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	defer cancelTimer()
	timer := workflow.NewTimer(timerCtx, wait)

	var waitErr error
	selector := workflow.NewSelector(ctx)
	selector.AddReceive(decisions, func(c workflow.ReceiveChannel, more bool) {
		var decision types.ApprovalDecision
		c.Receive(ctx, &decision)
		logger.Info("Approval decision received",
			"runID", result.RunID,
			"requestID", decision.RequestID,
			"decision", decision.Decision.String(),
			"approver", decision.Approver)
	})
	selector.AddFuture(timer, func(f workflow.Future) {
		if err := f.Get(ctx, nil); err != nil {
			waitErr = err
			return
		}
		logger.Info("Approval deadline reached", "runID", result.RunID, "approvalID", result.ApprovalID)
	})
	selector.Select(ctx)
	return waitErr
}

// abortRun aborts the run on a disconnected context so the cleanup runs even
// though the workflow itself was cancelled.
func abortRun(ctx workflow.Context, input types.PipelineRunWorkflowInput, output *types.PipelineRunWorkflowOutput) (*types.PipelineRunWorkflowOutput, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Pipeline run cancelled", "runID", input.RunID)

	cleanupCtx, _ := workflow.NewDisconnectedContext(ctx)
	cleanupCtx = workflow.WithActivityOptions(cleanupCtx, utils.ShortActivityOptions(input.Activity))

	var result types.AbortRunActivityOutput
	err := workflow.ExecuteActivity(cleanupCtx, "AbortRunActivity", types.AbortRunActivityInput{
		RunID:  input.RunID,
		Actor:  models.SystemActor,
		Reason: "workflow cancelled",
	}).Get(cleanupCtx, &result)
	if err != nil {
		logger.Error("Failed to abort run after cancellation", "runID", input.RunID, "error", err)
	} else {
		output.Status = result.Status
		if result.Status == models.RunStatusAborted {
			output.Phase = models.PhaseAborted
		}
	}
	output.Error = "cancelled"
	return output, temporal.NewCanceledError("pipeline run cancelled")
}
