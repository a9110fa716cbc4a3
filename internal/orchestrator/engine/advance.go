// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noldarim/shipyard/internal/orchestrator/approval"
	"github.com/noldarim/shipyard/internal/orchestrator/credentials"
	"github.com/noldarim/shipyard/internal/orchestrator/database"
	"github.com/noldarim/shipyard/internal/orchestrator/locks"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/internal/orchestrator/provisioner"
	"github.com/noldarim/shipyard/internal/protocol"
)

// Advance executes at most one phase transition of a run and persists it.
// Terminal runs are returned unchanged with no side effects. A run waiting
// for an undecided, unexpired approval also stays where it is.
func (e *Engine) Advance(ctx context.Context, runID string) (models.RunStatus, error) {
	run, err := e.Get(ctx, runID)
	if err != nil {
		return models.RunStatusPending, err
	}
	if run.Status.IsTerminal() {
		return run.Status, nil
	}

	ctx, span := tracer.Start(ctx, "engine.Advance", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.phase", run.Phase.String()),
		attribute.String("run.environment", string(run.Environment)),
	))
	defer span.End()

	switch run.Phase {
	case models.PhaseValidate:
		err = e.validate(ctx, run)
	case models.PhasePlan:
		err = e.plan(ctx, run)
	case models.PhaseApproval:
		err = e.approval(ctx, run)
	case models.PhaseApply:
		err = e.apply(ctx, run)
	default:
		err = fmt.Errorf("run %s is in unexpected phase %s", run.ID, run.Phase)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return run.Status, err
	}
	span.SetAttributes(attribute.String("run.status", run.Status.String()))
	return run.Status, nil
}

// persist writes run if nobody else changed it since it was loaded.
func (e *Engine) persist(ctx context.Context, run *models.PipelineRun) error {
	if err := e.Store.UpdateRunIfVersion(ctx, run); err != nil {
		if errors.Is(err, database.ErrVersionConflict) {
			return fmt.Errorf("%w: %s", ErrConcurrentTransition, run.ID)
		}
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return nil
}

// transition moves run to phase to with the given status, persists it,
// appends the audit record and publishes the transition.
func (e *Engine) transition(ctx context.Context, run *models.PipelineRun, to models.Phase, status models.RunStatus, stage models.StageKind, outcome string, cause error) error {
	return e.transitionBy(ctx, run, models.SystemActor, to, status, stage, outcome, cause)
}

func (e *Engine) transitionBy(ctx context.Context, run *models.PipelineRun, actor string, to models.Phase, status models.RunStatus, stage models.StageKind, outcome string, cause error) error {
	from := run.Phase
	run.Phase = to
	run.Status = status
	run.LastError = errorString(cause)
	if status.IsTerminal() {
		now := e.now()
		run.CompletedAt = &now
	}
	if err := e.persist(ctx, run); err != nil {
		return err
	}

	severity := phaseSeverity(to)
	e.audit(ctx, run, &models.AuditRecord{
		Stage:     stage.String(),
		Actor:     actor,
		Outcome:   outcome,
		FromPhase: from.String(),
		ToPhase:   to.String(),
		Severity:  severity,
		Detail:    run.LastError,
	})
	e.Auditor.Publish(protocol.RunTransitionEvent{
		Metadata:    protocol.NewMetadata(run.ID, fmt.Sprintf("%s-v%d", run.ID, run.Version)),
		Environment: run.Environment,
		ChangeRef:   run.ChangeRef,
		From:        from,
		To:          to,
		Status:      status,
		Error:       run.LastError,
		At:          e.now(),
	})
	trace.SpanFromContext(ctx).AddEvent("transition", trace.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
		attribute.String("outcome", outcome),
	))

	event := getLog().Info()
	if severity != models.SeverityInfo {
		event = getLog().Warn()
	}
	event.Str("run_id", run.ID).
		Stringer("from", from).
		Stringer("to", to).
		Stringer("status", status).
		Str("outcome", outcome).
		Str("error", run.LastError).
		Msg("Run transitioned")
	return nil
}

// fail records a stage failure and moves the run to FAILED.
func (e *Engine) fail(ctx context.Context, run *models.PipelineRun, stage *models.StageExecution, cause error) error {
	if stage != nil {
		e.finishStage(ctx, stage, models.StageOutcomeFailed, cause)
	}
	var execErr *provisioner.ExecutionError
	if errors.As(cause, &execErr) {
		run.LastDiagnostics = provisioner.DiagnosticTail(execErr.Stderr)
	}
	kind := models.StageValidate
	if stage != nil {
		kind = stage.Kind
	}
	return e.transition(ctx, run, models.PhaseFailed, models.RunStatusFailed, kind, "failed", cause)
}

// beginStage claims the run for this driver and records a new stage
// execution. An execution of the same kind left running by a crashed driver
// is closed as aborted and counted as a retry.
func (e *Engine) beginStage(ctx context.Context, run *models.PipelineRun, kind models.StageKind) (*models.StageExecution, error) {
	retry := 0
	if prev := run.LatestStage(kind); prev != nil && prev.Outcome == models.StageOutcomeRunning {
		retry = prev.RetryCount + 1
		e.finishStage(ctx, prev, models.StageOutcomeAborted, errors.New("interrupted before completion"))
	}

	run.Status = models.RunStatusRunning
	if err := e.persist(ctx, run); err != nil {
		return nil, err
	}

	stage := &models.StageExecution{
		ID:         uuid.New().String(),
		RunID:      run.ID,
		Kind:       kind,
		Outcome:    models.StageOutcomeRunning,
		ExitStatus: models.NoExitStatus,
		RetryCount: retry,
		StartedAt:  e.now(),
	}
	if err := e.Store.CreateStageExecution(ctx, stage); err != nil {
		return nil, fmt.Errorf("record %s stage: %w", kind, err)
	}
	run.Stages = append(run.Stages, *stage)
	return stage, nil
}

func (e *Engine) finishStage(ctx context.Context, stage *models.StageExecution, outcome models.StageOutcome, cause error) {
	now := e.now()
	stage.Outcome = outcome
	stage.EndedAt = &now
	stage.Error = errorString(cause)
	var execErr *provisioner.ExecutionError
	if errors.As(cause, &execErr) {
		stage.ExitStatus = execErr.ExitCode
		stage.DiagnosticTail = provisioner.DiagnosticTail(execErr.Stderr)
		stage.RetryCount += execErr.Retries
	} else if outcome == models.StageOutcomeSucceeded && stage.Kind != models.StageApproval {
		stage.ExitStatus = 0
	}
	if stage.Kind != models.StageApproval && stage.OutputRef == "" {
		stage.OutputRef = provisioner.LogKey(stage.RunID, stage.ID)
	}
	if err := e.Store.UpdateStageExecution(context.WithoutCancel(ctx), stage); err != nil {
		getLog().Error().Err(err).Str("stage_id", stage.ID).Msg("Failed to update stage execution")
	}
}

// credential resolves the stage credential. Failure is fatal for the run.
func (e *Engine) credential(ctx context.Context, run *models.PipelineRun, stage *models.StageExecution) (*credentials.ScopedCredential, error) {
	return e.Broker.Resolve(ctx, stage.Kind, string(run.Environment))
}

func stageRequest(run *models.PipelineRun, stage *models.StageExecution, cred *credentials.ScopedCredential) provisioner.StageRequest {
	return provisioner.StageRequest{
		RunID:       run.ID,
		StageID:     stage.ID,
		ChangeRef:   run.ChangeRef,
		Environment: run.Environment,
		Env:         cred.Env(),
	}
}

// interrupted reports whether ctx ended; the stage is then left for the next
// driver instead of failing the run.
func interrupted(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil
}

func (e *Engine) validate(ctx context.Context, run *models.PipelineRun) error {
	stage, err := e.beginStage(ctx, run, models.StageValidate)
	if err != nil {
		return err
	}
	cred, err := e.credential(ctx, run, stage)
	if err != nil {
		return e.fail(ctx, run, stage, err)
	}
	defer e.Broker.Revoke(cred)

	if err := e.Executor.Validate(ctx, stageRequest(run, stage, cred)); err != nil {
		if interrupted(ctx, err) {
			return err
		}
		return e.fail(ctx, run, stage, &StageValidationError{Err: err})
	}

	e.finishStage(ctx, stage, models.StageOutcomeSucceeded, nil)
	return e.transition(ctx, run, models.PhasePlan, models.RunStatusRunning, models.StageValidate, "validated", nil)
}

func (e *Engine) plan(ctx context.Context, run *models.PipelineRun) error {
	stage, err := e.beginStage(ctx, run, models.StagePlan)
	if err != nil {
		return err
	}
	cred, err := e.credential(ctx, run, stage)
	if err != nil {
		return e.fail(ctx, run, stage, err)
	}
	defer e.Broker.Revoke(cred)

	artifact, err := e.Executor.Plan(ctx, provisioner.PlanRequest{
		StageRequest: stageRequest(run, stage, cred),
		UseBackend:   run.IsApplyClass(),
	})
	if err != nil {
		if interrupted(ctx, err) {
			return err
		}
		return e.fail(ctx, run, stage, err)
	}
	if err := e.Store.CreatePlanArtifact(ctx, artifact); err != nil {
		return fmt.Errorf("record plan artifact: %w", err)
	}
	run.PlanHash = artifact.ContentHash
	e.finishStage(ctx, stage, models.StageOutcomeSucceeded, nil)

	switch {
	case !run.IsApplyClass():
		return e.transition(ctx, run, models.PhaseDone, models.RunStatusSucceeded, models.StagePlan, "planned", nil)
	case !artifact.HasChanges:
		return e.transition(ctx, run, models.PhaseDone, models.RunStatusSucceeded, models.StagePlan, "no_changes", nil)
	}

	if err := e.transition(ctx, run, models.PhaseApproval, models.RunStatusAwaitingApproval, models.StagePlan, "planned", nil); err != nil {
		return err
	}
	_, err = e.openApproval(ctx, run, artifact.Changes)
	return err
}

// openApproval records the approval stage and its request. Both steps are
// idempotent, so a driver that crashed in between can redo them.
func (e *Engine) openApproval(ctx context.Context, run *models.PipelineRun, changes models.ResourceChanges) (*models.ApprovalRequest, error) {
	stage := run.LatestStage(models.StageApproval)
	if stage == nil || stage.Outcome != models.StageOutcomeRunning {
		stage = &models.StageExecution{
			ID:         uuid.New().String(),
			RunID:      run.ID,
			Kind:       models.StageApproval,
			Outcome:    models.StageOutcomeRunning,
			ExitStatus: models.NoExitStatus,
			StartedAt:  e.now(),
		}
		if err := e.Store.CreateStageExecution(ctx, stage); err != nil {
			return nil, fmt.Errorf("record approval stage: %w", err)
		}
		run.Stages = append(run.Stages, *stage)
	}

	ec, err := e.environment(run)
	if err != nil {
		return nil, err
	}
	role := approval.Role(ec.ApproverRole)
	if role == "" {
		role = approval.Role(e.approvalCfg.DefaultRole)
	}
	timeout := ec.ApprovalTimeout
	if timeout <= 0 {
		timeout = e.approvalCfg.DefaultTimeout
	}

	req, err := e.Gate.RequestApproval(ctx, stage, run.PlanHash, role, timeout)
	if err != nil {
		return nil, err
	}
	e.Auditor.Publish(protocol.ApprovalRequestedEvent{
		Metadata: protocol.NewMetadata(run.ID, "approval-"+req.ID),
		Request:  *req,
		Changes:  changes,
	})
	return req, nil
}

func (e *Engine) approval(ctx context.Context, run *models.PipelineRun) error {
	stage := run.LatestStage(models.StageApproval)
	var req *models.ApprovalRequest
	var err error
	if stage != nil && stage.Outcome == models.StageOutcomeRunning {
		req, err = e.Gate.ForStage(ctx, stage.ID)
		if err != nil {
			return fmt.Errorf("load approval: %w", err)
		}
	}
	if req == nil {
		if _, err := e.openApproval(ctx, run, nil); err != nil {
			return err
		}
		return nil
	}

	if req.Decision == models.DecisionPending {
		now := e.now()
		if now.Before(req.ExpiresAt) {
			return nil
		}
		if _, err := e.Gate.Expire(ctx, req.ID, now); err != nil {
			return err
		}
		req.Decision = models.DecisionExpired
	}

	switch req.Decision {
	case models.DecisionApproved:
		if req.PlanHash != run.PlanHash {
			e.finishStage(ctx, stage, models.StageOutcomeSuperseded, errors.New("approval covers a different plan"))
			return e.replan(ctx, run, "approval covers a different plan")
		}
		if err := e.checkPromotion(ctx, run); err != nil {
			e.finishStage(ctx, stage, models.StageOutcomeSucceeded, nil)
			return e.transition(ctx, run, models.PhaseFailed, models.RunStatusFailed, models.StageApproval, "promotion_denied", err)
		}
		e.finishStage(ctx, stage, models.StageOutcomeSucceeded, nil)
		return e.transition(ctx, run, models.PhaseApply, models.RunStatusRunning, models.StageApproval, "approved", nil)
	case models.DecisionRejected:
		cause := fmt.Errorf("rejected by %s", req.Approver)
		if req.Comment != "" {
			cause = fmt.Errorf("rejected by %s: %s", req.Approver, req.Comment)
		}
		e.finishStage(ctx, stage, models.StageOutcomeAborted, cause)
		return e.transition(ctx, run, models.PhaseAborted, models.RunStatusAborted, models.StageApproval, "rejected", cause)
	case models.DecisionExpired:
		cause := &approval.ApprovalTimeoutError{RequestID: req.ID, ExpiresAt: req.ExpiresAt}
		e.finishStage(ctx, stage, models.StageOutcomeAborted, cause)
		return e.transition(ctx, run, models.PhaseAborted, models.RunStatusAborted, models.StageApproval, "expired", cause)
	default:
		cause := errors.New("approval aborted")
		e.finishStage(ctx, stage, models.StageOutcomeAborted, cause)
		return e.transition(ctx, run, models.PhaseAborted, models.RunStatusAborted, models.StageApproval, "aborted", cause)
	}
}

// staleReason explains why the latest plan may not be applied, or returns "".
func (e *Engine) staleReason(ctx context.Context, run *models.PipelineRun, artifact *models.PlanArtifact) (string, error) {
	switch {
	case artifact == nil:
		return "no plan artifact", nil
	case artifact.ContentHash != run.PlanHash:
		return "plan hash does not match the approved plan", nil
	case !artifact.ValidAt(e.now()):
		return fmt.Sprintf("plan expired at %s", artifact.ExpiresAt.Format(time.RFC3339)), nil
	}
	if err := e.Executor.VerifyArtifact(ctx, artifact); err != nil {
		if errors.Is(err, provisioner.ErrPlanIntegrity) {
			return err.Error(), nil
		}
		return "", err
	}
	if artifact.UsedBackend {
		current, err := e.Executor.CurrentVersion(ctx, run.Environment)
		if err != nil {
			return "", fmt.Errorf("read tool version: %w", err)
		}
		planned := provisioner.VersionInfo{ToolVersion: artifact.ToolVersion, Providers: artifact.ProviderVersions}
		if !planned.Equal(current) {
			return fmt.Sprintf("tool or provider versions changed since plan (%s -> %s)", artifact.ToolVersion, current.ToolVersion), nil
		}
	}
	return "", nil
}

// replan sends the run back to PLAN, which will need a fresh approval, or
// fails it once the re-plan budget is spent.
func (e *Engine) replan(ctx context.Context, run *models.PipelineRun, reason string) error {
	cause := &StalePlanError{RunID: run.ID, Reason: reason}
	if run.ReplanCount >= e.maxReplans {
		return e.transition(ctx, run, models.PhaseFailed, models.RunStatusFailed, models.StageApply, "replan_limit",
			fmt.Errorf("%w after %d re-plans", cause, run.ReplanCount))
	}
	if prev := run.LatestStage(models.StagePlan); prev != nil && prev.Outcome == models.StageOutcomeSucceeded {
		prev.Outcome = models.StageOutcomeSuperseded
		if err := e.Store.UpdateStageExecution(ctx, prev); err != nil {
			getLog().Error().Err(err).Str("stage_id", prev.ID).Msg("Failed to supersede plan stage")
		}
	}
	run.ReplanCount++
	run.PlanHash = ""
	return e.transition(ctx, run, models.PhasePlan, models.RunStatusRunning, models.StageApply, "replan", cause)
}

func (e *Engine) apply(ctx context.Context, run *models.PipelineRun) error {
	if err := e.checkPromotion(ctx, run); err != nil {
		if errors.Is(err, ErrPromotion) {
			return e.transition(ctx, run, models.PhaseFailed, models.RunStatusFailed, models.StageApply, "promotion_denied", err)
		}
		return err
	}

	artifact, err := e.Store.GetLatestPlanArtifact(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load plan artifact: %w", err)
	}
	reason, err := e.staleReason(ctx, run, artifact)
	if err != nil {
		return err
	}
	if reason != "" {
		return e.replan(ctx, run, reason)
	}

	ec, err := e.environment(run)
	if err != nil {
		return err
	}
	stage, err := e.beginStage(ctx, run, models.StageApply)
	if err != nil {
		return err
	}

	holder := models.HolderFor(run.ID, models.StageApply)
	lock, retries, err := e.Locks.AcquireWithRetry(ctx, ec.ResourceKey, holder, 0)
	stage.RetryCount += retries
	if err != nil {
		if interrupted(ctx, err) {
			return err
		}
		return e.fail(ctx, run, stage, err)
	}
	// Released on every path, including cancellation.
	defer func() {
		if err := e.Locks.Release(context.WithoutCancel(ctx), lock); err != nil {
			getLog().Error().Err(err).Str("resource_key", lock.ResourceKey).Msg("Failed to release state lock")
		}
	}()

	keepAlive := e.Locks.KeepAlive(ctx, lock, 0)
	defer keepAlive.Stop()

	cred, err := e.credential(ctx, run, stage)
	if err != nil {
		return e.fail(ctx, run, stage, err)
	}
	defer e.Broker.Revoke(cred)

	applyCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	e.applying.Store(run.ID, cancel)
	defer e.applying.Delete(run.ID)
	go func() {
		select {
		case <-keepAlive.Lost():
			cancel(locks.ErrLockLost)
		case <-applyCtx.Done():
		}
	}()

	res, err := e.Executor.Apply(applyCtx, stageRequest(run, stage, cred), artifact, holder)
	if err != nil && errors.Is(context.Cause(applyCtx), ErrRunAborted) {
		// Abort already recorded the outcome; only the lock is left to free.
		getLog().Info().Str("run_id", run.ID).Msg("Apply stopped by abort")
		return nil
	}
	if err != nil {
		select {
		case <-keepAlive.Lost():
			return e.fail(ctx, run, stage, fmt.Errorf("%w during apply: %v", locks.ErrLockLost, keepAlive.Err()))
		default:
		}
		if interrupted(ctx, err) {
			return err
		}
		if errors.Is(err, provisioner.ErrStaleLock) {
			e.finishStage(ctx, stage, models.StageOutcomeAborted, err)
			return e.replan(ctx, run, err.Error())
		}
		return e.fail(ctx, run, stage, err)
	}

	stage.RetryCount += res.Retries
	e.finishStage(ctx, stage, models.StageOutcomeSucceeded, nil)
	run.LastDiagnostics = ""
	return e.transition(ctx, run, models.PhaseDone, models.RunStatusSucceeded, models.StageApply, "applied", nil)
}
