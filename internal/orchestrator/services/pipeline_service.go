// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package services holds the use cases shared by the HTTP API and the CLI:
// triggering runs, deciding approvals, aborting runs and administering locks.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/orchestrator/approval"
	"github.com/noldarim/shipyard/internal/orchestrator/database"
	"github.com/noldarim/shipyard/internal/orchestrator/engine"
	"github.com/noldarim/shipyard/internal/orchestrator/locks"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal/types"
	"github.com/noldarim/shipyard/internal/protocol"
)

var (
	pipelineLog     *zerolog.Logger
	pipelineLogOnce sync.Once
)

func getPipelineLog() *zerolog.Logger {
	pipelineLogOnce.Do(func() {
		l := logger.GetOrchestratorLogger().With().Str("component", "pipeline_service").Logger()
		pipelineLog = &l
	})
	return pipelineLog
}

// ErrForbidden means the caller lacks the role an operation requires.
var ErrForbidden = errors.New("forbidden")

// PipelineService encapsulates the pipeline use cases.
// Both the API server and the CLI (through the API) end up here.
type PipelineService struct {
	engine    Engine
	gate      Gate
	locks     LockAdmin
	store     Store
	driver    RunDriver
	publisher Publisher
}

// NewPipelineService creates a PipelineService with its dependencies.
func NewPipelineService(e Engine, gate Gate, lockAdmin LockAdmin, store Store, driver RunDriver, publisher Publisher) *PipelineService {
	return &PipelineService{
		engine:    e,
		gate:      gate,
		locks:     lockAdmin,
		store:     store,
		driver:    driver,
		publisher: publisher,
	}
}

// --- Result types ---

// TriggerResult is the outcome of Trigger.
type TriggerResult struct {
	Run *models.PipelineRun `json:"run"`
	// Created is false when the event was a duplicate of an existing run.
	Created bool `json:"created"`
}

// RunDetail is a run with its approval and plan artifacts.
type RunDetail struct {
	Run       *models.PipelineRun    `json:"run"`
	Approval  *models.ApprovalRequest `json:"approval,omitempty"`
	Artifacts []*models.PlanArtifact  `json:"artifacts,omitempty"`
}

// --- Commands ---

// Trigger records a run for a change event and starts its driver. The driver
// start is idempotent, so a duplicate event for a live run re-attaches to the
// running workflow instead of starting a second one. When the start fails the
// run stays recorded; a redelivered event or the reaper starts it later.
func (ps *PipelineService) Trigger(ctx context.Context, req engine.TriggerRequest) (*TriggerResult, error) {
	run, created, err := ps.engine.CreateRun(ctx, req)
	if err != nil {
		return nil, err
	}
	if !run.Status.IsTerminal() {
		if err := ps.driver.StartPipelineRun(ctx, run.ID); err != nil {
			getPipelineLog().Error().Err(err).Str("run_id", run.ID).Msg("Failed to start run driver; left for the reaper")
			return nil, fmt.Errorf("start driver for %s: %w", run.ID, err)
		}
	}
	getPipelineLog().Info().
		Str("run_id", run.ID).
		Bool("created", created).
		Str("environment", string(run.Environment)).
		Msg("Trigger accepted")
	return &TriggerResult{Run: run, Created: created}, nil
}

// DecideApproval records approver's decision on the pending approval of runID
// and wakes the run. A decision arriving after the deadline expires the
// request and still wakes the run so that it aborts promptly.
func (ps *PipelineService) DecideApproval(ctx context.Context, runID string, approver approval.Identity, decision models.Decision, comment string) (*models.ApprovalRequest, error) {
	req, err := ps.gate.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: no approval for run %s", approval.ErrNotFound, runID)
	}

	decided, err := ps.gate.Decide(ctx, req.ID, approver, decision, comment)
	switch {
	case err == nil:
		ps.wake(ctx, runID, types.ApprovalDecision{RequestID: decided.ID, Decision: decided.Decision, Approver: approver.ID})
		return decided, nil
	case errors.Is(err, approval.ErrApprovalTimeout):
		ps.wake(ctx, runID, types.ApprovalDecision{RequestID: req.ID, Decision: models.DecisionExpired})
		return nil, err
	default:
		return nil, err
	}
}

// wake signals the run driver. The decision is already persisted, so a failed
// signal only delays the run until its deadline timer fires.
func (ps *PipelineService) wake(ctx context.Context, runID string, decision types.ApprovalDecision) {
	if err := ps.driver.SignalApproval(ctx, runID, decision); err != nil {
		getPipelineLog().Error().Err(err).Str("run_id", runID).Msg("Failed to signal approval decision")
	}
}

// Abort cancels the driver of runID, then aborts the run. A cancelled driver
// stops its running stage, which releases any state lock it holds.
func (ps *PipelineService) Abort(ctx context.Context, runID, actor, reason string) (models.RunStatus, error) {
	if err := ps.driver.CancelRun(ctx, runID); err != nil {
		getPipelineLog().Warn().Err(err).Str("run_id", runID).Msg("Failed to cancel run driver")
	}
	return ps.engine.Abort(ctx, runID, actor, reason)
}

// ForceUnlock removes the lock on resourceKey. Only admins may do this; the
// override is always audited as critical and broadcast.
func (ps *PipelineService) ForceUnlock(ctx context.Context, resourceKey string, operator approval.Identity) (*locks.ForceUnlockResult, error) {
	if !operator.HasAtLeast(approval.RoleAdmin) {
		return nil, fmt.Errorf("%w: force unlock requires the %s role", ErrForbidden, approval.RoleAdmin)
	}
	result, err := ps.locks.ForceUnlock(ctx, resourceKey, operator.ID)
	if result == nil {
		return nil, err
	}

	event := protocol.LockForceReleasedEvent{
		Metadata:    protocol.NewMetadata("", "force-unlock-"+resourceKey),
		ResourceKey: resourceKey,
		Operator:    operator.ID,
		Warning:     result.Warning,
	}
	if result.Previous != nil {
		event.PreviousHolder = result.Previous.HolderID
	}
	ps.publisher.Publish(event)
	return result, err
}

// --- Queries ---

// GetRun returns a run with its current approval and plan artifacts.
func (ps *PipelineService) GetRun(ctx context.Context, runID string) (*RunDetail, error) {
	run, err := ps.engine.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	req, err := ps.gate.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	artifacts, err := ps.store.ListPlanArtifacts(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list plan artifacts: %w", err)
	}
	return &RunDetail{Run: run, Approval: req, Artifacts: artifacts}, nil
}

// ListRuns returns runs matching filter, newest first.
func (ps *PipelineService) ListRuns(ctx context.Context, filter database.RunFilter) ([]*models.PipelineRun, error) {
	return ps.store.ListPipelineRuns(ctx, filter)
}

// RunAudit returns the audit trail of a run in append order.
func (ps *PipelineService) RunAudit(ctx context.Context, runID string) ([]*models.AuditRecord, error) {
	if _, err := ps.engine.Get(ctx, runID); err != nil {
		return nil, err
	}
	return ps.store.ListAuditRecords(ctx, runID)
}

// LockStatus returns the state of one resource key with its audit trail.
func (ps *PipelineService) LockStatus(ctx context.Context, resourceKey string) (*locks.Status, []*models.AuditRecord, error) {
	status, err := ps.locks.Inspect(ctx, resourceKey)
	if err != nil {
		return nil, nil, err
	}
	records, err := ps.store.ListResourceAuditRecords(ctx, resourceKey)
	if err != nil {
		return nil, nil, fmt.Errorf("list lock audit: %w", err)
	}
	return status, records, nil
}

// ListLocks returns every known lock. When heldOnly is set, free and stale
// rows are omitted.
func (ps *PipelineService) ListLocks(ctx context.Context, heldOnly bool) ([]*locks.Status, error) {
	all, err := ps.locks.List(ctx)
	if err != nil {
		return nil, err
	}
	if !heldOnly {
		return all, nil
	}
	return lo.Filter(all, func(s *locks.Status, _ int) bool { return s.Held() }), nil
}
