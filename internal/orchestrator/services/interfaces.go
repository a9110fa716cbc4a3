// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"

	"github.com/noldarim/shipyard/internal/common"
	"github.com/noldarim/shipyard/internal/orchestrator/approval"
	"github.com/noldarim/shipyard/internal/orchestrator/database"
	"github.com/noldarim/shipyard/internal/orchestrator/engine"
	"github.com/noldarim/shipyard/internal/orchestrator/locks"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal/types"
)

// RunDriver starts, wakes and cancels the durable driver of a run.
// Owned by the services package so the temporal client and test fakes both
// satisfy it.
type RunDriver interface {
	StartPipelineRun(ctx context.Context, runID string) error
	SignalApproval(ctx context.Context, runID string, decision types.ApprovalDecision) error
	CancelRun(ctx context.Context, runID string) error
}

// Engine is the pipeline state machine.
type Engine interface {
	CreateRun(ctx context.Context, req engine.TriggerRequest) (*models.PipelineRun, bool, error)
	Get(ctx context.Context, runID string) (*models.PipelineRun, error)
	Abort(ctx context.Context, runID, actor, reason string) (models.RunStatus, error)
}

// Gate records approval decisions.
type Gate interface {
	Latest(ctx context.Context, runID string) (*models.ApprovalRequest, error)
	Decide(ctx context.Context, requestID string, approver approval.Identity, decision models.Decision, comment string) (*models.ApprovalRequest, error)
}

// LockAdmin inspects and overrides state locks.
type LockAdmin interface {
	Inspect(ctx context.Context, resourceKey string) (*locks.Status, error)
	List(ctx context.Context) ([]*locks.Status, error)
	ForceUnlock(ctx context.Context, resourceKey, operatorID string) (*locks.ForceUnlockResult, error)
}

// Store is the read side used by queries.
type Store interface {
	ListPipelineRuns(ctx context.Context, filter database.RunFilter) ([]*models.PipelineRun, error)
	ListAuditRecords(ctx context.Context, runID string) ([]*models.AuditRecord, error)
	ListResourceAuditRecords(ctx context.Context, resourceKey string) ([]*models.AuditRecord, error)
	ListPlanArtifacts(ctx context.Context, runID string) ([]*models.PlanArtifact, error)
}

// Publisher fans events out to subscribers.
type Publisher interface {
	Publish(event common.Event)
}
