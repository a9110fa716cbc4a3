// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine is the pipeline run state machine. Each call to Advance
// performs at most one phase transition and persists it, so any driver (a
// Temporal workflow, the reaper, a test) can resume a run after a crash.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/noldarim/shipyard/internal/common"
	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/orchestrator/approval"
	"github.com/noldarim/shipyard/internal/orchestrator/credentials"
	"github.com/noldarim/shipyard/internal/orchestrator/locks"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/internal/orchestrator/provisioner"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetOrchestratorLogger().With().Str("component", "engine").Logger()
		log = &l
	})
	return log
}

var tracer trace.Tracer = otel.Tracer("github.com/noldarim/shipyard/internal/orchestrator/engine")

// Store is the run persistence the engine needs.
type Store interface {
	CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error
	GetPipelineRun(ctx context.Context, runID string) (*models.PipelineRun, error)
	GetLatestRunByIdentity(ctx context.Context, identity string) (*models.PipelineRun, error)
	FindSucceededRun(ctx context.Context, kind models.RunKind, changeRef string, env models.Tier) (*models.PipelineRun, error)
	UpdateRunIfVersion(ctx context.Context, run *models.PipelineRun) error
	CreateStageExecution(ctx context.Context, stage *models.StageExecution) error
	UpdateStageExecution(ctx context.Context, stage *models.StageExecution) error
	CreatePlanArtifact(ctx context.Context, artifact *models.PlanArtifact) error
	GetLatestPlanArtifact(ctx context.Context, runID string) (*models.PlanArtifact, error)
}

// Locker is the state lock manager.
type Locker interface {
	AcquireWithRetry(ctx context.Context, resourceKey, holderID string, lease time.Duration) (*models.StateLock, int, error)
	Release(ctx context.Context, lock *models.StateLock) error
	ReleaseHolder(ctx context.Context, resourceKey, holderID string) error
	Inspect(ctx context.Context, resourceKey string) (*locks.Status, error)
	KeepAlive(ctx context.Context, lock *models.StateLock, interval time.Duration) *locks.KeepAlive
}

// Executor runs the provisioning tool.
type Executor interface {
	Validate(ctx context.Context, req provisioner.StageRequest) error
	Plan(ctx context.Context, req provisioner.PlanRequest) (*models.PlanArtifact, error)
	Apply(ctx context.Context, req provisioner.StageRequest, artifact *models.PlanArtifact, holderID string) (*provisioner.ApplyResult, error)
	VerifyArtifact(ctx context.Context, artifact *models.PlanArtifact) error
	CurrentVersion(ctx context.Context, env models.Tier) (provisioner.VersionInfo, error)
}

// Gate is the approval gate.
type Gate interface {
	RequestApproval(ctx context.Context, stage *models.StageExecution, planHash string, requiredRole approval.Role, timeout time.Duration) (*models.ApprovalRequest, error)
	ForStage(ctx context.Context, stageID string) (*models.ApprovalRequest, error)
	Expire(ctx context.Context, requestID string, now time.Time) (bool, error)
	Cancel(ctx context.Context, runID string) (int64, error)
}

// Broker hands out stage credentials.
type Broker interface {
	Resolve(ctx context.Context, stage models.StageKind, environment string) (*credentials.ScopedCredential, error)
	Revoke(cred *credentials.ScopedCredential)
}

// Auditor appends audit records and publishes events.
type Auditor interface {
	Record(ctx context.Context, rec *models.AuditRecord) error
	Publish(event common.Event)
}

// Deps bundles the engine collaborators.
type Deps struct {
	Store    Store
	Locks    Locker
	Executor Executor
	Gate     Gate
	Broker   Broker
	Auditor  Auditor
}

// Engine is the pipeline orchestrator state machine.
type Engine struct {
	Deps
	environments map[string]config.EnvironmentConfig
	approvalCfg  config.ApprovalConfig
	maxReplans   int
	now          func() time.Time

	// applying maps a run ID to the cancel func of the apply this process runs.
	applying sync.Map
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine.
func New(deps Deps, cfg *config.AppConfig, opts ...Option) *Engine {
	e := &Engine{
		Deps:         deps,
		environments: cfg.Environments,
		approvalCfg:  cfg.Approval,
		maxReplans:   cfg.Pipeline.MaxReplans,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TriggerRequest is a normalized change event.
type TriggerRequest struct {
	Kind        models.RunKind `json:"kind" yaml:"kind"`
	ChangeRef   string         `json:"change_ref" yaml:"change_ref"`
	Branch      string         `json:"branch,omitempty" yaml:"branch,omitempty"`
	Environment models.Tier    `json:"environment" yaml:"environment"`
	PRNumber    int            `json:"pr_number,omitempty" yaml:"pr_number,omitempty"`
	Actor       string         `json:"actor,omitempty" yaml:"actor,omitempty"`
	// LinkedRunID names the staging run a production run promotes.
	LinkedRunID string `json:"linked_run_id,omitempty" yaml:"linked_run_id,omitempty"`
}

func (r TriggerRequest) validate(envs map[string]config.EnvironmentConfig) error {
	switch r.Kind {
	case models.RunKindPullRequest, models.RunKindMerge:
	default:
		return invalidTrigger("unknown kind %q", r.Kind)
	}
	if strings.TrimSpace(r.ChangeRef) == "" {
		return invalidTrigger("change_ref is required")
	}
	if !r.Environment.Valid() {
		return invalidTrigger("unknown environment %q", r.Environment)
	}
	if _, ok := envs[string(r.Environment)]; !ok {
		return invalidTrigger("environment %q is not configured", r.Environment)
	}
	if r.Kind == models.RunKindPullRequest && r.PRNumber <= 0 {
		return invalidTrigger("pull request events need a pr_number")
	}
	return nil
}

// CreateRun records a new run for a change event. A duplicate event for a run
// that is still live returns that run with created=false; an event for a
// change whose last attempt failed or was aborted starts a new attempt.
// Production runs are rejected with a *PromotionError unless staging already
// succeeded for the same change.
func (e *Engine) CreateRun(ctx context.Context, req TriggerRequest) (*models.PipelineRun, bool, error) {
	if err := req.validate(e.environments); err != nil {
		return nil, false, err
	}

	identity := models.ComputeRunIdentity(req.Kind, req.ChangeRef, req.Environment, req.PRNumber)
	latest, err := e.Store.GetLatestRunByIdentity(ctx, identity)
	if err != nil {
		return nil, false, fmt.Errorf("look up run identity: %w", err)
	}
	attempt := 1
	if latest != nil {
		if !latest.Status.IsTerminal() || latest.Status == models.RunStatusSucceeded {
			getLog().Info().Str("run_id", latest.ID).Msg("Duplicate trigger, returning existing run")
			return latest, false, nil
		}
		attempt = latest.Attempt + 1
	}

	run := &models.PipelineRun{
		ID:          models.ComputeRunID(identity, attempt),
		IdentityKey: identity,
		Attempt:     attempt,
		Kind:        req.Kind,
		ChangeRef:   req.ChangeRef,
		Branch:      req.Branch,
		PRNumber:    req.PRNumber,
		Environment: req.Environment,
		TriggeredBy: req.Actor,
		Status:      models.RunStatusPending,
		Phase:       models.PhaseValidate,
	}

	if run.IsApplyClass() && run.Environment == models.TierProduction {
		staging, err := e.promotionSource(ctx, run, req.LinkedRunID)
		if err != nil {
			return nil, false, err
		}
		run.PromotedFromRunID = staging.ID
	}

	if err := e.Store.CreatePipelineRun(ctx, run); err != nil {
		return nil, false, fmt.Errorf("create run: %w", err)
	}

	e.audit(ctx, run, &models.AuditRecord{
		Actor:   req.Actor,
		Outcome: "triggered",
		ToPhase: run.Phase.String(),
		Detail:  fmt.Sprintf("%s of %s to %s", run.Kind, run.ChangeRef, run.Environment),
	})
	getLog().Info().
		Str("run_id", run.ID).
		Str("kind", string(run.Kind)).
		Str("change_ref", run.ChangeRef).
		Str("environment", string(run.Environment)).
		Int("attempt", attempt).
		Msg("Pipeline run created")
	return run, true, nil
}

// promotionSource finds the successful staging run a production run promotes.
func (e *Engine) promotionSource(ctx context.Context, run *models.PipelineRun, linkedRunID string) (*models.PipelineRun, error) {
	if linkedRunID != "" {
		linked, err := e.Store.GetPipelineRun(ctx, linkedRunID)
		if err != nil {
			return nil, fmt.Errorf("load linked run: %w", err)
		}
		switch {
		case linked == nil:
			return nil, &PromotionError{ChangeRef: run.ChangeRef, Reason: fmt.Sprintf("linked run %s does not exist", linkedRunID)}
		case linked.Environment != models.TierStaging || linked.Kind != models.RunKindMerge:
			return nil, &PromotionError{ChangeRef: run.ChangeRef, Reason: fmt.Sprintf("linked run %s is not a staging merge", linkedRunID)}
		case linked.ChangeRef != run.ChangeRef:
			return nil, &PromotionError{ChangeRef: run.ChangeRef, Reason: fmt.Sprintf("linked run %s built %s", linkedRunID, linked.ChangeRef)}
		case linked.Status != models.RunStatusSucceeded:
			return nil, &PromotionError{ChangeRef: run.ChangeRef, Reason: fmt.Sprintf("linked run %s is %s", linkedRunID, linked.Status)}
		}
		return linked, nil
	}

	staging, err := e.Store.FindSucceededRun(ctx, models.RunKindMerge, run.ChangeRef, models.TierStaging)
	if err != nil {
		return nil, fmt.Errorf("find staging run: %w", err)
	}
	if staging == nil {
		return nil, &PromotionError{ChangeRef: run.ChangeRef, Reason: "no successful staging run"}
	}
	return staging, nil
}

// checkPromotion re-validates the promotion source of a production run.
func (e *Engine) checkPromotion(ctx context.Context, run *models.PipelineRun) error {
	if run.Environment != models.TierProduction || !run.IsApplyClass() {
		return nil
	}
	staging, err := e.promotionSource(ctx, run, run.PromotedFromRunID)
	if err != nil {
		return err
	}
	run.PromotedFromRunID = staging.ID
	return nil
}

// Get loads a run with its stages.
func (e *Engine) Get(ctx context.Context, runID string) (*models.PipelineRun, error) {
	run, err := e.Store.GetPipelineRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

func (e *Engine) environment(run *models.PipelineRun) (config.EnvironmentConfig, error) {
	ec, ok := e.environments[string(run.Environment)]
	if !ok {
		return config.EnvironmentConfig{}, fmt.Errorf("environment %q is not configured", run.Environment)
	}
	return ec, nil
}

func (e *Engine) audit(ctx context.Context, run *models.PipelineRun, rec *models.AuditRecord) {
	rec.RunID = run.ID
	if ec, ok := e.environments[string(run.Environment)]; ok && rec.ResourceKey == "" {
		rec.ResourceKey = ec.ResourceKey
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = e.now()
	}
	if err := e.Auditor.Record(context.WithoutCancel(ctx), rec); err != nil {
		getLog().Error().Err(err).Str("run_id", run.ID).Str("outcome", rec.Outcome).Msg("Failed to append audit record")
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
