// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/shipyard/internal/common"
	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/orchestrator/approval"
	"github.com/noldarim/shipyard/internal/orchestrator/audit"
	"github.com/noldarim/shipyard/internal/orchestrator/credentials"
	"github.com/noldarim/shipyard/internal/orchestrator/database"
	"github.com/noldarim/shipyard/internal/orchestrator/locks"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/internal/orchestrator/provisioner"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeExecutor stands in for the provisioning tool. Apply enforces the lock
// requirement through the real lock manager.
type fakeExecutor struct {
	mu         sync.Mutex
	clock      *testClock
	locks      *locks.Manager
	envs       map[string]config.EnvironmentConfig
	validity   time.Duration
	plans      int
	applies    int
	validate   error
	interrupt  context.CancelFunc
	planErr    error
	noChanges  bool
	applyErr   error
	verifyErr  error
	version    provisioner.VersionInfo
	lockedSeen bool
	planReqs   []provisioner.PlanRequest
	// applyStarted is closed once Apply holds the lock; Apply then waits for
	// applyExit, even when cancelled, like a tool that takes time to stop.
	applyStarted chan struct{}
	applyExit    chan struct{}
}

func (f *fakeExecutor) Validate(_ context.Context, req provisioner.StageRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Env[credentials.TokenEnvVar] == "" {
		return errors.New("no stage credential")
	}
	if f.interrupt != nil {
		f.interrupt()
		f.interrupt = nil
		return context.Canceled
	}
	return f.validate
}

func (f *fakeExecutor) Plan(_ context.Context, req provisioner.PlanRequest) (*models.PlanArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.planReqs = append(f.planReqs, req)
	if f.planErr != nil {
		return nil, f.planErr
	}
	f.plans++
	now := f.clock.Now()
	id := fmt.Sprintf("artifact-%d", f.plans)
	return &models.PlanArtifact{
		ID:               id,
		RunID:            req.RunID,
		StageID:          req.StageID,
		ContentHash:      fmt.Sprintf("hash-%d", f.plans),
		Changes:          models.ResourceChanges{{Address: "aws_s3_bucket.logs", Type: "aws_s3_bucket", Action: models.ActionCreate}},
		HasChanges:       !f.noChanges,
		ObjectKey:        provisioner.PlanKey(req.RunID, id),
		SourceCommit:     req.ChangeRef,
		ToolVersion:      "1.9.5",
		ProviderVersions: models.StringMap{"aws": "5.62.0"},
		UsedBackend:      req.UseBackend,
		CreatedAt:        now,
		ExpiresAt:        now.Add(f.validity),
	}, nil
}

func (f *fakeExecutor) Apply(ctx context.Context, req provisioner.StageRequest, _ *models.PlanArtifact, holderID string) (*provisioner.ApplyResult, error) {
	key := f.envs[string(req.Environment)].ResourceKey
	held, err := f.locks.Holds(ctx, key, holderID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	if !held {
		f.mu.Unlock()
		return nil, &provisioner.StaleLockError{ResourceKey: key, HolderID: holderID}
	}
	f.lockedSeen = true
	f.applies++
	applyErr, started, exit := f.applyErr, f.applyStarted, f.applyExit
	f.mu.Unlock()

	if started != nil {
		close(started)
		<-exit
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if applyErr != nil {
		return nil, applyErr
	}
	return &provisioner.ApplyResult{Output: "Apply complete!"}, nil
}

func (f *fakeExecutor) VerifyArtifact(context.Context, *models.PlanArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyErr
}

func (f *fakeExecutor) CurrentVersion(context.Context, models.Tier) (provisioner.VersionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, nil
}

type harness struct {
	t      *testing.T
	cfg    *config.AppConfig
	clock  *testClock
	db     *database.GormDB
	engine *Engine
	exec   *fakeExecutor
	locks  *locks.Manager
	gate   *approval.Gate
	broker *credentials.Broker
	events chan common.Event
}

func newHarness(t *testing.T, mutate ...func(*config.AppConfig)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Credentials.SigningKey = "engine-test-key"
	cfg.Locks.Acquire = config.BackoffConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	for _, m := range mutate {
		m(cfg)
	}

	clock := &testClock{t: time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)}
	db := database.UseFreshInMemoryDatabase(t).DB
	events := make(chan common.Event, 1000)
	recorder := audit.NewRecorder(db, events)

	lockMgr := locks.NewManager(db, recorder, cfg.Locks, locks.WithClock(clock.Now))
	gate := approval.NewGate(db, recorder, approval.Role(cfg.Approval.DefaultRole), cfg.Approval.DefaultTimeout, approval.WithClock(clock.Now))
	broker := credentials.NewBroker(cfg.Credentials, cfg.Environments, credentials.WithClock(clock.Now))
	t.Cleanup(broker.Close)

	exec := &fakeExecutor{
		clock:    clock,
		locks:    lockMgr,
		envs:     cfg.Environments,
		validity: cfg.Pipeline.PlanValidity,
		version:  provisioner.VersionInfo{ToolVersion: "1.9.5", Providers: map[string]string{"aws": "5.62.0"}},
	}

	e := New(Deps{
		Store:    db,
		Locks:    lockMgr,
		Executor: exec,
		Gate:     gate,
		Broker:   broker,
		Auditor:  recorder,
	}, cfg, WithClock(clock.Now))

	return &harness{t: t, cfg: cfg, clock: clock, db: db, engine: e, exec: exec, locks: lockMgr, gate: gate, broker: broker, events: events}
}

func (h *harness) trigger(req TriggerRequest) *models.PipelineRun {
	h.t.Helper()
	run, created, err := h.engine.CreateRun(context.Background(), req)
	require.NoError(h.t, err)
	require.True(h.t, created)
	return run
}

func (h *harness) advance(runID string) models.RunStatus {
	h.t.Helper()
	status, err := h.engine.Advance(context.Background(), runID)
	require.NoError(h.t, err)
	return status
}

func (h *harness) run(runID string) *models.PipelineRun {
	h.t.Helper()
	run, err := h.engine.Get(context.Background(), runID)
	require.NoError(h.t, err)
	return run
}

func (h *harness) auditCount(runID string) int64 {
	h.t.Helper()
	n, err := h.db.CountAuditRecords(context.Background(), runID)
	require.NoError(h.t, err)
	return n
}

func (h *harness) approve(runID string, who approval.Identity) {
	h.t.Helper()
	req, err := h.gate.Latest(context.Background(), runID)
	require.NoError(h.t, err)
	require.NotNil(h.t, req)
	_, err = h.gate.Decide(context.Background(), req.ID, who, models.DecisionApproved, "ship it")
	require.NoError(h.t, err)
}

// succeedStaging drives a staging merge of changeRef to DONE.
func (h *harness) succeedStaging(changeRef string) *models.PipelineRun {
	h.t.Helper()
	run := h.trigger(TriggerRequest{Kind: models.RunKindMerge, ChangeRef: changeRef, Environment: models.TierStaging, Actor: "ci"})
	h.advance(run.ID)
	h.advance(run.ID)
	h.approve(run.ID, approver)
	h.advance(run.ID)
	require.Equal(h.t, models.RunStatusSucceeded, h.advance(run.ID))
	return h.run(run.ID)
}

var approver = approval.Identity{ID: "alice", Roles: []approval.Role{approval.RoleApprover}}

func TestPullRequestRun_ValidatesAndPlans(t *testing.T) {
	h := newHarness(t)
	run := h.trigger(TriggerRequest{Kind: models.RunKindPullRequest, ChangeRef: "abc123", PRNumber: 42, Environment: models.TierStaging, Actor: "dev"})
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Equal(t, models.PhaseValidate, run.Phase)

	assert.Equal(t, models.RunStatusRunning, h.advance(run.ID))
	assert.Equal(t, models.PhasePlan, h.run(run.ID).Phase)

	assert.Equal(t, models.RunStatusSucceeded, h.advance(run.ID))
	got := h.run(run.ID)
	assert.Equal(t, models.PhaseDone, got.Phase)
	assert.NotEmpty(t, got.PlanHash)
	assert.NotNil(t, got.CompletedAt)
	require.Len(t, got.Stages, 2)
	for _, s := range got.Stages {
		assert.Equal(t, models.StageOutcomeSucceeded, s.Outcome)
		assert.Equal(t, 0, s.ExitStatus)
		assert.Equal(t, provisioner.LogKey(run.ID, s.ID), s.OutputRef)
	}
	require.Len(t, h.exec.planReqs, 1)
	assert.False(t, h.exec.planReqs[0].UseBackend)
	assert.Zero(t, h.exec.applies)
	assert.Zero(t, h.broker.Active(), "stage credentials are revoked at the stage boundary")
}

func TestAdvance_TerminalRunHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	run := h.trigger(TriggerRequest{Kind: models.RunKindPullRequest, ChangeRef: "abc123", PRNumber: 1, Environment: models.TierFeature})
	h.advance(run.ID)
	require.Equal(t, models.RunStatusSucceeded, h.advance(run.ID))

	before := h.auditCount(run.ID)
	version := h.run(run.ID).Version
	for i := 0; i < 3; i++ {
		assert.Equal(t, models.RunStatusSucceeded, h.advance(run.ID))
	}
	assert.Equal(t, before, h.auditCount(run.ID))
	assert.Equal(t, version, h.run(run.ID).Version)
}

func TestValidationFailure(t *testing.T) {
	h := newHarness(t)
	h.exec.validate = &provisioner.ExecutionError{Command: "fmt -check -recursive", ExitCode: 3, Stderr: "main.tf\n"}
	run := h.trigger(TriggerRequest{Kind: models.RunKindPullRequest, ChangeRef: "abc123", PRNumber: 7, Environment: models.TierFeature})

	status, err := h.engine.Advance(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, status)

	got := h.run(run.ID)
	assert.Equal(t, models.PhaseFailed, got.Phase)
	assert.Contains(t, got.LastError, "validation failed")
	assert.Equal(t, "main.tf", got.LastDiagnostics)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, 3, got.Stages[0].ExitStatus)
	assert.Equal(t, models.StageOutcomeFailed, got.Stages[0].Outcome)
}

func TestStagingMerge_FullLifecycle(t *testing.T) {
	h := newHarness(t)
	run := h.trigger(TriggerRequest{Kind: models.RunKindMerge, ChangeRef: "abc123", Environment: models.TierStaging, Actor: "ci"})

	h.advance(run.ID)
	assert.Equal(t, models.RunStatusAwaitingApproval, h.advance(run.ID))
	require.Len(t, h.exec.planReqs, 1)
	assert.True(t, h.exec.planReqs[0].UseBackend)

	req, err := h.gate.Latest(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, models.DecisionPending, req.Decision)
	assert.Equal(t, h.run(run.ID).PlanHash, req.PlanHash)
	assert.True(t, h.clock.Now().Add(4*time.Hour).Equal(req.ExpiresAt))

	// Waiting consumes nothing and records nothing.
	before := h.auditCount(run.ID)
	assert.Equal(t, models.RunStatusAwaitingApproval, h.advance(run.ID))
	assert.Equal(t, before, h.auditCount(run.ID))

	h.approve(run.ID, approver)
	assert.Equal(t, models.RunStatusRunning, h.advance(run.ID))
	assert.Equal(t, models.PhaseApply, h.run(run.ID).Phase)

	assert.Equal(t, models.RunStatusSucceeded, h.advance(run.ID))
	assert.True(t, h.exec.lockedSeen)

	status, err := h.locks.Inspect(context.Background(), "infra/staging")
	require.NoError(t, err)
	assert.Nil(t, status.Lock, "the lock is released after apply")
	assert.Zero(t, h.broker.Active())

	records, err := h.db.ListAuditRecords(context.Background(), run.ID)
	require.NoError(t, err)
	var outcomes []string
	for _, r := range records {
		outcomes = append(outcomes, r.Outcome)
	}
	assert.Equal(t, []string{"triggered", "validated", "planned", "approval_approved", "approved", "applied"}, outcomes)
}

func TestStagingMerge_NoChangesSkipsApproval(t *testing.T) {
	h := newHarness(t)
	h.exec.noChanges = true
	run := h.trigger(TriggerRequest{Kind: models.RunKindMerge, ChangeRef: "abc123", Environment: models.TierStaging})
	h.advance(run.ID)
	assert.Equal(t, models.RunStatusSucceeded, h.advance(run.ID))
	assert.Zero(t, h.exec.applies)
}

func TestFeatureMerge_IsValidationOnly(t *testing.T) {
	h := newHarness(t)
	run := h.trigger(TriggerRequest{Kind: models.RunKindMerge, ChangeRef: "abc123", Environment: models.TierFeature})
	h.advance(run.ID)
	assert.Equal(t, models.RunStatusSucceeded, h.advance(run.ID))
	assert.False(t, h.exec.planReqs[0].UseBackend)
}

func TestProductionRequiresSuccessfulStaging(t *testing.T) {
	h := newHarness(t)
	prod := TriggerRequest{Kind: models.RunKindMerge, ChangeRef: "abc123", Environment: models.TierProduction}

	_, _, err := h.engine.CreateRun(context.Background(), prod)
	var promo *PromotionError
	require.True(t, errors.As(err, &promo))
	assert.ErrorIs(t, err, ErrPromotion)

	staging := h.succeedStaging("abc123")

	wrong := prod
	wrong.LinkedRunID = "run-unknown"
	_, _, err = h.engine.CreateRun(context.Background(), wrong)
	assert.ErrorIs(t, err, ErrPromotion)

	run := h.trigger(prod)
	assert.Equal(t, staging.ID, run.PromotedFromRunID)

	other := TriggerRequest{Kind: models.RunKindMerge, ChangeRef: "def456", Environment: models.TierProduction, LinkedRunID: staging.ID}
	_, _, err = h.engine.CreateRun(context.Background(), other)
	assert.ErrorIs(t, err, ErrPromotion, "the linked run built a different change")
}

func TestProductionPromotionIsRecheckedBeforeApply(t *testing.T) {
	h := newHarness(t)
	staging := h.succeedStaging("abc123")
	run := h.trigger(TriggerRequest{Kind: models.RunKindMerge, ChangeRef: "abc123", Environment: models.TierProduction})

	h.advance(run.ID)
	require.Equal(t, models.RunStatusAwaitingApproval, h.advance(run.ID))
	stagingApplies := h.exec.applies

	// The staging result is invalidated while production waits.
	staging.Status = models.RunStatusFailed
	require.NoError(t, h.db.UpdateRunIfVersion(context.Background(), staging))

	h.approve(run.ID, approver)
	assert.Equal(t, models.RunStatusFailed, h.advance(run.ID))
	got := h.run(run.ID)
	assert.Contains(t, got.LastError, "cannot be promoted")
	assert.Nil(t, got.LatestStage(models.StageApply), "production never reached APPLY")
	assert.Equal(t, stagingApplies, h.exec.applies)
}

func TestApprovalExpiresExactlyAtDeadline(t *testing.T) {
	h := newHarness(t)
	h.succeedStaging("abc123")
	run := h.trigger(TriggerRequest{Kind: models.RunKindMerge, ChangeRef: "abc123", Environment: models.TierProduction})
	h.advance(run.ID)
	h.advance(run.ID)

	req, err := h.gate.Latest(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, req.ExpiresAt.Sub(req.RequestedAt))

	h.clock.Advance(time.Hour - time.Nanosecond)
	assert.Equal(t, models.RunStatusAwaitingApproval, h.advance(run.ID))

	h.clock.Advance(time.Nanosecond)
	assert.Equal(t, models.RunStatusAborted, h.advance(run.ID))

	req, err = h.gate.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionExpired, req.Decision)
	assert.Contains(t, h.run(run.ID).LastError, "expired")
}

func TestRejectedApprovalAbortsRun(t *testing.T) {
	h := newHarness(t)
	run := h.trigger(TriggerRequest{Kind: models.RunKindMerge, ChangeRef: "abc123", Environment: models.TierStaging})
	h.advance(run.ID)
	h.advance(run.ID)

	req, err := h.gate.Latest(context.Background(), run.ID)
	require.NoError(t, err)
	_, err = h.gate.Decide(context.Background(), req.ID, approver, models.DecisionRejected, "wrong bucket")
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusAborted, h.advance(run.ID))
	assert.Contains(t, h.run(run.ID).LastError, "wrong bucket")
}

func TestApplyFailureKeepsArtifactAndReleasesLock(t *testing.T) {
	h := newHarness(t)
	h.exec.applyErr = &provisioner.ExecutionError{Command: "apply", ExitCode: 1, Stderr: "Error: creating S3 Bucket: BucketAlreadyExists\n"}
	run := h.trigger(TriggerRequest{Kind: models.RunKindMerge, ChangeRef: "abc123", Environment: models.TierStaging})
	h.advance(run.ID)
	h.advance(run.ID)
	h.approve(run.ID, approver)
	h.advance(run.ID)

	assert.Equal(t, models.RunStatusFailed, h.advance(run.ID))
	got := h.run(run.ID)
	assert.Contains(t, got.LastDiagnostics, "BucketAlreadyExists")
	applyStage := got.LatestStage(models.StageApply)
	require.NotNil(t, applyStage)
	assert.Equal(t, 1, applyStage.ExitStatus)

	artifact, err := h.db.GetLatestPlanArtifact(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Equal(t, got.PlanHash, artifact.ContentHash)

	status, err := h.locks.Inspect(context.Background(), "infra/staging")
	require.NoError(t, err)
	assert.Nil(t, status.Lock)
}

func TestApplyFailsOnLockConflict(t *testing.T) {
	h := newHarness(t)
	run := h.trigger(TriggerRequest{Kind: models.RunKindMerge, ChangeRef: "abc123", Environment: models.TierStaging})
	h.advance(run.ID)
	h.advance(run.ID)
	h.approve(run.ID, approver)
	h.advance(run.ID)

	_, err := h.locks.Acquire(context.Background(), "infra/staging", "run-other:APPLY", 0)
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, h.advance(run.ID))
	got := h.run(run.ID)
	assert.Contains(t, got.LastError, "run-other:APPLY")
	assert.Equal(t, 1, got.LatestStage(models.StageApply).RetryCount)
	assert.Zero(t, h.exec.applies)

	held, err := h.locks.Holds(context.Background(), "infra/staging", "run-other:APPLY")
	require.NoError(t, err)
	assert.True(t, held, "the other holder keeps its lock")
}

func TestPullRequestPlanRunsWhileApplyHoldsLock(t *testing.T) {
	h := newHarness(t)
	_, err := h.locks.Acquire(context.Background(), "infra/staging", "run-busy:APPLY", 0)
	require.NoError(t, err)

	run := h.trigger(TriggerRequest{Kind: models.RunKindPullRequest, ChangeRef: "abc123", PRNumber: 9, Environment: models.TierStaging})
	h.advance(run.ID)
	assert.Equal(t, models.RunStatusSucceeded, h.advance(run.ID))
}

func TestStalePlanTriggersReplan(t *testing.T) {
	h := newHarness(t, func(c *config.AppConfig) { c.Pipeline.MaxReplans = 1 })
	run := h.trigger(TriggerRequest{Kind: models.RunKindMerge, ChangeRef: "abc123", Environment: models.TierStaging})
	h.advance(run.ID)
	h.advance(run.ID)
	h.approve(run.ID, approver)
	h.advance(run.ID)
	firstHash := h.run(run.ID).PlanHash

	// The plan outlives its validity window before apply starts.
	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, models.RunStatusRunning, h.advance(run.ID))
	got := h.run(run.ID)
	assert.Equal(t, models.PhasePlan, got.Phase)
	assert.Equal(t, 1, got.ReplanCount)
	assert.Zero(t, h.exec.applies)

	// A fresh plan needs a fresh approval.
	assert.Equal(t, models.RunStatusAwaitingApproval, h.advance(run.ID))
	assert.NotEqual(t, firstHash, h.run(run.ID).PlanHash)
	h.approve(run.ID, approver)
	h.advance(run.ID)

	// Provider drift after the second approval exhausts the re-plan budget.
	h.exec.version = provisioner.VersionInfo{ToolVersion: "1.10.0", Providers: map[string]string{"aws": "5.62.0"}}
	assert.Equal(t, models.RunStatusFailed, h.advance(run.ID))
	assert.Contains(t, h.run(run.ID).LastError, "re-plans")
	assert.Zero(t, h.exec.applies)
}

func TestTamperedPlanTriggersReplan(t *testing.T) {
	h := newHarness(t)
	h.exec.verifyErr = fmt.Errorf("%w: artifact-1", provisioner.ErrPlanIntegrity)
	run := h.trigger(TriggerRequest{Kind: models.RunKindMerge, ChangeRef: "abc123", Environment: models.TierStaging})
	h.advance(run.ID)
	h.advance(run.ID)
	h.approve(run.ID, approver)
	h.advance(run.ID)

	h.advance(run.ID)
	got := h.run(run.ID)
	assert.Equal(t, models.PhasePlan, got.Phase)
	assert.Contains(t, got.LastError, "does not match")
}

func TestCredentialResolutionFailsClosed(t *testing.T) {
	h := newHarness(t, func(c *config.AppConfig) { c.Credentials.SigningKey = "" })
	run := h.trigger(TriggerRequest{Kind: models.RunKindPullRequest, ChangeRef: "abc123", PRNumber: 3, Environment: models.TierFeature})

	assert.Equal(t, models.RunStatusFailed, h.advance(run.ID))
	assert.Contains(t, h.run(run.ID).LastError, credentials.ErrResolution.Error())
}

func TestAbort(t *testing.T) {
	h := newHarness(t)
	run := h.trigger(TriggerRequest{Kind: models.RunKindMerge, ChangeRef: "abc123", Environment: models.TierStaging})
	h.advance(run.ID)
	h.advance(run.ID)

	status, err := h.engine.Abort(context.Background(), run.ID, "bob", "wrong change")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, status)

	req, err := h.gate.Latest(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionAborted, req.Decision)

	got := h.run(run.ID)
	assert.Contains(t, got.LastError, "bob")
	approvalStage := got.LatestStage(models.StageApproval)
	assert.Equal(t, models.StageOutcomeAborted, approvalStage.Outcome)

	records, err := h.db.ListAuditRecords(context.Background(), run.ID)
	require.NoError(t, err)
	last := records[len(records)-1]
	assert.Equal(t, "bob", last.Actor)
	assert.Equal(t, "aborted", last.Outcome)

	before := h.auditCount(run.ID)
	status, err = h.engine.Abort(context.Background(), run.ID, "bob", "again")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, status)
	assert.Equal(t, before, h.auditCount(run.ID))
}

// approvedStagingRun drives a staging merge up to its APPLY phase.
func (h *harness) approvedStagingRun() *models.PipelineRun {
	h.t.Helper()
	run := h.trigger(TriggerRequest{Kind: models.RunKindMerge, ChangeRef: "abc123", Environment: models.TierStaging})
	h.advance(run.ID)
	h.advance(run.ID)
	h.approve(run.ID, approver)
	h.advance(run.ID)
	require.Equal(h.t, models.PhaseApply, h.run(run.ID).Phase)
	return run
}

func TestAbortDuringApplyKeepsLockUntilToolExits(t *testing.T) {
	h := newHarness(t)
	run := h.approvedStagingRun()
	ctx := context.Background()

	h.exec.applyStarted = make(chan struct{})
	h.exec.applyExit = make(chan struct{})
	advanced := make(chan error, 1)
	go func() {
		_, err := h.engine.Advance(ctx, run.ID)
		advanced <- err
	}()
	select {
	case <-h.exec.applyStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("apply never started")
	}

	status, err := h.engine.Abort(ctx, run.ID, "ops", "bad change")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, status)

	_, err = h.locks.Acquire(ctx, "infra/staging", "run-other:APPLY", 0)
	assert.ErrorIs(t, err, locks.ErrLockConflict, "the lock stays with the apply until the tool exits")

	close(h.exec.applyExit)
	select {
	case err := <-advanced:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("apply did not return after abort")
	}

	_, err = h.locks.Acquire(ctx, "infra/staging", "run-other:APPLY", 0)
	require.NoError(t, err)

	got := h.run(run.ID)
	assert.Equal(t, models.RunStatusAborted, got.Status)
	assert.Equal(t, models.StageOutcomeAborted, got.LatestStage(models.StageApply).Outcome)
	assert.Contains(t, got.LastError, "bad change")
}

func TestAbortLeavesLiveLeaseOfAbsentDriver(t *testing.T) {
	h := newHarness(t)
	run := h.approvedStagingRun()

	// A driver in another process is applying and renewing the lease.
	holder := models.HolderFor(run.ID, models.StageApply)
	_, err := h.locks.Acquire(context.Background(), "infra/staging", holder, 0)
	require.NoError(t, err)

	_, err = h.engine.Abort(context.Background(), run.ID, "ops", "")
	require.NoError(t, err)
	held, err := h.locks.Holds(context.Background(), "infra/staging", holder)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestAbortReleasesLapsedApplyLock(t *testing.T) {
	h := newHarness(t)
	run := h.approvedStagingRun()

	// The driver crashed mid-apply and its lease ran out.
	_, err := h.locks.Acquire(context.Background(), "infra/staging", models.HolderFor(run.ID, models.StageApply), 0)
	require.NoError(t, err)
	h.clock.Advance(h.locks.DefaultLease())

	_, err = h.engine.Abort(context.Background(), run.ID, "ops", "")
	require.NoError(t, err)
	status, err := h.locks.Inspect(context.Background(), "infra/staging")
	require.NoError(t, err)
	assert.Nil(t, status.Lock)
}

func TestCreateRun_Deduplicates(t *testing.T) {
	h := newHarness(t)
	h.exec.validate = errors.New("boom")
	req := TriggerRequest{Kind: models.RunKindPullRequest, ChangeRef: "abc123", PRNumber: 5, Environment: models.TierFeature}

	first := h.trigger(req)
	dup, created, err := h.engine.CreateRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	require.Equal(t, models.RunStatusFailed, h.advance(first.ID))

	retry, created, err := h.engine.CreateRun(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, retry.ID)
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, first.IdentityKey, retry.IdentityKey)
}

func TestCreateRun_Validation(t *testing.T) {
	h := newHarness(t)
	bad := []TriggerRequest{
		{Kind: "push", ChangeRef: "abc", Environment: models.TierFeature},
		{Kind: models.RunKindMerge, Environment: models.TierFeature},
		{Kind: models.RunKindMerge, ChangeRef: "abc", Environment: "qa"},
		{Kind: models.RunKindPullRequest, ChangeRef: "abc", Environment: models.TierFeature},
	}
	for _, req := range bad {
		_, _, err := h.engine.CreateRun(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidTrigger, "%+v", req)
	}
}

func TestStaleWriterLosesTransition(t *testing.T) {
	h := newHarness(t)
	run := h.trigger(TriggerRequest{Kind: models.RunKindPullRequest, ChangeRef: "abc123", PRNumber: 11, Environment: models.TierFeature})

	stale := h.run(run.ID)
	h.advance(run.ID)

	err := h.engine.transition(context.Background(), stale, models.PhaseDone, models.RunStatusSucceeded, models.StagePlan, "planned", nil)
	assert.ErrorIs(t, err, ErrConcurrentTransition)
	assert.Equal(t, models.PhasePlan, h.run(run.ID).Phase)
}

func TestInterruptedStageIsRetried(t *testing.T) {
	h := newHarness(t)
	run := h.trigger(TriggerRequest{Kind: models.RunKindPullRequest, ChangeRef: "abc123", PRNumber: 12, Environment: models.TierFeature})

	// The driver is cancelled while the tool runs.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.exec.interrupt = cancel
	_, err := h.engine.Advance(ctx, run.ID)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.PhaseValidate, h.run(run.ID).Phase)

	h.advance(run.ID)
	got := h.run(run.ID)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, models.StageOutcomeAborted, got.Stages[0].Outcome)
	assert.Equal(t, 1, got.Stages[1].RetryCount)
	assert.Equal(t, models.PhasePlan, got.Phase)
}
