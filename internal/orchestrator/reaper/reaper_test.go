// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/noldarim/shipyard/internal/common"
	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/orchestrator/approval"
	"github.com/noldarim/shipyard/internal/orchestrator/audit"
	"github.com/noldarim/shipyard/internal/orchestrator/database"
	"github.com/noldarim/shipyard/internal/orchestrator/engine"
	"github.com/noldarim/shipyard/internal/orchestrator/locks"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/internal/protocol"
)

type reaperHarness struct {
	db     *database.GormDB
	locks  *locks.Manager
	gate   *approval.Gate
	engine *engine.Engine
	reaper *Reaper
	now    time.Time
}

func newReaperHarness(t *testing.T) *reaperHarness {
	t.Helper()
	cfg := config.Default()
	db := database.UseFreshInMemoryDatabase(t).DB
	h := &reaperHarness{db: db, now: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }

	recorder := audit.NewRecorder(db, nil)
	h.locks = locks.NewManager(db, recorder, cfg.Locks, locks.WithClock(clock))
	h.gate = approval.NewGate(db, recorder, approval.RoleApprover, time.Hour, approval.WithClock(clock))
	// Settling an approval touches neither the executor nor credentials.
	h.engine = engine.New(engine.Deps{Store: db, Locks: h.locks, Gate: h.gate, Auditor: recorder}, cfg, engine.WithClock(clock))
	h.reaper = New(h.locks, db, h.engine, cfg.Reaper, WithClock(clock))
	return h
}

func (h *reaperHarness) waitingRun(t *testing.T, id string, timeout time.Duration) *models.ApprovalRequest {
	t.Helper()
	ctx := context.Background()
	run := &models.PipelineRun{
		ID:          id,
		IdentityKey: id,
		Kind:        models.RunKindMerge,
		ChangeRef:   "abc123",
		Environment: models.TierProduction,
		Status:      models.RunStatusAwaitingApproval,
		Phase:       models.PhaseApproval,
		PlanHash:    "hash-1",
	}
	require.NoError(t, h.db.CreatePipelineRun(ctx, run))
	stage := &models.StageExecution{
		ID:         id + "-approval",
		RunID:      id,
		Kind:       models.StageApproval,
		Outcome:    models.StageOutcomeRunning,
		ExitStatus: models.NoExitStatus,
		StartedAt:  h.now,
	}
	require.NoError(t, h.db.CreateStageExecution(ctx, stage))
	req, err := h.gate.RequestApproval(ctx, stage, run.PlanHash, approval.RoleApprover, timeout)
	require.NoError(t, err)
	return req
}

func TestSweep_SettlesOverdueApprovals(t *testing.T) {
	h := newReaperHarness(t)
	ctx := context.Background()
	overdue := h.waitingRun(t, "run-overdue", time.Hour)
	fresh := h.waitingRun(t, "run-fresh", 4*time.Hour)

	h.now = h.now.Add(time.Hour)
	res, err := h.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SettledApprovals)
	assert.Zero(t, res.Failures)

	req, err := h.gate.Get(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionExpired, req.Decision)
	run, err := h.engine.Get(ctx, "run-overdue")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, run.Status)

	req, err = h.gate.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionPending, req.Decision)

	// A second sweep finds nothing left to do.
	res, err = h.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.SettledApprovals)
}

func TestSweep_PurgesExpiredLocks(t *testing.T) {
	h := newReaperHarness(t)
	ctx := context.Background()
	_, err := h.locks.Acquire(ctx, "infra/staging", "run-1:APPLY", time.Minute)
	require.NoError(t, err)
	_, err = h.locks.Acquire(ctx, "infra/production", "run-2:APPLY", time.Hour)
	require.NoError(t, err)

	h.now = h.now.Add(2 * time.Minute)
	res, err := h.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.PurgedLocks)

	held, err := h.locks.Holds(ctx, "infra/production", "run-2:APPLY")
	require.NoError(t, err)
	assert.True(t, held)
}

type recordingStarter struct {
	started []string
	err     error
}

func (s *recordingStarter) StartPipelineRun(_ context.Context, runID string) error {
	s.started = append(s.started, runID)
	return s.err
}

func (h *reaperHarness) storedRun(t *testing.T, id string, status models.RunStatus, updatedAt time.Time) {
	t.Helper()
	require.NoError(t, h.db.CreatePipelineRun(context.Background(), &models.PipelineRun{
		ID:          id,
		IdentityKey: id,
		Kind:        models.RunKindMerge,
		ChangeRef:   "abc123",
		Environment: models.TierStaging,
		Status:      status,
		Phase:       models.PhaseValidate,
		CreatedAt:   updatedAt,
		UpdatedAt:   updatedAt,
	}))
}

func TestSweep_RestartsStalledRuns(t *testing.T) {
	h := newReaperHarness(t)
	old := h.now.Add(-10 * time.Minute)
	h.storedRun(t, "run-orphan", models.RunStatusPending, old)
	h.storedRun(t, "run-stuck", models.RunStatusRunning, old)
	h.storedRun(t, "run-recent", models.RunStatusPending, h.now.Add(-time.Minute))
	h.storedRun(t, "run-done", models.RunStatusSucceeded, old)
	h.storedRun(t, "run-parked", models.RunStatusAwaitingApproval, old)

	starter := &recordingStarter{}
	clock := WithClock(func() time.Time { return h.now })
	r := New(h.locks, h.db, h.engine, config.ReaperConfig{}, clock, WithRunRestarts(h.db, starter, 5*time.Minute))
	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.RestartedRuns)
	assert.Zero(t, res.Failures)
	assert.ElementsMatch(t, []string{"run-orphan", "run-stuck"}, starter.started)

	disabled := &recordingStarter{}
	r = New(h.locks, h.db, h.engine, config.ReaperConfig{}, clock, WithRunRestarts(h.db, disabled, 0))
	res, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.RestartedRuns)
	assert.Empty(t, disabled.started)
}

func TestSweep_ReportsFailedRestarts(t *testing.T) {
	h := newReaperHarness(t)
	h.storedRun(t, "run-orphan", models.RunStatusPending, h.now.Add(-time.Hour))

	pub := &recordingPublisher{}
	starter := &recordingStarter{err: errors.New("temporal unavailable")}
	r := New(h.locks, h.db, h.engine, config.ReaperConfig{},
		WithClock(func() time.Time { return h.now }), WithPublisher(pub), WithRunRestarts(h.db, starter, time.Minute))
	res, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failures)
	assert.Zero(t, res.RestartedRuns)

	require.Len(t, pub.events, 1)
	ev, ok := pub.events[0].(protocol.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "run-orphan", ev.RunID)
	assert.Equal(t, "failed to restart run driver", ev.Message)
}

type failingAdvancer struct{ err error }

func (f failingAdvancer) Advance(context.Context, string) (models.RunStatus, error) {
	return models.RunStatusPending, f.err
}

type recordingPublisher struct{ events []common.Event }

func (p *recordingPublisher) Publish(e common.Event) { p.events = append(p.events, e) }

func TestSweep_CountsFailuresAndSkipsConflicts(t *testing.T) {
	h := newReaperHarness(t)
	h.waitingRun(t, "run-a", time.Minute)
	h.now = h.now.Add(time.Hour)

	conflicted := New(h.locks, h.db, failingAdvancer{err: engine.ErrConcurrentTransition}, config.ReaperConfig{}, WithClock(func() time.Time { return h.now }))
	res, err := conflicted.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Failures)
	assert.Zero(t, res.SettledApprovals)

	pub := &recordingPublisher{}
	broken := New(h.locks, h.db, failingAdvancer{err: errors.New("database is locked")}, config.ReaperConfig{},
		WithClock(func() time.Time { return h.now }), WithPublisher(pub))
	res, err = broken.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failures)

	require.Len(t, pub.events, 1)
	ev, ok := pub.events[0].(protocol.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "run-a", ev.RunID)
	assert.Contains(t, ev.Context, "database is locked")
}

func TestStartStop(t *testing.T) {
	baseline := goleak.IgnoreCurrent()
	h := newReaperHarness(t)

	bad := New(h.locks, h.db, h.engine, config.ReaperConfig{Schedule: "every now and then"})
	assert.Error(t, bad.Start(context.Background()))

	require.NoError(t, h.reaper.Start(context.Background()))
	require.NoError(t, h.reaper.Start(context.Background()))
	h.reaper.Stop()
	h.reaper.Stop()

	// The connection opener of the harness database lives until Close.
	require.NoError(t, h.db.Close())
	goleak.VerifyNone(t, baseline)
}
