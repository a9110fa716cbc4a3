// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reaper periodically purges expired state locks, settles approvals
// whose deadline passed while nothing was driving their run, and restarts
// the drivers of runs that stalled before finishing.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/noldarim/shipyard/internal/common"
	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/orchestrator/engine"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetOrchestratorLogger().With().Str("component", "reaper").Logger()
		log = &l
	})
	return log
}

const defaultBatch = 100

// LockPurger removes expired lock rows.
type LockPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// ApprovalLister finds pending approvals past their deadline.
type ApprovalLister interface {
	ListOverdueApprovals(ctx context.Context, now time.Time, limit int) ([]*models.ApprovalRequest, error)
}

// Advancer advances a run by one transition.
type Advancer interface {
	Advance(ctx context.Context, runID string) (models.RunStatus, error)
}

// RunLister finds pending or running runs nobody touched since before.
type RunLister interface {
	ListStalledRuns(ctx context.Context, before time.Time, limit int) ([]*models.PipelineRun, error)
}

// RunStarter starts the driver of a run. Starting a run whose driver is
// alive attaches to it.
type RunStarter interface {
	StartPipelineRun(ctx context.Context, runID string) error
}

// Publisher receives an ErrorEvent for every approval the sweep failed to
// settle and every driver it failed to restart.
type Publisher interface {
	Publish(event common.Event)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	PurgedLocks      int64
	SettledApprovals int
	RestartedRuns    int
	Failures         int
}

// Reaper runs Sweep on a cron schedule.
type Reaper struct {
	locks     LockPurger
	approvals ApprovalLister
	runs      Advancer
	stalled   RunLister
	starter   RunStarter
	grace     time.Duration
	events    Publisher
	schedule  string
	batch     int
	now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// Option customizes a Reaper.
type Option func(*Reaper)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithPublisher reports settle failures to subscribers.
func WithPublisher(p Publisher) Option {
	return func(r *Reaper) { r.events = p }
}

// WithRunRestarts restarts the driver of every pending or running run not
// updated for grace. A grace of zero or less disables restarts.
func WithRunRestarts(lister RunLister, starter RunStarter, grace time.Duration) Option {
	return func(r *Reaper) {
		r.stalled = lister
		r.starter = starter
		r.grace = grace
	}
}

// New creates a reaper.
func New(lockPurger LockPurger, approvals ApprovalLister, runs Advancer, cfg config.ReaperConfig, opts ...Option) *Reaper {
	r := &Reaper{
		locks:     lockPurger,
		approvals: approvals,
		runs:      runs,
		schedule:  cfg.Schedule,
		batch:     defaultBatch,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep purges expired locks and advances every run whose pending approval
// is overdue; the engine expires the request and aborts the run. A run that
// another driver advances at the same time is skipped. Stalled runs get their
// driver restarted when WithRunRestarts is set.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	purged, err := r.locks.PurgeExpired(ctx)
	if err != nil {
		return res, fmt.Errorf("purge expired locks: %w", err)
	}
	res.PurgedLocks = purged

	overdue, err := r.approvals.ListOverdueApprovals(ctx, r.now(), r.batch)
	if err != nil {
		return res, fmt.Errorf("list overdue approvals: %w", err)
	}
	for _, req := range overdue {
		if _, err := r.runs.Advance(ctx, req.RunID); err != nil {
			if errors.Is(err, engine.ErrConcurrentTransition) {
				continue
			}
			res.Failures++
			getLog().Error().Err(err).Str("run_id", req.RunID).Str("approval_id", req.ID).Msg("Failed to settle overdue approval")
			r.publishFailure(req.RunID, req.ID, "failed to settle overdue approval", err)
			continue
		}
		res.SettledApprovals++
	}

	if err := r.restartStalled(ctx, &res); err != nil {
		return res, err
	}

	if res.PurgedLocks > 0 || res.SettledApprovals > 0 || res.RestartedRuns > 0 || res.Failures > 0 {
		getLog().Info().
			Int64("purged_locks", res.PurgedLocks).
			Int("settled_approvals", res.SettledApprovals).
			Int("restarted_runs", res.RestartedRuns).
			Int("failures", res.Failures).
			Msg("Sweep finished")
	}
	return res, nil
}

// restartStalled starts the driver of runs that were recorded but never
// driven, or whose driver died mid-run.
func (r *Reaper) restartStalled(ctx context.Context, res *SweepResult) error {
	if r.stalled == nil || r.starter == nil || r.grace <= 0 {
		return nil
	}
	runs, err := r.stalled.ListStalledRuns(ctx, r.now().Add(-r.grace), r.batch)
	if err != nil {
		return fmt.Errorf("list stalled runs: %w", err)
	}
	for _, run := range runs {
		if err := r.starter.StartPipelineRun(ctx, run.ID); err != nil {
			res.Failures++
			getLog().Error().Err(err).Str("run_id", run.ID).Str("status", run.Status.String()).Msg("Failed to restart run driver")
			r.publishFailure(run.ID, "restart-"+run.ID, "failed to restart run driver", err)
			continue
		}
		getLog().Warn().
			Str("run_id", run.ID).
			Str("status", run.Status.String()).
			Time("updated_at", run.UpdatedAt).
			Msg("Restarted driver of stalled run")
		res.RestartedRuns++
	}
	return nil
}

func (r *Reaper) publishFailure(runID, key, message string, err error) {
	if r.events == nil {
		return
	}
	r.events.Publish(protocol.ErrorEvent{
		Metadata: protocol.NewMetadata(runID, "reaper-"+key),
		Message:  message,
		Context:  err.Error(),
	})
}

// Start schedules Sweep. Overlapping sweeps are skipped.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}

	cl := cronLogger{log: getLog()}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			getLog().Error().Err(err).Msg("Sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.schedule, err)
	}
	c.Start()
	r.cron = c
	getLog().Info().Str("schedule", r.schedule).Msg("Reaper started")
	return nil
}

// Stop unschedules the reaper and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	getLog().Info().Msg("Reaper stopped")
}

// cronLogger routes cron's logging through zerolog.
type cronLogger struct {
	log *zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
