// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package approval holds apply-class runs until a sufficiently privileged
// human approves or rejects the plan, or the request expires.
package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetApprovalLogger()
		log = &l
	})
	return log
}

// Store persists approval requests. Resolution must be conditional on the
// request still being PENDING.
type Store interface {
	CreateApprovalRequest(ctx context.Context, req *models.ApprovalRequest) (*models.ApprovalRequest, error)
	GetApprovalRequest(ctx context.Context, id string) (*models.ApprovalRequest, error)
	GetApprovalByStage(ctx context.Context, stageID string) (*models.ApprovalRequest, error)
	GetLatestApprovalByRun(ctx context.Context, runID string) (*models.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, id string, decision models.Decision, approver, comment string, at time.Time) (bool, error)
	AbortPendingApprovals(ctx context.Context, runID string, at time.Time) (int64, error)
}

// Auditor receives decision records.
type Auditor interface {
	Record(ctx context.Context, rec *models.AuditRecord) error
}

// Gate is the approval gate.
type Gate struct {
	store       Store
	auditor     Auditor
	defaultRole Role
	defaultTTL  time.Duration
	now         func() time.Time
}

// Option customizes a Gate.
type Option func(*Gate)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate. defaultRole and defaultTimeout apply when a request
// does not name its own.
func NewGate(store Store, auditor Auditor, defaultRole Role, defaultTimeout time.Duration, opts ...Option) *Gate {
	g := &Gate{
		store:       store,
		auditor:     auditor,
		defaultRole: defaultRole,
		defaultTTL:  defaultTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestApproval opens a request for stage. Calling it again for the same
// stage execution returns the existing request unchanged.
func (g *Gate) RequestApproval(ctx context.Context, stage *models.StageExecution, planHash string, requiredRole Role, timeout time.Duration) (*models.ApprovalRequest, error) {
	if stage == nil || stage.ID == "" {
		return nil, fmt.Errorf("approval requires a stage execution")
	}
	if requiredRole == "" {
		requiredRole = g.defaultRole
	}
	if requiredRole.Rank() == 0 {
		return nil, fmt.Errorf("unknown approver role %q", requiredRole)
	}
	if timeout <= 0 {
		timeout = g.defaultTTL
	}

	now := g.now()
	req, err := g.store.CreateApprovalRequest(ctx, &models.ApprovalRequest{
		ID:           uuid.New().String(),
		RunID:        stage.RunID,
		StageID:      stage.ID,
		PlanHash:     planHash,
		RequiredRole: string(requiredRole),
		Decision:     models.DecisionPending,
		RequestedAt:  now,
		ExpiresAt:    now.Add(timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("create approval request: %w", err)
	}

	getLog().Info().
		Str("run_id", req.RunID).
		Str("request_id", req.ID).
		Str("required_role", req.RequiredRole).
		Time("expires_at", req.ExpiresAt).
		Msg("Approval requested")
	return req, nil
}

// Get returns a request by id.
func (g *Gate) Get(ctx context.Context, requestID string) (*models.ApprovalRequest, error) {
	req, err := g.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load approval request: %w", err)
	}
	if req == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return req, nil
}

// ForStage returns the request opened for a stage execution, or nil.
func (g *Gate) ForStage(ctx context.Context, stageID string) (*models.ApprovalRequest, error) {
	return g.store.GetApprovalByStage(ctx, stageID)
}

// Latest returns the most recent request of a run, or nil.
func (g *Gate) Latest(ctx context.Context, runID string) (*models.ApprovalRequest, error) {
	return g.store.GetLatestApprovalByRun(ctx, runID)
}

// Decide records an approver's decision. Expired requests are marked EXPIRED
// and ErrApprovalTimeout is returned; decided requests yield ErrAlreadyDecided.
func (g *Gate) Decide(ctx context.Context, requestID string, approver Identity, decision models.Decision, comment string) (*models.ApprovalRequest, error) {
	if decision != models.DecisionApproved && decision != models.DecisionRejected {
		return nil, ErrInvalidDecision
	}

	req, err := g.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Decision.IsTerminal() {
		return req, alreadyDecided(req)
	}

	now := g.now()
	if !now.Before(req.ExpiresAt) {
		if _, err := g.Expire(ctx, requestID, now); err != nil {
			return nil, err
		}
		return nil, &ApprovalTimeoutError{RequestID: req.ID, ExpiresAt: req.ExpiresAt}
	}

	if !approver.HasAtLeast(Role(req.RequiredRole)) {
		getLog().Warn().
			Str("request_id", req.ID).
			Str("approver", approver.ID).
			Str("required_role", req.RequiredRole).
			Msg("Approval decision refused")
		return nil, &UnauthorizedApproverError{Approver: approver.ID, Required: Role(req.RequiredRole)}
	}

	ok, err := g.store.ResolveApproval(ctx, req.ID, decision, approver.ID, comment, now)
	if err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}
	if !ok {
		current, err := g.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		return current, alreadyDecided(current)
	}

	req.Decision = decision
	req.Approver = approver.ID
	req.Comment = comment
	req.DecidedAt = &now

	g.audit(ctx, req, approver.ID, now)
	getLog().Info().
		Str("run_id", req.RunID).
		Str("request_id", req.ID).
		Str("approver", approver.ID).
		Stringer("decision", decision).
		Msg("Approval decided")
	return req, nil
}

// Expire moves a pending request past its deadline to EXPIRED. It reports
// whether this call changed the request.
func (g *Gate) Expire(ctx context.Context, requestID string, now time.Time) (bool, error) {
	req, err := g.Get(ctx, requestID)
	if err != nil {
		return false, err
	}
	if req.Decision.IsTerminal() || now.Before(req.ExpiresAt) {
		return false, nil
	}
	ok, err := g.store.ResolveApproval(ctx, req.ID, models.DecisionExpired, models.SystemActor, "", now)
	if err != nil {
		return false, fmt.Errorf("expire approval: %w", err)
	}
	if ok {
		req.Decision = models.DecisionExpired
		g.audit(ctx, req, models.SystemActor, now)
		getLog().Info().Str("run_id", req.RunID).Str("request_id", req.ID).Msg("Approval expired")
	}
	return ok, nil
}

// Cancel aborts every pending request of a run.
func (g *Gate) Cancel(ctx context.Context, runID string) (int64, error) {
	n, err := g.store.AbortPendingApprovals(ctx, runID, g.now())
	if err != nil {
		return 0, fmt.Errorf("cancel approvals: %w", err)
	}
	if n > 0 {
		getLog().Info().Str("run_id", runID).Int64("count", n).Msg("Pending approvals aborted")
	}
	return n, nil
}

func (g *Gate) audit(ctx context.Context, req *models.ApprovalRequest, actor string, at time.Time) {
	if g.auditor == nil {
		return
	}
	if err := g.auditor.Record(ctx, &models.AuditRecord{
		RunID:     req.RunID,
		Stage:     models.StageApproval.String(),
		Actor:     actor,
		Outcome:   "approval_" + strings.ToLower(req.Decision.String()),
		Severity:  models.SeverityInfo,
		Detail:    req.Comment,
		Timestamp: at,
	}); err != nil {
		getLog().Error().Err(err).Str("request_id", req.ID).Msg("Failed to audit approval decision")
	}
}
