// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"time"

	"github.com/noldarim/shipyard/internal/orchestrator/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateApprovalRequest inserts the request unless one already exists for the
// same stage execution, and returns the stored row either way.
func (db *GormDB) CreateApprovalRequest(ctx context.Context, req *models.ApprovalRequest) (*models.ApprovalRequest, error) {
	err := db.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stage_id"}},
			DoNothing: true,
		}).
		Create(req).Error
	if err != nil {
		return nil, err
	}
	return db.GetApprovalByStage(ctx, req.StageID)
}

// GetApprovalRequest returns nil, nil when the request does not exist.
func (db *GormDB) GetApprovalRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return db.firstApproval(ctx, "id = ?", id)
}

// GetApprovalByStage returns the request gating a stage execution.
func (db *GormDB) GetApprovalByStage(ctx context.Context, stageID string) (*models.ApprovalRequest, error) {
	return db.firstApproval(ctx, "stage_id = ?", stageID)
}

// GetLatestApprovalByRun returns the newest request of a run in any state.
func (db *GormDB) GetLatestApprovalByRun(ctx context.Context, runID string) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	err := db.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("requested_at DESC").
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

func (db *GormDB) firstApproval(ctx context.Context, query string, args ...any) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	if err := db.db.WithContext(ctx).Where(query, args...).First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

// ResolveApproval moves a PENDING request to a terminal decision. It reports
// false when the request was already decided, expired or aborted.
func (db *GormDB) ResolveApproval(ctx context.Context, id string, decision models.Decision, approver, comment string, at time.Time) (bool, error) {
	res := db.db.WithContext(ctx).
		Model(&models.ApprovalRequest{}).
		Where("id = ? AND decision = ?", id, models.DecisionPending).
		Updates(map[string]any{
			"decision":   decision,
			"approver":   approver,
			"comment":    comment,
			"decided_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AbortPendingApprovals marks every pending request of a run ABORTED.
func (db *GormDB) AbortPendingApprovals(ctx context.Context, runID string, at time.Time) (int64, error) {
	res := db.db.WithContext(ctx).
		Model(&models.ApprovalRequest{}).
		Where("run_id = ? AND decision = ?", runID, models.DecisionPending).
		Updates(map[string]any{
			"decision":   models.DecisionAborted,
			"decided_at": at,
		})
	return res.RowsAffected, res.Error
}

// ListOverdueApprovals returns pending requests whose deadline has passed.
func (db *GormDB) ListOverdueApprovals(ctx context.Context, now time.Time, limit int) ([]*models.ApprovalRequest, error) {
	var reqs []*models.ApprovalRequest
	err := db.db.WithContext(ctx).
		Where("decision = ? AND expires_at <= ?", models.DecisionPending, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&reqs).Error
	return reqs, err
}
