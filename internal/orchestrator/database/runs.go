// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"time"

	"github.com/noldarim/shipyard/internal/orchestrator/models"

	"gorm.io/gorm"
)

// RunFilter narrows ListPipelineRuns. Zero values match everything.
type RunFilter struct {
	Environment models.Tier
	ChangeRef   string
	Status      *models.RunStatus
	Limit       int
}

// CreatePipelineRun creates a new pipeline run
func (db *GormDB) CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	return db.db.WithContext(ctx).Omit("Stages").Create(run).Error
}

// GetPipelineRun loads a run with its stage executions in creation order.
// Returns nil, nil when the run does not exist.
func (db *GormDB) GetPipelineRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := db.db.WithContext(ctx).
		Preload("Stages", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("seq ASC")
		}).
		First(&run, "id = ?", runID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// ListPipelineRuns returns runs newest first.
func (db *GormDB) ListPipelineRuns(ctx context.Context, filter RunFilter) ([]*models.PipelineRun, error) {
	q := db.db.WithContext(ctx).Model(&models.PipelineRun{})
	if filter.Environment != "" {
		q = q.Where("environment = ?", filter.Environment)
	}
	if filter.ChangeRef != "" {
		q = q.Where("change_ref = ?", filter.ChangeRef)
	}
	if filter.Status != nil {
		q = q.Where("status = ?", *filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var runs []*models.PipelineRun
	err := q.Order("created_at DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

// GetLatestRunByIdentity returns the most recent attempt for a change identity.
// Returns nil, nil when no run exists.
func (db *GormDB) GetLatestRunByIdentity(ctx context.Context, identity string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := db.db.WithContext(ctx).
		Where("identity_key = ?", identity).
		Order("attempt DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// FindSucceededRun returns the latest run of the given kind that reached
// SUCCEEDED for a change reference in an environment, or nil.
func (db *GormDB) FindSucceededRun(ctx context.Context, kind models.RunKind, changeRef string, env models.Tier) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := db.db.WithContext(ctx).
		Where("kind = ? AND change_ref = ? AND environment = ? AND status = ?",
			kind, changeRef, env, models.RunStatusSucceeded).
		Order("completed_at DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// UpdateRunIfVersion persists the mutable run columns when the stored version
// still matches run.Version, then bumps the version. ErrVersionConflict
// signals another writer got there first.
func (db *GormDB) UpdateRunIfVersion(ctx context.Context, run *models.PipelineRun) error {
	next := run.Version + 1
	res := db.db.WithContext(ctx).
		Model(&models.PipelineRun{}).
		Where("id = ? AND version = ?", run.ID, run.Version).
		Updates(map[string]any{
			"status":               run.Status,
			"phase":                run.Phase,
			"plan_hash":            run.PlanHash,
			"promoted_from_run_id": run.PromotedFromRunID,
			"replan_count":         run.ReplanCount,
			"last_error":           run.LastError,
			"last_diagnostics":     run.LastDiagnostics,
			"completed_at":         run.CompletedAt,
			"version":              next,
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	run.Version = next
	return nil
}

// ListStalledRuns returns pending or running runs not updated since before,
// oldest first.
func (db *GormDB) ListStalledRuns(ctx context.Context, before time.Time, limit int) ([]*models.PipelineRun, error) {
	var runs []*models.PipelineRun
	err := db.db.WithContext(ctx).
		Where("status IN ? AND updated_at <= ?", []models.RunStatus{models.RunStatusPending, models.RunStatusRunning}, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// CreateStageExecution records the start of a stage attempt and assigns it
// the next sequence number of its run.
func (db *GormDB) CreateStageExecution(ctx context.Context, stage *models.StageExecution) error {
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int
		err := tx.Model(&models.StageExecution{}).
			Where("run_id = ?", stage.RunID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&last).Error
		if err != nil {
			return err
		}
		stage.Seq = last + 1
		return tx.Create(stage).Error
	})
}

// UpdateStageExecution saves all stage columns.
func (db *GormDB) UpdateStageExecution(ctx context.Context, stage *models.StageExecution) error {
	return db.db.WithContext(ctx).Save(stage).Error
}
