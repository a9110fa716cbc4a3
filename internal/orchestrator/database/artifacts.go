// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"

	"github.com/noldarim/shipyard/internal/orchestrator/models"

	"gorm.io/gorm"
)

// CreatePlanArtifact stores plan metadata. Artifacts are never updated.
func (db *GormDB) CreatePlanArtifact(ctx context.Context, artifact *models.PlanArtifact) error {
	return db.db.WithContext(ctx).Create(artifact).Error
}

// GetPlanArtifact returns nil, nil when the artifact does not exist.
func (db *GormDB) GetPlanArtifact(ctx context.Context, id string) (*models.PlanArtifact, error) {
	var artifact models.PlanArtifact
	if err := db.db.WithContext(ctx).First(&artifact, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &artifact, nil
}

// GetLatestPlanArtifact returns the most recent plan produced by a run.
func (db *GormDB) GetLatestPlanArtifact(ctx context.Context, runID string) (*models.PlanArtifact, error) {
	var artifact models.PlanArtifact
	err := db.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at DESC, id DESC").
		First(&artifact).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &artifact, nil
}

// ListPlanArtifacts returns every plan a run produced, oldest first.
func (db *GormDB) ListPlanArtifacts(ctx context.Context, runID string) ([]*models.PlanArtifact, error) {
	var artifacts []*models.PlanArtifact
	err := db.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&artifacts).Error
	return artifacts, err
}
