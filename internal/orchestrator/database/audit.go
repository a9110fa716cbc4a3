// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"

	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

// AppendAuditRecord inserts an audit entry. Records are never updated or deleted.
func (db *GormDB) AppendAuditRecord(ctx context.Context, record *models.AuditRecord) error {
	return db.db.WithContext(ctx).Create(record).Error
}

// ListAuditRecords returns a run's audit trail in append order.
func (db *GormDB) ListAuditRecords(ctx context.Context, runID string) ([]*models.AuditRecord, error) {
	var records []*models.AuditRecord
	err := db.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&records).Error
	return records, err
}

// ListResourceAuditRecords returns lock-level events for a resource key.
func (db *GormDB) ListResourceAuditRecords(ctx context.Context, resourceKey string) ([]*models.AuditRecord, error) {
	var records []*models.AuditRecord
	err := db.db.WithContext(ctx).
		Where("resource_key = ?", resourceKey).
		Order("id ASC").
		Find(&records).Error
	return records, err
}

// CountAuditRecords counts a run's audit entries.
func (db *GormDB) CountAuditRecords(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := db.db.WithContext(ctx).Model(&models.AuditRecord{}).Where("run_id = ?", runID).Count(&n).Error
	return n, err
}
