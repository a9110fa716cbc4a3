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

// The lock table is mutated only through single conditional statements, so
// concurrent acquirers race on the database row rather than on process memory.

// TryAcquireLock claims resourceKey for holderID until expires. It succeeds
// when the key is free, its lease has run out, or holderID already owns it
// (re-entrant, the lease is extended). Otherwise it reports the current row.
func (db *GormDB) TryAcquireLock(ctx context.Context, resourceKey, holderID string, now, expires time.Time) (bool, *models.StateLock, error) {
	tx := db.db.WithContext(ctx)

	res := tx.Model(&models.StateLock{}).
		Where("resource_key = ? AND (holder_id = ? OR lease_expires_at <= ?)", resourceKey, holderID, now).
		Updates(map[string]any{
			"acquired_at":      gorm.Expr("CASE WHEN holder_id = ? THEN acquired_at ELSE ? END", holderID, now),
			"holder_id":        holderID,
			"lease_expires_at": expires,
		})
	if res.Error != nil {
		return false, nil, res.Error
	}
	if res.RowsAffected == 1 {
		lock, err := db.GetLock(ctx, resourceKey)
		return true, lock, err
	}

	lock := &models.StateLock{
		ResourceKey:    resourceKey,
		HolderID:       holderID,
		AcquiredAt:     now,
		LeaseExpiresAt: expires,
	}
	res = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(lock)
	if res.Error != nil {
		return false, nil, res.Error
	}
	if res.RowsAffected == 1 {
		return true, lock, nil
	}

	current, err := db.GetLock(ctx, resourceKey)
	return false, current, err
}

// RenewLock extends a live lease held by holderID. It reports false when the
// lease already expired or the lock changed hands.
func (db *GormDB) RenewLock(ctx context.Context, resourceKey, holderID string, now, expires time.Time) (bool, error) {
	res := db.db.WithContext(ctx).
		Model(&models.StateLock{}).
		Where("resource_key = ? AND holder_id = ? AND lease_expires_at > ?", resourceKey, holderID, now).
		Update("lease_expires_at", expires)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseLock deletes the row if holderID still owns it. Releasing a lock
// that is gone or owned by someone else is a no-op.
func (db *GormDB) ReleaseLock(ctx context.Context, resourceKey, holderID string) error {
	return db.db.WithContext(ctx).
		Where("resource_key = ? AND holder_id = ?", resourceKey, holderID).
		Delete(&models.StateLock{}).Error
}

// DeleteLock unconditionally removes the lock and returns the row it removed.
func (db *GormDB) DeleteLock(ctx context.Context, resourceKey string) (*models.StateLock, error) {
	var removed *models.StateLock
	err := db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lock models.StateLock
		err := tx.First(&lock, "resource_key = ?", resourceKey).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		removed = &lock
		return tx.Where("resource_key = ?", resourceKey).Delete(&models.StateLock{}).Error
	})
	return removed, err
}

// GetLock returns the lock row regardless of expiry, or nil.
func (db *GormDB) GetLock(ctx context.Context, resourceKey string) (*models.StateLock, error) {
	var lock models.StateLock
	if err := db.db.WithContext(ctx).First(&lock, "resource_key = ?", resourceKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lock, nil
}

// ListLocks returns every lock row, expired ones included.
func (db *GormDB) ListLocks(ctx context.Context) ([]*models.StateLock, error) {
	var locks []*models.StateLock
	err := db.db.WithContext(ctx).Order("resource_key ASC").Find(&locks).Error
	return locks, err
}

// PurgeExpiredLocks deletes rows whose lease ran out.
func (db *GormDB) PurgeExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	res := db.db.WithContext(ctx).
		Where("lease_expires_at <= ?", now).
		Delete(&models.StateLock{})
	return res.RowsAffected, res.Error
}
