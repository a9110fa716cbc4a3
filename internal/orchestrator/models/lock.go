// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import "time"

// StateLock is a leased exclusive claim on an infrastructure state resource.
type StateLock struct {
	ResourceKey    string    `gorm:"primaryKey;type:text" json:"resource_key"`
	HolderID       string    `gorm:"type:text;not null" json:"holder_id"`
	AcquiredAt     time.Time `gorm:"not null" json:"acquired_at"`
	LeaseExpiresAt time.Time `gorm:"not null;index" json:"lease_expires_at"`
}

func (StateLock) TableName() string {
	return "state_locks"
}

// Expired reports whether the lease has run out at the given instant.
func (l *StateLock) Expired(now time.Time) bool {
	return !now.Before(l.LeaseExpiresAt)
}

// HolderFor builds the holder id used by a run's stage.
func HolderFor(runID string, stage StageKind) string {
	return runID + ":" + stage.String()
}
