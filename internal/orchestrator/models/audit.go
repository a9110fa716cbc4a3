// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import "time"

// Severity grades audit records. Critical records are emitted for
// operator overrides such as force-unlock.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AuditRecord is an append-only entry in the run audit trail.
type AuditRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID       string    `gorm:"type:text;index" json:"run_id,omitempty"`
	ResourceKey string    `gorm:"type:text;index" json:"resource_key,omitempty"`
	Stage       string    `gorm:"type:text" json:"stage,omitempty"`
	Actor       string    `gorm:"type:text;not null" json:"actor"`
	Outcome     string    `gorm:"type:text;not null" json:"outcome"`
	FromPhase   string    `gorm:"type:text" json:"from_phase,omitempty"`
	ToPhase     string    `gorm:"type:text" json:"to_phase,omitempty"`
	Severity    Severity  `gorm:"type:text;not null;default:info" json:"severity"`
	Detail      string    `gorm:"type:text" json:"detail,omitempty"`
	Timestamp   time.Time `gorm:"not null;index" json:"timestamp"`
}

func (AuditRecord) TableName() string {
	return "audit_records"
}

// SystemActor attributes automatic transitions.
const SystemActor = "system"
