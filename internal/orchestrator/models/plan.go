// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ChangeAction is one action the tool intends for a resource.
type ChangeAction string

const (
	ActionCreate  ChangeAction = "create"
	ActionUpdate  ChangeAction = "update"
	ActionDelete  ChangeAction = "delete"
	ActionReplace ChangeAction = "replace"
	ActionNoop    ChangeAction = "no-op"
	ActionRead    ChangeAction = "read"
)

// ResourceChange is a single entry of a plan diff.
type ResourceChange struct {
	Address string       `json:"address"`
	Type    string       `json:"type"`
	Action  ChangeAction `json:"action"`
}

// ResourceChanges is a JSON-serializable list of ResourceChange
type ResourceChanges []ResourceChange

func (rc *ResourceChanges) Scan(value any) error {
	if value == nil {
		*rc = ResourceChanges{}
		return nil
	}
	return scanJSON(value, rc)
}

func (rc ResourceChanges) Value() (driver.Value, error) {
	if len(rc) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(rc)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Summary counts changes per action, ignoring no-ops and reads.
func (rc ResourceChanges) Summary() map[ChangeAction]int {
	out := make(map[ChangeAction]int)
	for _, c := range rc {
		if c.Action == ActionNoop || c.Action == ActionRead {
			continue
		}
		out[c.Action]++
	}
	return out
}

// PlanArtifact is the immutable output of a plan stage.
type PlanArtifact struct {
	ID          string          `gorm:"primaryKey;type:text" json:"id"`
	RunID       string          `gorm:"type:text;not null;index" json:"run_id"`
	StageID     string          `gorm:"type:text;not null" json:"stage_id"`
	ContentHash string          `gorm:"type:text;not null;index" json:"content_hash"`
	Changes     ResourceChanges `gorm:"type:text" json:"changes"`
	HasChanges  bool            `json:"has_changes"`
	// ObjectKey locates the serialized plan file in the artifact store.
	ObjectKey        string    `gorm:"type:text" json:"object_key"`
	SourceCommit     string    `gorm:"type:text" json:"source_commit"`
	ToolVersion      string    `gorm:"type:text" json:"tool_version,omitempty"`
	ProviderVersions StringMap `gorm:"type:text" json:"provider_versions,omitempty"`
	UsedBackend      bool      `json:"used_backend"`
	CreatedAt        time.Time `gorm:"not null" json:"created_at"`
	ExpiresAt        time.Time `gorm:"not null" json:"expires_at"`
}

func (PlanArtifact) TableName() string {
	return "plan_artifacts"
}

// ValidAt reports whether the artifact is still inside its validity window.
func (a *PlanArtifact) ValidAt(now time.Time) bool {
	return now.Before(a.ExpiresAt)
}
