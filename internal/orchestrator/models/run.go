// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// RunKind distinguishes validation-only runs from apply-class runs.
type RunKind string

const (
	RunKindPullRequest RunKind = "pull_request"
	RunKindMerge       RunKind = "merge"
)

// Tier is a promotion environment.
type Tier string

const (
	TierFeature    Tier = "feature"
	TierStaging    Tier = "staging"
	TierProduction Tier = "production"
)

// Rank orders tiers along the promotion path. Unknown tiers rank -1.
func (t Tier) Rank() int {
	switch t {
	case TierFeature:
		return 0
	case TierStaging:
		return 1
	case TierProduction:
		return 2
	default:
		return -1
	}
}

func (t Tier) Valid() bool { return t.Rank() >= 0 }

// RunStatus is the externally visible status of a pipeline run.
type RunStatus int

const (
	RunStatusPending RunStatus = iota
	RunStatusRunning
	RunStatusAwaitingApproval
	RunStatusSucceeded
	RunStatusFailed
	RunStatusAborted
)

func (s RunStatus) String() string {
	switch s {
	case RunStatusPending:
		return "PENDING"
	case RunStatusRunning:
		return "RUNNING"
	case RunStatusAwaitingApproval:
		return "AWAITING_APPROVAL"
	case RunStatusSucceeded:
		return "SUCCEEDED"
	case RunStatusFailed:
		return "FAILED"
	case RunStatusAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transition can happen.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusAborted
}

func (s RunStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *RunStatus) UnmarshalText(b []byte) error {
	for c := RunStatusPending; c <= RunStatusAborted; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown run status %q", string(b))
}

// Phase is the state machine position of a run.
type Phase int

const (
	PhaseValidate Phase = iota
	PhasePlan
	PhaseApproval
	PhaseApply
	PhaseDone
	PhaseFailed
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseValidate:
		return "VALIDATE"
	case PhasePlan:
		return "PLAN"
	case PhaseApproval:
		return "APPROVAL"
	case PhaseApply:
		return "APPLY"
	case PhaseDone:
		return "DONE"
	case PhaseFailed:
		return "FAILED"
	case PhaseAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseAborted
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for c := PhaseValidate; c <= PhaseAborted; c++ {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", string(b))
}

// PipelineRun is one execution of the stage sequence for a change.
type PipelineRun struct {
	ID          string  `gorm:"primaryKey;type:text" json:"id"`
	IdentityKey string  `gorm:"type:text;index" json:"identity_key"`
	Attempt     int     `gorm:"not null;default:1" json:"attempt"`
	Kind        RunKind `gorm:"type:text;not null" json:"kind"`
	ChangeRef   string  `gorm:"type:text;not null;index" json:"change_ref"`
	Branch      string  `gorm:"type:text" json:"branch,omitempty"`
	PRNumber    int     `json:"pr_number,omitempty"`
	Environment Tier    `gorm:"type:text;not null;index" json:"environment"`
	TriggeredBy string  `gorm:"type:text" json:"triggered_by,omitempty"`

	Status RunStatus `gorm:"not null;default:0;index" json:"status"`
	Phase  Phase     `gorm:"not null;default:0" json:"phase"`

	// PlanHash is the content hash of the plan the current approval covers.
	PlanHash          string `gorm:"type:text" json:"plan_hash,omitempty"`
	PromotedFromRunID string `gorm:"type:text" json:"promoted_from_run_id,omitempty"`
	ReplanCount       int    `json:"replan_count"`
	LastError         string `gorm:"type:text" json:"last_error,omitempty"`
	LastDiagnostics   string `gorm:"type:text" json:"last_diagnostics,omitempty"`

	// Version guards concurrent transitions (optimistic locking).
	Version int `gorm:"not null;default:0" json:"version"`

	Stages []StageExecution `gorm:"foreignKey:RunID;references:ID" json:"stages,omitempty"`

	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (PipelineRun) TableName() string {
	return "pipeline_runs"
}

// IsApplyClass reports whether the run mutates infrastructure.
func (r *PipelineRun) IsApplyClass() bool {
	return r.Kind == RunKindMerge && (r.Environment == TierStaging || r.Environment == TierProduction)
}

// LatestStage returns the most recent stage execution of the given kind.
func (r *PipelineRun) LatestStage(kind StageKind) *StageExecution {
	for i := len(r.Stages) - 1; i >= 0; i-- {
		if r.Stages[i].Kind == kind {
			return &r.Stages[i]
		}
	}
	return nil
}

// ComputeRunIdentity returns a deterministic key for a change event so that
// duplicate deliveries map to the same run.
func ComputeRunIdentity(kind RunKind, changeRef string, env Tier, prNumber int) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(changeRef))
	h.Write([]byte{0})
	h.Write([]byte(env))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(prNumber)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ComputeRunID derives the run id for the given identity and attempt.
func ComputeRunID(identity string, attempt int) string {
	if attempt <= 1 {
		return "run-" + identity
	}
	return fmt.Sprintf("run-%s-%d", identity, attempt)
}
