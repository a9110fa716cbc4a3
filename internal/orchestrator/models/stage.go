// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"fmt"
	"time"
)

// StageKind is the closed set of stages a run moves through.
type StageKind int

const (
	StageValidate StageKind = iota
	StagePlan
	StageApproval
	StageApply
)

func (k StageKind) String() string {
	switch k {
	case StageValidate:
		return "VALIDATE"
	case StagePlan:
		return "PLAN"
	case StageApproval:
		return "APPROVAL"
	case StageApply:
		return "APPLY"
	default:
		return "UNKNOWN"
	}
}

func (k StageKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *StageKind) UnmarshalText(b []byte) error {
	for c := StageValidate; c <= StageApply; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown stage kind %q", string(b))
}

// StageOutcome records how a stage execution ended.
type StageOutcome int

const (
	StageOutcomeRunning StageOutcome = iota
	StageOutcomeSucceeded
	StageOutcomeFailed
	StageOutcomeAborted
	// StageOutcomeSuperseded marks a stage whose result was discarded by a re-plan.
	StageOutcomeSuperseded
)

func (o StageOutcome) String() string {
	switch o {
	case StageOutcomeRunning:
		return "running"
	case StageOutcomeSucceeded:
		return "succeeded"
	case StageOutcomeFailed:
		return "failed"
	case StageOutcomeAborted:
		return "aborted"
	case StageOutcomeSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

func (o StageOutcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *StageOutcome) UnmarshalText(b []byte) error {
	for c := StageOutcomeRunning; c <= StageOutcomeSuperseded; c++ {
		if c.String() == string(b) {
			*o = c
			return nil
		}
	}
	return fmt.Errorf("unknown stage outcome %q", string(b))
}

// NoExitStatus is recorded when no tool process ran for the stage.
const NoExitStatus = -1

// StageExecution is one attempt at a stage within a run.
type StageExecution struct {
	ID    string `gorm:"primaryKey;type:text" json:"id"`
	RunID string `gorm:"type:text;not null;index;uniqueIndex:idx_stage_run_seq,priority:1" json:"run_id"`
	// Seq numbers the executions of a run from 1 in creation order.
	Seq        int          `gorm:"not null;default:0;uniqueIndex:idx_stage_run_seq,priority:2" json:"seq"`
	Kind       StageKind    `gorm:"not null" json:"kind"`
	Outcome    StageOutcome `gorm:"not null;default:0" json:"outcome"`
	ExitStatus int          `gorm:"not null;default:-1" json:"exit_status"`
	RetryCount int          `json:"retry_count"`
	// OutputRef is the artifact-store key of the captured tool output.
	OutputRef      string     `gorm:"type:text" json:"output_ref,omitempty"`
	DiagnosticTail string     `gorm:"type:text" json:"diagnostic_tail,omitempty"`
	Error          string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

func (StageExecution) TableName() string {
	return "stage_executions"
}
