// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"fmt"
	"time"
)

// Decision is the state of an approval request.
type Decision int

const (
	DecisionPending Decision = iota
	DecisionApproved
	DecisionRejected
	DecisionExpired
	DecisionAborted
)

func (d Decision) String() string {
	switch d {
	case DecisionPending:
		return "PENDING"
	case DecisionApproved:
		return "APPROVED"
	case DecisionRejected:
		return "REJECTED"
	case DecisionExpired:
		return "EXPIRED"
	case DecisionAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

func (d Decision) IsTerminal() bool { return d != DecisionPending }

func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Decision) UnmarshalText(b []byte) error {
	for c := DecisionPending; c <= DecisionAborted; c++ {
		if c.String() == string(b) {
			*d = c
			return nil
		}
	}
	return fmt.Errorf("unknown decision %q", string(b))
}

// ApprovalRequest gates an apply behind a human decision.
type ApprovalRequest struct {
	ID           string   `gorm:"primaryKey;type:text" json:"id"`
	RunID        string   `gorm:"type:text;not null;index" json:"run_id"`
	StageID      string   `gorm:"type:text;not null;uniqueIndex" json:"stage_id"`
	PlanHash     string   `gorm:"type:text" json:"plan_hash,omitempty"`
	RequiredRole string   `gorm:"type:text;not null" json:"required_role"`
	Decision     Decision `gorm:"not null;default:0;index" json:"decision"`
	Approver     string   `gorm:"type:text" json:"approver,omitempty"`
	Comment      string   `gorm:"type:text" json:"comment,omitempty"`

	RequestedAt time.Time  `gorm:"not null" json:"requested_at"`
	ExpiresAt   time.Time  `gorm:"not null;index" json:"expires_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

func (ApprovalRequest) TableName() string {
	return "approval_requests"
}
