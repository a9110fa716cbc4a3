// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

var (
	ErrApprovalTimeout      = errors.New("approval timed out")
	ErrUnauthorizedApprover = errors.New("approver lacks required role")
	ErrAlreadyDecided       = errors.New("approval already decided")
	ErrNotFound             = errors.New("approval request not found")
	ErrInvalidDecision      = errors.New("decision must be APPROVED or REJECTED")
)

// UnauthorizedApproverError names the caller and the role they were missing.
type UnauthorizedApproverError struct {
	Approver string
	Required Role
}

func (e *UnauthorizedApproverError) Error() string {
	return fmt.Sprintf("%s does not hold role %s", e.Approver, e.Required)
}

func (e *UnauthorizedApproverError) Unwrap() error { return ErrUnauthorizedApprover }

// ApprovalTimeoutError reports the deadline that passed.
type ApprovalTimeoutError struct {
	RequestID string
	ExpiresAt time.Time
}

func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("approval %s expired at %s", e.RequestID, e.ExpiresAt.Format(time.RFC3339))
}

func (e *ApprovalTimeoutError) Unwrap() error { return ErrApprovalTimeout }

func alreadyDecided(req *models.ApprovalRequest) error {
	return fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, req.ID, req.Decision)
}
