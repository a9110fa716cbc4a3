// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"errors"
	"fmt"

	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

var (
	ErrRunNotFound = errors.New("pipeline run not found")
	// ErrPromotion means a production run has no successful staging run for
	// its change reference.
	ErrPromotion = errors.New("promotion requirements not met")
	// ErrStageValidation marks a failed syntax or format check.
	ErrStageValidation = errors.New("stage validation failed")
	// ErrConcurrentTransition means another driver advanced the run first.
	ErrConcurrentTransition = errors.New("run advanced concurrently")
	// ErrInvalidTrigger rejects malformed change events.
	ErrInvalidTrigger = errors.New("invalid trigger")
	// ErrRunAborted is the cancellation cause of an apply stopped by Abort.
	ErrRunAborted = errors.New("run aborted")
)

// StageValidationError wraps the tool failure of a validate stage.
type StageValidationError struct {
	Err error
}

func (e *StageValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Err)
}

func (e *StageValidationError) Unwrap() []error { return []error{ErrStageValidation, e.Err} }

// PromotionError describes the missing staging run.
type PromotionError struct {
	ChangeRef string
	Reason    string
}

func (e *PromotionError) Error() string {
	return fmt.Sprintf("change %s cannot be promoted to production: %s", e.ChangeRef, e.Reason)
}

func (e *PromotionError) Unwrap() error { return ErrPromotion }

// StalePlanError sends a run back to PLAN.
type StalePlanError struct {
	RunID  string
	Reason string
}

func (e *StalePlanError) Error() string {
	return fmt.Sprintf("plan of %s is stale: %s", e.RunID, e.Reason)
}

func invalidTrigger(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTrigger, fmt.Sprintf(format, args...))
}

func phaseSeverity(to models.Phase) models.Severity {
	switch to {
	case models.PhaseFailed, models.PhaseAborted:
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}
