// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Events are what the orchestrator tells the outside world: run transitions,
// audit entries and approval prompts. They are fanned out to WebSocket
// subscribers and must stay JSON-serializable.
package protocol

import (
	"time"

	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

// GetIdempotencyKey extracts the idempotency key from any event
func GetIdempotencyKey(event Event) string {
	return event.GetMetadata().IdempotencyKey
}

// RunTransitionEvent is published after the engine persists a phase change.
type RunTransitionEvent struct {
	Metadata
	Environment models.Tier      `json:"environment"`
	ChangeRef   string           `json:"change_ref"`
	From        models.Phase     `json:"from"`
	To          models.Phase     `json:"to"`
	Status      models.RunStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	At          time.Time        `json:"at"`
}

func (e RunTransitionEvent) GetMetadata() Metadata {
	return e.Metadata
}

// AuditRecordedEvent mirrors an appended audit record.
type AuditRecordedEvent struct {
	Metadata
	Record models.AuditRecord `json:"record"`
}

func (e AuditRecordedEvent) GetMetadata() Metadata {
	return e.Metadata
}

// ApprovalRequestedEvent tells approvers a run is waiting on them.
type ApprovalRequestedEvent struct {
	Metadata
	Request models.ApprovalRequest `json:"request"`
	Changes models.ResourceChanges `json:"changes,omitempty"`
}

func (e ApprovalRequestedEvent) GetMetadata() Metadata {
	return e.Metadata
}

// LockForceReleasedEvent is published whenever an operator overrides a state lock.
type LockForceReleasedEvent struct {
	Metadata
	ResourceKey    string `json:"resource_key"`
	Operator       string `json:"operator"`
	PreviousHolder string `json:"previous_holder,omitempty"`
	Warning        string `json:"warning"`
}

func (e LockForceReleasedEvent) GetMetadata() Metadata {
	return e.Metadata
}

// ErrorEvent reports a failure not tied to a transition, such as a failed
// background sweep.
type ErrorEvent struct {
	Metadata
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

func (e ErrorEvent) GetMetadata() Metadata {
	return e.Metadata
}
