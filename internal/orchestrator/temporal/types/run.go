// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package types holds the payloads exchanged between the pipeline workflow,
// its activities and the service layer.
package types

import (
	"time"

	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

// ApprovalDecisionSignal wakes a run parked at the approval gate.
const ApprovalDecisionSignal = "approval-decision"

// ActivitySettings carries activity timeouts into the workflow so that the
// workflow code never reads configuration itself.
type ActivitySettings struct {
	StageTimeout       time.Duration `json:"stage_timeout"`
	ShortTimeout       time.Duration `json:"short_timeout"`
	HeartbeatTimeout   time.Duration `json:"heartbeat_timeout"`
	InitialInterval    time.Duration `json:"initial_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
	MaximumInterval    time.Duration `json:"maximum_interval"`
	MaximumAttempts    int32         `json:"maximum_attempts"`
}

// PipelineRunWorkflowInput starts the durable driver of one run.
type PipelineRunWorkflowInput struct {
	RunID    string           `json:"run_id"`
	Activity ActivitySettings `json:"activity"`
}

// PipelineRunWorkflowOutput is the final state of the run.
type PipelineRunWorkflowOutput struct {
	RunID  string           `json:"run_id"`
	Status models.RunStatus `json:"status"`
	Phase  models.Phase     `json:"phase"`
	Steps  int              `json:"steps"`
	Error  string           `json:"error,omitempty"`
}

// AdvanceRunActivityInput names the run to advance by one transition.
type AdvanceRunActivityInput struct {
	RunID string `json:"run_id"`
}

// AdvanceRunActivityOutput is the run state after the transition. When the
// run waits for approval, ApprovalDeadline is the instant the request expires.
type AdvanceRunActivityOutput struct {
	RunID            string           `json:"run_id"`
	Status           models.RunStatus `json:"status"`
	Phase            models.Phase     `json:"phase"`
	Error            string           `json:"error,omitempty"`
	ApprovalID       string           `json:"approval_id,omitempty"`
	ApprovalDeadline *time.Time       `json:"approval_deadline,omitempty"`
}

// AbortRunActivityInput aborts a run on behalf of actor.
type AbortRunActivityInput struct {
	RunID  string `json:"run_id"`
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// AbortRunActivityOutput reports the status after the abort.
type AbortRunActivityOutput struct {
	Status models.RunStatus `json:"status"`
}

// ApprovalDecision is the payload of ApprovalDecisionSignal. The decision is
// already persisted when the signal is sent; the workflow only needs to wake.
type ApprovalDecision struct {
	RequestID string          `json:"request_id"`
	Decision  models.Decision `json:"decision"`
	Approver  string          `json:"approver"`
}
