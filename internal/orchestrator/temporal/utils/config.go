// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package utils converts configuration into Temporal options.
package utils

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal/types"
)

const (
	defaultStageTimeout = 2 * time.Hour
	defaultShortTimeout = 30 * time.Second
)

// ActivitySettings extracts the activity settings a workflow input carries.
func ActivitySettings(cfg *config.AppConfig) types.ActivitySettings {
	a := cfg.Temporal.Activity
	return types.ActivitySettings{
		StageTimeout:       a.StageTimeout,
		ShortTimeout:       a.StartToCloseTimeout,
		HeartbeatTimeout:   a.HeartbeatTimeout,
		InitialInterval:    a.RetryPolicy.InitialInterval,
		BackoffCoefficient: a.RetryPolicy.BackoffCoefficient,
		MaximumInterval:    a.RetryPolicy.MaximumInterval,
		MaximumAttempts:    a.RetryPolicy.MaximumAttempts,
	}
}

// StageActivityOptions bounds an AdvanceRunActivity, which may run a full apply.
func StageActivityOptions(s types.ActivitySettings) workflow.ActivityOptions {
	timeout := s.StageTimeout
	if timeout <= 0 {
		timeout = defaultStageTimeout
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    s.HeartbeatTimeout,
		RetryPolicy:         retryPolicy(s),
	}
}

// ShortActivityOptions bounds bookkeeping activities such as aborts.
func ShortActivityOptions(s types.ActivitySettings) workflow.ActivityOptions {
	timeout := s.ShortTimeout
	if timeout <= 0 {
		timeout = defaultShortTimeout
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         retryPolicy(s),
	}
}

func retryPolicy(s types.ActivitySettings) *temporal.RetryPolicy {
	if s.InitialInterval <= 0 && s.MaximumAttempts == 0 {
		return nil
	}
	return &temporal.RetryPolicy{
		InitialInterval:    s.InitialInterval,
		BackoffCoefficient: s.BackoffCoefficient,
		MaximumInterval:    s.MaximumInterval,
		MaximumAttempts:    s.MaximumAttempts,
	}
}

// GetWorkflowExecutionTimeout returns the workflow execution timeout from config
func GetWorkflowExecutionTimeout(cfg *config.AppConfig) time.Duration {
	return cfg.Temporal.Workflow.WorkflowExecutionTimeout
}

// GetWorkflowRunTimeout returns the workflow run timeout from config
func GetWorkflowRunTimeout(cfg *config.AppConfig) time.Duration {
	return cfg.Temporal.Workflow.WorkflowRunTimeout
}

// GetWorkflowTaskTimeout returns the workflow task timeout from config
func GetWorkflowTaskTimeout(cfg *config.AppConfig) time.Duration {
	return cfg.Temporal.Workflow.WorkflowTaskTimeout
}
