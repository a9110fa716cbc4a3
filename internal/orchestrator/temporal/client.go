// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package temporal wraps the Temporal client used to start, signal and
// cancel pipeline run workflows.
package temporal

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal/types"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal/utils"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal/workflows"
)

// WorkflowStatus represents the current status of a workflow
type WorkflowStatus int

const (
	WorkflowStatusUnknown WorkflowStatus = iota
	WorkflowStatusRunning
	WorkflowStatusCompleted
	WorkflowStatusFailed
	WorkflowStatusCanceled
	WorkflowStatusTerminated
	WorkflowStatusTimedOut
)

// String returns the string representation of WorkflowStatus
func (s WorkflowStatus) String() string {
	switch s {
	case WorkflowStatusRunning:
		return "running"
	case WorkflowStatusCompleted:
		return "completed"
	case WorkflowStatusFailed:
		return "failed"
	case WorkflowStatusCanceled:
		return "canceled"
	case WorkflowStatusTerminated:
		return "terminated"
	case WorkflowStatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

var (
	temporalLog     *zerolog.Logger
	temporalLogOnce sync.Once
)

func getTemporalLog() *zerolog.Logger {
	temporalLogOnce.Do(func() {
		l := logger.GetTemporalLogger().With().Str("component", "client").Logger()
		temporalLog = &l
	})
	return temporalLog
}

// Client wraps the Temporal client and provides additional functionality
type Client struct {
	temporalClient client.Client
	namespace      string
	taskQueue      string
	cfg            *config.AppConfig
}

// NewClient dials Temporal with the configured host, namespace and task queue.
func NewClient(cfg *config.AppConfig) (*Client, error) {
	options := client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    logger.GetTemporalLogAdapter("temporal"),
	}

	temporalClient, err := client.Dial(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create Temporal client: %w", err)
	}

	getTemporalLog().Info().Msgf("Connected to Temporal at %s, namespace: %s", cfg.Temporal.HostPort, cfg.Temporal.Namespace)
	return NewClientFrom(temporalClient, cfg), nil
}

// NewClientFrom wraps an existing Temporal client.
func NewClientFrom(temporalClient client.Client, cfg *config.AppConfig) *Client {
	return &Client{
		temporalClient: temporalClient,
		namespace:      cfg.Temporal.Namespace,
		taskQueue:      cfg.Temporal.TaskQueue,
		cfg:            cfg,
	}
}

// GetTemporalClient returns the underlying Temporal client
func (c *Client) GetTemporalClient() client.Client {
	return c.temporalClient
}

// GetTaskQueue returns the task queue name
func (c *Client) GetTaskQueue() string {
	return c.taskQueue
}

// RunWorkflowID is the workflow id that drives runID.
func RunWorkflowID(runID string) string {
	return "pipeline-run-" + runID
}

// StartWorkflow starts a workflow execution. Starting an id that is already
// running attaches to the existing execution, so redelivered triggers are
// harmless; a failed execution may be started again under the same id.
func (c *Client) StartWorkflow(ctx context.Context, workflowID string, workflow interface{}, args ...interface{}) (client.WorkflowRun, error) {
	options := client.StartWorkflowOptions{
		ID:                       workflowID,
		TaskQueue:                c.taskQueue,
		WorkflowExecutionTimeout: utils.GetWorkflowExecutionTimeout(c.cfg),
		WorkflowRunTimeout:       utils.GetWorkflowRunTimeout(c.cfg),
		WorkflowTaskTimeout:      utils.GetWorkflowTaskTimeout(c.cfg),
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}

	we, err := c.temporalClient.ExecuteWorkflow(ctx, options, workflow, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow: %w", err)
	}

	getTemporalLog().Info().Msgf("Started workflow %v with ID: %s", workflow, workflowID)
	return we, nil
}

// StartPipelineRun starts the durable driver of runID.
func (c *Client) StartPipelineRun(ctx context.Context, runID string) error {
	_, err := c.StartWorkflow(ctx, RunWorkflowID(runID), workflows.PipelineRunWorkflowName, types.PipelineRunWorkflowInput{
		RunID:    runID,
		Activity: utils.ActivitySettings(c.cfg),
	})
	return err
}

// SignalApproval wakes the workflow of runID after a decision was recorded.
func (c *Client) SignalApproval(ctx context.Context, runID string, decision types.ApprovalDecision) error {
	return c.SignalWorkflow(ctx, RunWorkflowID(runID), types.ApprovalDecisionSignal, decision)
}

// CancelRun cancels the workflow of runID.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.CancelWorkflow(ctx, RunWorkflowID(runID))
}

// SignalWorkflow sends a signal to a running workflow
func (c *Client) SignalWorkflow(ctx context.Context, workflowID, signalName string, arg interface{}) error {
	err := c.temporalClient.SignalWorkflow(ctx, workflowID, "", signalName, arg)
	if err != nil {
		return fmt.Errorf("failed to signal workflow: %w", err)
	}

	getTemporalLog().Debug().Msgf("Sent signal %s to workflow %s", signalName, workflowID)
	return nil
}

// MapWorkflowExecutionStatus maps Temporal's WorkflowExecutionStatus to our WorkflowStatus type.
// Exported for testing purposes.
func MapWorkflowExecutionStatus(status enums.WorkflowExecutionStatus) WorkflowStatus {
	switch status {
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return WorkflowStatusRunning
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return WorkflowStatusCompleted
	case enums.WORKFLOW_EXECUTION_STATUS_FAILED:
		return WorkflowStatusFailed
	case enums.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return WorkflowStatusCanceled
	case enums.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return WorkflowStatusTerminated
	case enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return WorkflowStatusTimedOut
	default:
		return WorkflowStatusUnknown
	}
}

// GetWorkflowStatus returns the current status of a workflow by ID.
// Returns an error if the workflow doesn't exist.
func (c *Client) GetWorkflowStatus(ctx context.Context, workflowID string) (WorkflowStatus, error) {
	desc, err := c.temporalClient.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return WorkflowStatusUnknown, fmt.Errorf("failed to describe workflow: %w", err)
	}

	return MapWorkflowExecutionStatus(desc.WorkflowExecutionInfo.Status), nil
}

// CancelWorkflow requests cancellation of a running workflow.
// The workflow will receive a cancellation signal and can clean up gracefully.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID string) error {
	err := c.temporalClient.CancelWorkflow(ctx, workflowID, "")
	if err != nil {
		return fmt.Errorf("failed to cancel workflow: %w", err)
	}

	getTemporalLog().Info().Msgf("Cancelled workflow %s", workflowID)
	return nil
}

// Close closes the Temporal client connection
func (c *Client) Close() error {
	if c.temporalClient != nil {
		c.temporalClient.Close()
		getTemporalLog().Info().Msg("Temporal client closed")
	}
	return nil
}
