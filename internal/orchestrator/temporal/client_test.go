// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package temporal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/enums/v1"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal/types"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal/workflows"
)

// TestGetWorkflowStatus_AllStatuses tests all workflow status mappings
func TestGetWorkflowStatus_AllStatuses(t *testing.T) {
	tests := []struct {
		name           string
		temporalStatus enums.WorkflowExecutionStatus
		expectedStatus WorkflowStatus
		expectError    bool
	}{
		{
			name:           "Running",
			temporalStatus: enums.WORKFLOW_EXECUTION_STATUS_RUNNING,
			expectedStatus: WorkflowStatusRunning,
		},
		{
			name:           "Completed",
			temporalStatus: enums.WORKFLOW_EXECUTION_STATUS_COMPLETED,
			expectedStatus: WorkflowStatusCompleted,
		},
		{
			name:           "Failed",
			temporalStatus: enums.WORKFLOW_EXECUTION_STATUS_FAILED,
			expectedStatus: WorkflowStatusFailed,
		},
		{
			name:           "Canceled",
			temporalStatus: enums.WORKFLOW_EXECUTION_STATUS_CANCELED,
			expectedStatus: WorkflowStatusCanceled,
		},
		{
			name:           "Terminated",
			temporalStatus: enums.WORKFLOW_EXECUTION_STATUS_TERMINATED,
			expectedStatus: WorkflowStatusTerminated,
		},
		{
			name:           "TimedOut",
			temporalStatus: enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT,
			expectedStatus: WorkflowStatusTimedOut,
		},
		{
			name:           "Unspecified",
			temporalStatus: enums.WORKFLOW_EXECUTION_STATUS_UNSPECIFIED,
			expectedStatus: WorkflowStatusUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Test the exported mapping function directly
			status := MapWorkflowExecutionStatus(tt.temporalStatus)
			assert.Equal(t, tt.expectedStatus, status, "Status mapping should be correct for %s", tt.name)
		})
	}
}

func testConfig() *config.AppConfig {
	cfg := config.Default()
	cfg.Temporal.TaskQueue = "shipyard-test"
	return cfg
}

func TestStartPipelineRun(t *testing.T) {
	mockClient := &mocks.Client{}
	cfg := testConfig()
	c := NewClientFrom(mockClient, cfg)

	mockClient.On("ExecuteWorkflow", mock.Anything,
		mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
			return o.ID == "pipeline-run-run-1" &&
				o.TaskQueue == "shipyard-test" &&
				o.WorkflowIDConflictPolicy == enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING
		}),
		workflows.PipelineRunWorkflowName,
		mock.MatchedBy(func(in types.PipelineRunWorkflowInput) bool {
			return in.RunID == "run-1" && in.Activity.StageTimeout == cfg.Temporal.Activity.StageTimeout
		}),
	).Return(&mocks.WorkflowRun{}, nil).Once()

	require.NoError(t, c.StartPipelineRun(context.Background(), "run-1"))
	mockClient.AssertExpectations(t)
}

func TestStartPipelineRun_Error(t *testing.T) {
	mockClient := &mocks.Client{}
	c := NewClientFrom(mockClient, testConfig())
	mockClient.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("namespace not found"))

	err := c.StartPipelineRun(context.Background(), "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "namespace not found")
}

func TestSignalApprovalAndCancel(t *testing.T) {
	mockClient := &mocks.Client{}
	c := NewClientFrom(mockClient, testConfig())
	decision := types.ApprovalDecision{RequestID: "approval-1", Decision: models.DecisionApproved, Approver: "alice"}

	mockClient.On("SignalWorkflow", mock.Anything, "pipeline-run-run-1", "", types.ApprovalDecisionSignal, decision).Return(nil).Once()
	mockClient.On("CancelWorkflow", mock.Anything, "pipeline-run-run-1", "").Return(nil).Once()

	require.NoError(t, c.SignalApproval(context.Background(), "run-1", decision))
	require.NoError(t, c.CancelRun(context.Background(), "run-1"))
	mockClient.AssertExpectations(t)
}

func TestGetWorkflowStatus(t *testing.T) {
	mockClient := &mocks.Client{}
	c := NewClientFrom(mockClient, testConfig())
	mockClient.On("DescribeWorkflowExecution", mock.Anything, "pipeline-run-run-1", "").Return(
		&workflowservice.DescribeWorkflowExecutionResponse{
			WorkflowExecutionInfo: &workflowpb.WorkflowExecutionInfo{Status: enums.WORKFLOW_EXECUTION_STATUS_RUNNING},
		}, nil)
	mockClient.On("DescribeWorkflowExecution", mock.Anything, "nonexistent-workflow", "").Return(
		nil, errors.New("workflow not found"))

	status, err := c.GetWorkflowStatus(context.Background(), RunWorkflowID("run-1"))
	require.NoError(t, err)
	assert.Equal(t, WorkflowStatusRunning, status)

	status, err = c.GetWorkflowStatus(context.Background(), "nonexistent-workflow")
	assert.Error(t, err)
	assert.Equal(t, WorkflowStatusUnknown, status)
	assert.Contains(t, err.Error(), "workflow not found")
}

// TestWorkflowStatusConstants verifies the status constants are properly defined
func TestWorkflowStatusConstants(t *testing.T) {
	// Verify the iota ordering is correct
	assert.Equal(t, WorkflowStatus(0), WorkflowStatusUnknown)
	assert.Equal(t, WorkflowStatus(1), WorkflowStatusRunning)
	assert.Equal(t, WorkflowStatus(2), WorkflowStatusCompleted)
	assert.Equal(t, WorkflowStatus(3), WorkflowStatusFailed)
	assert.Equal(t, WorkflowStatus(4), WorkflowStatusCanceled)
	assert.Equal(t, WorkflowStatus(5), WorkflowStatusTerminated)
	assert.Equal(t, WorkflowStatus(6), WorkflowStatusTimedOut)
}

// TestWorkflowStatus_String tests the String() method on WorkflowStatus
func TestWorkflowStatus_String(t *testing.T) {
	tests := []struct {
		status   WorkflowStatus
		expected string
	}{
		{WorkflowStatusUnknown, "unknown"},
		{WorkflowStatusRunning, "running"},
		{WorkflowStatusCompleted, "completed"},
		{WorkflowStatusFailed, "failed"},
		{WorkflowStatusCanceled, "canceled"},
		{WorkflowStatusTerminated, "terminated"},
		{WorkflowStatusTimedOut, "timed_out"},
		{WorkflowStatus(99), "unknown"}, // Unknown value
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}
