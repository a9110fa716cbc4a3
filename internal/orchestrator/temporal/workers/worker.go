// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal/activities"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal/workflows"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetTemporalLogger().With().Str("component", "worker").Logger()
		log = &l
	})
	return log
}

// Worker hosts the pipeline run workflow and its activities.
type Worker struct {
	temporalClient client.Client
	taskQueue      string
	worker         worker.Worker
	runActivities  *activities.RunActivities
	config         *config.AppConfig
	mu             sync.Mutex
	stopped        bool
}

// NewWorker creates a new Temporal worker
func NewWorker(temporalClient client.Client, cfg *config.AppConfig, runActivities *activities.RunActivities) *Worker {
	return &Worker{
		temporalClient: temporalClient,
		taskQueue:      cfg.Temporal.TaskQueue,
		runActivities:  runActivities,
		config:         cfg,
	}
}

// Start starts the worker
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	getLog().Info().Str("task_queue", w.taskQueue).Msg("Starting Temporal worker")

	if w.stopped {
		return fmt.Errorf("cannot restart a stopped worker - create a new worker instance")
	}
	if w.worker != nil {
		getLog().Info().Msg("Worker already started")
		return nil
	}

	// The worker inherits the logger from the client.
	workerOptions := worker.Options{
		MaxConcurrentActivityExecutionSize:     w.config.Temporal.Worker.MaxConcurrentActivityExecutions,
		MaxConcurrentWorkflowTaskExecutionSize: w.config.Temporal.Worker.MaxConcurrentWorkflows,
		WorkerActivitiesPerSecond:              w.config.Temporal.Worker.ActivitiesPerSecond,
		TaskQueueActivitiesPerSecond:           w.config.Temporal.Worker.ActivitiesPerSecond,
	}

	w.worker = worker.New(w.temporalClient, w.taskQueue, workerOptions)
	w.worker.RegisterWorkflowWithOptions(workflows.PipelineRunWorkflow, workflow.RegisterOptions{
		Name: workflows.PipelineRunWorkflowName,
	})
	w.registerActivities()

	if err := w.worker.Start(); err != nil {
		w.worker = nil
		return fmt.Errorf("failed to start worker: %w", err)
	}

	getLog().Info().Msg("Temporal worker started successfully")
	return nil
}

func (w *Worker) registerActivities() {
	w.worker.RegisterActivity(w.runActivities.AdvanceRunActivity)
	w.worker.RegisterActivity(w.runActivities.AbortRunActivity)
	getLog().Info().Strs("activities", w.GetRegisteredActivities()).Msg("Activities registered with worker")
}

// Stop stops the worker gracefully
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.worker != nil {
		getLog().Info().Msg("Stopping Temporal worker gracefully...")
		w.worker.Stop()
		w.stopped = true
		w.worker = nil

		// Give in-flight database writes a moment to settle.
		time.Sleep(200 * time.Millisecond)
		getLog().Info().Msg("Temporal worker stopped")
	}
	return nil
}

// GetRegisteredActivities returns a list of registered activity names (for testing)
func (w *Worker) GetRegisteredActivities() []string {
	return []string{
		"AdvanceRunActivity",
		"AbortRunActivity",
	}
}

// GetRegisteredWorkflows returns a list of registered workflow names (for testing)
func (w *Worker) GetRegisteredWorkflows() []string {
	return []string{workflows.PipelineRunWorkflowName}
}
