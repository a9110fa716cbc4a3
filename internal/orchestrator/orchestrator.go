// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator assembles the pipeline engine, its durable Temporal
// driver and the background reaper into one process.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/client"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/orchestrator/approval"
	"github.com/noldarim/shipyard/internal/orchestrator/audit"
	"github.com/noldarim/shipyard/internal/orchestrator/credentials"
	"github.com/noldarim/shipyard/internal/orchestrator/database"
	"github.com/noldarim/shipyard/internal/orchestrator/engine"
	"github.com/noldarim/shipyard/internal/orchestrator/locks"
	"github.com/noldarim/shipyard/internal/orchestrator/provisioner"
	"github.com/noldarim/shipyard/internal/orchestrator/reaper"
	"github.com/noldarim/shipyard/internal/orchestrator/services"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal/activities"
	"github.com/noldarim/shipyard/internal/orchestrator/temporal/workers"
	"github.com/noldarim/shipyard/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetOrchestratorLogger()
		log = &l
	})
	return log
}

// Orchestrator owns every long-lived component of the server process.
type Orchestrator struct {
	config *config.AppConfig

	db        *database.GormDB
	recorder  *audit.Recorder
	locks     *locks.Manager
	broker    *credentials.Broker
	runner    provisioner.Runner
	artifacts provisioner.ArtifactStore
	gate      *approval.Gate
	engine    *engine.Engine

	temporalClient *temporal.Client
	temporalWorker *workers.Worker
	pipeline       *services.PipelineService
	reaper         *reaper.Reaper

	closeOnce sync.Once
}

// New connects to the database and Temporal and wires the components.
// Events (run transitions, audit records, approval prompts) are published on
// eventChan without blocking.
func New(ctx context.Context, eventChan chan<- protocol.Event, cfg *config.AppConfig) (*Orchestrator, error) {
	temporalClient, err := temporal.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}
	o, err := NewWithTemporal(ctx, eventChan, cfg, temporalClient)
	if err != nil {
		_ = temporalClient.Close()
		return nil, err
	}
	return o, nil
}

// NewWithTemporal is New with an already connected Temporal client.
func NewWithTemporal(ctx context.Context, eventChan chan<- protocol.Event, cfg *config.AppConfig, temporalClient *temporal.Client) (*Orchestrator, error) {
	o := &Orchestrator{config: cfg, temporalClient: temporalClient}

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		return nil, err
	}
	o.db = db
	if err := db.AutoMigrate(); err != nil {
		o.closeStores()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	o.recorder = audit.NewRecorder(db, eventChan)

	var lockStore locks.Store = db
	if cfg.Locks.Backend == "memory" {
		getLog().Warn().Msg("Using in-memory lock store; locks are not shared between processes")
		lockStore = locks.NewMemoryStore()
	}
	o.locks = locks.NewManager(lockStore, o.recorder, cfg.Locks)
	o.broker = credentials.NewBroker(cfg.Credentials, cfg.Environments)

	if o.runner, err = newRunner(cfg.Provisioner); err != nil {
		o.closeStores()
		return nil, err
	}
	if o.artifacts, err = provisioner.NewArtifactStore(ctx, cfg.Artifacts); err != nil {
		o.closeStores()
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	executor := provisioner.NewExecutor(o.runner, o.artifacts, o.locks, cfg)

	o.gate = approval.NewGate(db, o.recorder, approval.Role(cfg.Approval.DefaultRole), cfg.Approval.DefaultTimeout)
	o.engine = engine.New(engine.Deps{
		Store:    db,
		Locks:    o.locks,
		Executor: executor,
		Gate:     o.gate,
		Broker:   o.broker,
		Auditor:  o.recorder,
	}, cfg)

	runActivities := activities.NewRunActivities(o.engine, o.gate, cfg.Temporal.Activity.HeartbeatTimeout)
	o.temporalWorker = workers.NewWorker(temporalClient.GetTemporalClient(), cfg, runActivities)
	o.pipeline = services.NewPipelineService(o.engine, o.gate, o.locks, db, temporalClient, o.recorder)
	o.reaper = reaper.New(o.locks, db, o.engine, cfg.Reaper,
		reaper.WithPublisher(o.recorder),
		reaper.WithRunRestarts(db, temporalClient, cfg.Reaper.StalledAfter))

	getLog().Info().
		Str("database", cfg.Database.Driver).
		Str("locks", lockStoreName(cfg.Locks.Backend)).
		Str("runner", cfg.Provisioner.Runner).
		Str("artifacts", cfg.Artifacts.Backend).
		Int("environments", len(cfg.Environments)).
		Msg("Orchestrator wired")
	return o, nil
}

func newRunner(cfg config.ProvisionerConfig) (provisioner.Runner, error) {
	switch cfg.Runner {
	case "", "local":
		return provisioner.NewLocalRunner(cfg.Binary, cfg.Environment, cfg.MaxOutputBytes), nil
	case "docker":
		r, err := provisioner.NewDockerRunner(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker runner: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported provisioner runner %q", cfg.Runner)
	}
}

func lockStoreName(backend string) string {
	if backend == "memory" {
		return "memory"
	}
	return "database"
}

// Start starts the Temporal worker and, when enabled, the reaper.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.temporalWorker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start temporal worker: %w", err)
	}
	if o.config.Reaper.Enabled {
		if err := o.reaper.Start(ctx); err != nil {
			return err
		}
	}
	getLog().Info().Msg("Orchestrator started")
	return nil
}

// PipelineService returns the use-case layer for the API server.
func (o *Orchestrator) PipelineService() *services.PipelineService {
	return o.pipeline
}

// Engine exposes the state machine, mainly for tests and tooling.
func (o *Orchestrator) Engine() *engine.Engine {
	return o.engine
}

// Close stops background work and releases every resource. It is safe to
// call more than once.
func (o *Orchestrator) Close() error {
	var errs []error
	o.closeOnce.Do(func() {
		getLog().Info().Msg("Shutting down orchestrator...")

		if o.reaper != nil {
			o.reaper.Stop()
		}
		if o.temporalWorker != nil {
			if err := o.temporalWorker.Stop(); err != nil {
				getLog().Error().Err(err).Msg("Error stopping temporal worker")
				errs = append(errs, err)
			}
		}
		if o.temporalClient != nil {
			if err := o.temporalClient.Close(); err != nil {
				getLog().Error().Err(err).Msg("Error closing temporal client")
				errs = append(errs, err)
			}
		}
		errs = append(errs, o.closeStores())
		getLog().Info().Msg("Orchestrator shutdown complete")
	})
	return errors.Join(errs...)
}

func (o *Orchestrator) closeStores() error {
	var errs []error
	if o.broker != nil {
		o.broker.Close()
	}
	if closer, ok := o.runner.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close runner: %w", err))
		}
	}
	if o.db != nil {
		if err := o.db.Close(); err != nil {
			getLog().Error().Err(err).Msg("Error closing database")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TemporalClient is the raw SDK client, for callers that need the
// Temporal API directly.
func (o *Orchestrator) TemporalClient() client.Client {
	return o.temporalClient.GetTemporalClient()
}
