// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/orchestrator/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetDatabaseLogger()
		log = &l
	})
	return log
}

// ErrVersionConflict is returned when an optimistic update lost a race.
var ErrVersionConflict = errors.New("pipeline run was modified concurrently")

// GormDB wraps the GORM database connection
type GormDB struct {
	db *gorm.DB
}

// NewGormDB creates a new GORM database connection
func NewGormDB(cfg *config.DatabaseConfig) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite allows a single writer; serializing connections avoids SQLITE_BUSY under concurrent runs.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	getLog().Debug().Str("driver", cfg.Driver).Str("database", cfg.Database).Msg("Database connection opened")
	return &GormDB{db: db}, nil
}

var allModels = []any{
	&models.PipelineRun{},
	&models.StageExecution{},
	&models.PlanArtifact{},
	&models.ApprovalRequest{},
	&models.StateLock{},
	&models.AuditRecord{},
}

// AutoMigrate runs database migrations
func (db *GormDB) AutoMigrate() error {
	return db.db.AutoMigrate(allModels...)
}

// ValidateSchema checks if GORM models match the database schema
func (db *GormDB) ValidateSchema() error {
	m := db.db.Migrator()

	var missingTables []string
	for _, model := range allModels {
		if !m.HasTable(model) {
			missingTables = append(missingTables, tableName(model))
		}
	}
	if len(missingTables) > 0 {
		return fmt.Errorf("missing tables: %v\n\nRun 'shipyard migrate' to create the required tables", missingTables)
	}

	required := map[any][]string{
		&models.PipelineRun{}:     {"id", "identity_key", "status", "phase", "plan_hash", "version"},
		&models.StageExecution{}:  {"id", "run_id", "seq", "kind", "outcome", "exit_status", "output_ref"},
		&models.PlanArtifact{}:    {"id", "run_id", "content_hash", "object_key", "expires_at"},
		&models.ApprovalRequest{}: {"id", "run_id", "stage_id", "decision", "expires_at"},
		&models.StateLock{}:       {"resource_key", "holder_id", "lease_expires_at"},
		&models.AuditRecord{}:     {"run_id", "actor", "outcome", "severity", "timestamp"},
	}
	var missingColumns []string
	for model, cols := range required {
		for _, col := range cols {
			if !m.HasColumn(model, col) {
				missingColumns = append(missingColumns, fmt.Sprintf("%s.%s", tableName(model), col))
			}
		}
	}
	if len(missingColumns) > 0 {
		return fmt.Errorf("missing columns: %v\n\nRun 'shipyard migrate' to add the required columns", missingColumns)
	}

	return nil
}

func tableName(model any) string {
	if t, ok := model.(interface{ TableName() string }); ok {
		return t.TableName()
	}
	return fmt.Sprintf("%T", model)
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks connectivity for health endpoints.
func (db *GormDB) Ping(ctx context.Context) error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
