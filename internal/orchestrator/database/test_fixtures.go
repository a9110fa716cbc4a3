// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/noldarim/shipyard/internal/config"

	"github.com/stretchr/testify/require"
)

// DatabaseFixture represents a database setup with cleanup
type DatabaseFixture struct {
	DB      *GormDB
	Cleanup func()
}

// UseFreshInMemoryDatabase creates an isolated in-memory SQLite database with
// migrations applied. Each call gets its own named database so tests sharing a
// process never see each other's rows.
func UseFreshInMemoryDatabase(t *testing.T) *DatabaseFixture {
	t.Helper()
	cfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	}

	db, err := NewGormDB(cfg)
	require.NoError(t, err, "Failed to create in-memory database")

	err = db.AutoMigrate()
	require.NoError(t, err, "Failed to run migrations on in-memory database")

	fixture := &DatabaseFixture{
		DB:      db,
		Cleanup: func() { _ = db.Close() },
	}
	t.Cleanup(fixture.Cleanup)
	return fixture
}

// WithInMemoryConfig returns the default configuration backed by an in-memory database.
func WithInMemoryConfig() *config.AppConfig {
	cfg := config.Default()
	cfg.Database = config.DatabaseConfig{
		Driver:   "sqlite",
		Database: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	}
	return cfg
}
