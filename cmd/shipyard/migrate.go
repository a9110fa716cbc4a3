// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/orchestrator/database"
)

func newMigrateCommand(opts *globalOptions) *cobra.Command {
	var validateOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			db, err := database.NewGormDB(&cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Database: %s (%s)\n", cfg.Database.Driver, cfg.Database.Database)

			if !validateOnly {
				if err := db.AutoMigrate(); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintln(out, "Migration completed")
			}

			if err := db.ValidateSchema(); err != nil {
				return fmt.Errorf("schema validation failed: %w", err)
			}
			fmt.Fprintln(out, "Schema is valid")
			return nil
		},
	}

	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "Only check the schema, do not migrate")
	return cmd
}
