// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/pkg/client"
)

func newRunCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect pipeline runs",
	}
	cmd.AddCommand(newRunGetCommand(opts), newRunListCommand(opts), newRunAuditCommand(opts))
	return cmd
}

func newRunGetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run with its approval and plan artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := opts.apiClient(cmd.Context()).GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), opts.output, detail)
		},
	}
}

func newRunListCommand(opts *globalOptions) *cobra.Command {
	var (
		list   client.ListRunsOptions
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				var s models.RunStatus
				if err := s.UnmarshalText([]byte(strings.ToUpper(status))); err != nil {
					return fmt.Errorf("invalid --status: %w", err)
				}
				list.Status = s.String()
			}
			runs, err := opts.apiClient(cmd.Context()).ListRuns(cmd.Context(), list)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), opts.output, runs)
		},
	}

	f := cmd.Flags()
	f.StringVar(&list.Environment, "environment", "", "Only runs targeting this environment")
	f.StringVar(&list.ChangeRef, "change-ref", "", "Only runs for this change reference")
	f.StringVar(&status, "status", "", "Only runs in this status")
	f.IntVar(&list.Limit, "limit", 50, "Maximum number of runs")
	return cmd
}

func newRunAuditCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <run-id>",
		Short: "Show the audit trail of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := opts.apiClient(cmd.Context()).RunAudit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), opts.output, records)
		},
	}
}

func newDecisionCommand(opts *globalOptions, decision string) *cobra.Command {
	var comment string

	cmd := &cobra.Command{
		Use:   decision + " <run-id>",
		Short: fmt.Sprintf("%s the pending approval of a run", strings.ToUpper(decision[:1])+decision[1:]),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.apiClient(cmd.Context()).Decide(cmd.Context(), args[0], decision, comment)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), opts.output, req)
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "Comment recorded with the decision")
	return cmd
}

func newAbortCommand(opts *globalOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "abort <run-id>",
		Short: "Abort a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.apiClient(cmd.Context()).Abort(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), opts.output, map[string]string{
				"run_id": args[0],
				"status": status.String(),
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit trail")
	return cmd
}
