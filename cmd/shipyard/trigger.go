// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/noldarim/shipyard/internal/orchestrator/engine"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

type triggerOptions struct {
	file        string
	kind        string
	changeRef   string
	branch      string
	environment string
	prNumber    int
	linkedRun   string
}

func newTriggerCommand(opts *globalOptions) *cobra.Command {
	t := &triggerOptions{}

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Submit a change event and start a pipeline run",
		Long: `Submit a change event. The event comes from flags or from a YAML/JSON
file (use "-" for stdin). Flags override fields read from the file.`,
		Example: `  shipyard trigger --kind merge --change-ref 3f2a9c1 --environment staging
  shipyard trigger -f event.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := t.request(cmd)
			if err != nil {
				return err
			}
			res, err := opts.apiClient(cmd.Context()).Trigger(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !res.Created {
				fmt.Fprintf(cmd.ErrOrStderr(), "Duplicate event, returning existing run %s\n", res.Run.ID)
			}
			return printValue(cmd.OutOrStdout(), opts.output, res)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&t.file, "file", "f", "", "Read the event from a YAML or JSON file")
	f.StringVar(&t.kind, "kind", "", "Event kind: pull_request or merge")
	f.StringVar(&t.changeRef, "change-ref", "", "Commit or change reference")
	f.StringVar(&t.branch, "branch", "", "Source branch")
	f.StringVar(&t.environment, "environment", "", "Target environment: feature, staging or production")
	f.IntVar(&t.prNumber, "pr", 0, "Pull request number")
	f.StringVar(&t.linkedRun, "linked-run", "", "Staging run promoted by a production run")
	return cmd
}

func (t *triggerOptions) request(cmd *cobra.Command) (engine.TriggerRequest, error) {
	var req engine.TriggerRequest
	if t.file != "" {
		var (
			data []byte
			err  error
		)
		if t.file == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(t.file)
		}
		if err != nil {
			return req, fmt.Errorf("read event file: %w", err)
		}
		// YAML is a superset of JSON, one decoder covers both.
		if err := yaml.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("parse event file: %w", err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("kind") {
		req.Kind = models.RunKind(t.kind)
	}
	if flags.Changed("change-ref") {
		req.ChangeRef = t.changeRef
	}
	if flags.Changed("branch") {
		req.Branch = t.branch
	}
	if flags.Changed("environment") {
		req.Environment = models.Tier(t.environment)
	}
	if flags.Changed("pr") {
		req.PRNumber = t.prNumber
	}
	if flags.Changed("linked-run") {
		req.LinkedRunID = t.linkedRun
	}

	if req.Kind == "" || req.ChangeRef == "" || req.Environment == "" {
		return req, fmt.Errorf("kind, change-ref and environment are required")
	}
	return req, nil
}
