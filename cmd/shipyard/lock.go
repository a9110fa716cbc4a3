// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLockCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and break state locks",
	}

	show := &cobra.Command{
		Use:   "show <resource-key>",
		Short: "Show a lock with its audit history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := opts.apiClient(cmd.Context()).LockStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), opts.output, detail)
		},
	}

	var heldOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List known locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := opts.apiClient(cmd.Context()).ListLocks(cmd.Context(), heldOnly)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), opts.output, statuses)
		},
	}
	list.Flags().BoolVar(&heldOnly, "held", false, "Only locks that are currently held")

	var yes bool
	forceUnlock := &cobra.Command{
		Use:   "force-unlock <resource-key>",
		Short: "Break a lock regardless of its holder (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("force-unlock of %s requires --yes", args[0])
			}
			res, err := opts.apiClient(cmd.Context()).ForceUnlock(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if res.Warning != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", res.Warning)
			}
			return printValue(cmd.OutOrStdout(), opts.output, res)
		},
	}
	forceUnlock.Flags().BoolVar(&yes, "yes", false, "Confirm breaking the lock")

	cmd.AddCommand(show, list, forceUnlock)
	return cmd
}
