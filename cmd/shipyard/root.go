// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/noldarim/shipyard/pkg/client"
)

const (
	appName    = "shipyard"
	appVersion = "0.1.0"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	server     string
	user       string
	roles      string
	token      string
	output     string
	retries    int

	tokenURL     string
	clientID     string
	clientSecret string
	scopes       []string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "Infrastructure pipeline orchestrator",
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case outputYAML, outputJSON:
				return nil
			default:
				return fmt.Errorf("unsupported output format %q (want yaml or json)", opts.output)
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to config file (default: search ./config.yaml, /etc/shipyard)")
	flags.StringVar(&opts.server, "server", envOr("SHIPYARD_SERVER", "http://localhost:8080"), "Shipyard API endpoint")
	flags.StringVar(&opts.user, "user", os.Getenv("SHIPYARD_USER"), "Identity sent in header auth mode")
	flags.StringVar(&opts.roles, "roles", os.Getenv("SHIPYARD_ROLES"), "Comma-separated roles sent in header auth mode")
	flags.StringVar(&opts.token, "token", os.Getenv("SHIPYARD_TOKEN"), "Static bearer token")
	flags.StringVarP(&opts.output, "output", "o", outputYAML, "Output format: yaml or json")
	flags.IntVar(&opts.retries, "retries", 2, "Retries on transport errors and 5xx answers")
	flags.StringVar(&opts.tokenURL, "oidc-token-url", os.Getenv("SHIPYARD_OIDC_TOKEN_URL"), "OAuth2 token endpoint for client credentials")
	flags.StringVar(&opts.clientID, "oidc-client-id", os.Getenv("SHIPYARD_OIDC_CLIENT_ID"), "OAuth2 client ID")
	flags.StringVar(&opts.clientSecret, "oidc-client-secret", os.Getenv("SHIPYARD_OIDC_CLIENT_SECRET"), "OAuth2 client secret")
	flags.StringSliceVar(&opts.scopes, "oidc-scopes", nil, "OAuth2 scopes to request")

	registerCommands(rootCmd, opts)
	return rootCmd
}

func registerCommands(rootCmd *cobra.Command, opts *globalOptions) {
	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newMigrateCommand(opts))
	rootCmd.AddCommand(newTriggerCommand(opts))
	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newDecisionCommand(opts, "approve"))
	rootCmd.AddCommand(newDecisionCommand(opts, "reject"))
	rootCmd.AddCommand(newAbortCommand(opts))
	rootCmd.AddCommand(newLockCommand(opts))
}

// apiClient builds a client from the global flags. Client credentials win
// over a static token, which wins over header identity.
func (o *globalOptions) apiClient(ctx context.Context) *client.Client {
	clientOpts := []client.Option{client.WithRetries(o.retries)}

	switch {
	case o.tokenURL != "" && o.clientID != "":
		cc := &clientcredentials.Config{
			ClientID:     o.clientID,
			ClientSecret: o.clientSecret,
			TokenURL:     o.tokenURL,
			Scopes:       o.scopes,
		}
		clientOpts = append(clientOpts, client.WithTokenSource(cc.TokenSource(ctx)))
	case o.token != "":
		clientOpts = append(clientOpts, client.WithToken(o.token))
	case o.user != "":
		clientOpts = append(clientOpts, client.WithIdentity(o.user, splitRoles(o.roles)...))
	}

	return client.New(o.server, clientOpts...)
}

func splitRoles(raw string) []string {
	var roles []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
