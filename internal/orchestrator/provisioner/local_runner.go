// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package provisioner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// LocalRunner runs the tool binary on the orchestrator host.
type LocalRunner struct {
	binary    string
	env       map[string]string
	maxOutput int
}

// NewLocalRunner creates a runner for binary. env is added to the inherited
// process environment of every command.
func NewLocalRunner(binary string, env map[string]string, maxOutput int) *LocalRunner {
	return &LocalRunner{binary: binary, env: env, maxOutput: maxOutput}
}

func (r *LocalRunner) Run(ctx context.Context, c Command) (*Result, error) {
	cmd := exec.CommandContext(ctx, r.binary, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), mergeEnv(r.env, c.Env)...)
	// The tool must never prompt.
	cmd.Env = append(cmd.Env, "TF_IN_AUTOMATION=1", "TF_INPUT=0")

	stdout := newTailBuffer(r.maxOutput)
	stderr := newTailBuffer(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	getLog().Debug().
		Str("binary", r.binary).
		Str("command", c.String()).
		Str("dir", c.Dir).
		Msg("Running tool command")

	start := time.Now()
	runErr := cmd.Run()
	result := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		case ctx.Err() != nil:
			return result, fmt.Errorf("%s %s cancelled: %w", r.binary, c, ctx.Err())
		default:
			return result, fmt.Errorf("run %s: %w", r.binary, runErr)
		}
	}
	if result.ExitCode < 0 && ctx.Err() != nil {
		return result, fmt.Errorf("%s %s cancelled: %w", r.binary, c, ctx.Err())
	}
	return result, nil
}
