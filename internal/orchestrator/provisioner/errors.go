// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package provisioner

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStaleLock means apply was attempted without a live lock; the run
	// must re-plan.
	ErrStaleLock = errors.New("state lock not held")
	// ErrPlanIntegrity means the stored plan file no longer matches its artifact.
	ErrPlanIntegrity = errors.New("plan file does not match artifact hash")
	// ErrPlanExpired means the artifact is past its validity window.
	ErrPlanExpired = errors.New("plan artifact expired")
)

// StaleLockError names the lock the apply expected to hold.
type StaleLockError struct {
	ResourceKey string
	HolderID    string
}

func (e *StaleLockError) Error() string {
	return fmt.Sprintf("%s does not hold a live lock on %s", e.HolderID, e.ResourceKey)
}

func (e *StaleLockError) Unwrap() error { return ErrStaleLock }

// ExecutionError is a tool command that exited non-zero. Stderr is the
// captured diagnostic output, verbatim.
type ExecutionError struct {
	Command   string
	ExitCode  int
	Stderr    string
	Transient bool
	Retries   int
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if line := lastLine(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

// transientMarkers are stderr fragments of failures worth retrying.
var transientMarkers = []string{
	"i/o timeout",
	"tls handshake timeout",
	"connection reset by peer",
	"connection refused",
	"temporary failure in name resolution",
	"no such host",
	"too many requests",
	"rate exceeded",
	"rate limit",
	"throttling",
	"requestlimitexceeded",
	"503 service unavailable",
	"context deadline exceeded (client.timeout",
}

// isTransient classifies tool output.
func isTransient(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, m := range transientMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
