// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package common provides shared types used across multiple packages.
package common

// Metadata contains common fields for every event the orchestrator publishes
// to observers (API stream subscribers, audit sinks).
type Metadata struct {
	// RunID correlates the event with a pipeline run. Empty for lock-level events.
	RunID string `json:"run_id,omitempty"`

	// IdempotencyKey lets subscribers drop duplicates caused by activity retries.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Version indicates the protocol version, "v{major}.{minor}.{patch}".
	Version string `json:"version"`
}

// CurrentProtocolVersion defines the current version of the event protocol.
const CurrentProtocolVersion = "v1.0.0"

// Event is anything the orchestrator can publish on its event channel.
type Event interface {
	GetMetadata() Metadata
}
