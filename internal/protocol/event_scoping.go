// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// GetRunID / GetEnvironment / GetResourceKey let the API server's WebSocket
// filter match events without an exhaustive type switch.

func (e RunTransitionEvent) GetRunID() string           { return e.RunID }
func (e RunTransitionEvent) GetEnvironment() string     { return string(e.Environment) }
func (e AuditRecordedEvent) GetRunID() string           { return e.Record.RunID }
func (e AuditRecordedEvent) GetResourceKey() string     { return e.Record.ResourceKey }
func (e ApprovalRequestedEvent) GetRunID() string       { return e.Request.RunID }
func (e LockForceReleasedEvent) GetResourceKey() string { return e.ResourceKey }
