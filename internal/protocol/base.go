// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "github.com/noldarim/shipyard/internal/common"

// Metadata is re-exported from common so event producers need one import.
type Metadata = common.Metadata

// Event is re-exported from common.
type Event = common.Event

// CurrentProtocolVersion is re-exported from common.
const CurrentProtocolVersion = common.CurrentProtocolVersion

// NewMetadata stamps an event with the current protocol version.
func NewMetadata(runID, idempotencyKey string) Metadata {
	return Metadata{RunID: runID, IdempotencyKey: idempotencyKey, Version: CurrentProtocolVersion}
}
