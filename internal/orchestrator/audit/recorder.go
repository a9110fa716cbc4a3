// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit appends immutable audit records and mirrors them onto the
// orchestrator event channel.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noldarim/shipyard/internal/common"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetOrchestratorLogger().With().Str("component", "audit").Logger()
		log = &l
	})
	return log
}

// Store persists audit records.
type Store interface {
	AppendAuditRecord(ctx context.Context, record *models.AuditRecord) error
}

// Recorder is the single write path for the audit trail.
type Recorder struct {
	store  Store
	events chan<- common.Event
	now    func() time.Time
}

// NewRecorder creates a recorder. events may be nil when nobody subscribes.
func NewRecorder(store Store, events chan<- common.Event) *Recorder {
	return &Recorder{
		store:  store,
		events: events,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record appends the record and publishes it. Publishing never blocks: a full
// event channel drops the event, the database row is the source of truth.
func (r *Recorder) Record(ctx context.Context, rec *models.AuditRecord) error {
	if rec.Actor == "" {
		rec.Actor = models.SystemActor
	}
	if rec.Severity == "" {
		rec.Severity = models.SeverityInfo
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now()
	}

	if err := r.store.AppendAuditRecord(ctx, rec); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}

	event := getLog().Info()
	if rec.Severity != models.SeverityInfo {
		event = getLog().Warn()
	}
	event.Str("run_id", rec.RunID).
		Str("resource_key", rec.ResourceKey).
		Str("stage", rec.Stage).
		Str("actor", rec.Actor).
		Str("outcome", rec.Outcome).
		Str("severity", string(rec.Severity)).
		Msg("Audit record appended")

	r.Publish(protocol.AuditRecordedEvent{
		Metadata: protocol.NewMetadata(rec.RunID, fmt.Sprintf("audit-%d", rec.ID)),
		Record:   *rec,
	})
	return nil
}

// Publish sends an event to subscribers without blocking.
func (r *Recorder) Publish(event common.Event) {
	if r.events == nil {
		return
	}
	select {
	case r.events <- event:
	default:
		getLog().Warn().
			Str("run_id", event.GetMetadata().RunID).
			Str("event_type", fmt.Sprintf("%T", event)).
			Msg("Event channel full, dropping event")
	}
}
