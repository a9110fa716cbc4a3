// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/noldarim/shipyard/internal/common"
	"github.com/noldarim/shipyard/internal/orchestrator/database"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) AppendAuditRecord(context.Context, *models.AuditRecord) error {
	return errors.New("disk full")
}

func TestRecorder_RecordPersistsAndPublishes(t *testing.T) {
	db := database.UseFreshInMemoryDatabase(t).DB
	events := make(chan common.Event, 4)
	r := NewRecorder(db, events)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, &models.AuditRecord{RunID: "run-1", Stage: "PLAN", Outcome: "plan_created"}))

	records, err := db.ListAuditRecords(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.SystemActor, records[0].Actor)
	assert.Equal(t, models.SeverityInfo, records[0].Severity)
	assert.False(t, records[0].Timestamp.IsZero())

	require.Len(t, events, 1)
	ev, ok := (<-events).(protocol.AuditRecordedEvent)
	require.True(t, ok)
	assert.Equal(t, "plan_created", ev.Record.Outcome)
	assert.Equal(t, "run-1", ev.GetMetadata().RunID)
}

func TestRecorder_StoreFailureIsNotPublished(t *testing.T) {
	events := make(chan common.Event, 1)
	r := NewRecorder(failingStore{}, events)

	err := r.Record(context.Background(), &models.AuditRecord{RunID: "run-1", Outcome: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, events)
}

func TestRecorder_PublishNeverBlocks(t *testing.T) {
	events := make(chan common.Event) // unbuffered, nobody reading
	r := NewRecorder(failingStore{}, events)

	done := make(chan struct{})
	go func() {
		r.Publish(protocol.ErrorEvent{Message: "dropped"})
		close(done)
	}()
	<-done

	NewRecorder(failingStore{}, nil).Publish(protocol.ErrorEvent{Message: "no channel"})
}
