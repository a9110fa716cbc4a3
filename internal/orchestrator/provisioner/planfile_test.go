// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package provisioner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

func TestActionFor(t *testing.T) {
	cases := []struct {
		actions []string
		want    models.ChangeAction
	}{
		{[]string{"create"}, models.ActionCreate},
		{[]string{"update"}, models.ActionUpdate},
		{[]string{"delete"}, models.ActionDelete},
		{[]string{"read"}, models.ActionRead},
		{[]string{"no-op"}, models.ActionNoop},
		{[]string{"delete", "create"}, models.ActionReplace},
		{[]string{"create", "delete"}, models.ActionReplace},
		{nil, models.ActionNoop},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, actionFor(c.actions), "%v", c.actions)
	}
}

func TestParsePlanJSON(t *testing.T) {
	changes, err := ParsePlanJSON([]byte(showJSON))
	require.NoError(t, err)
	assert.Equal(t, map[models.ChangeAction]int{models.ActionCreate: 1, models.ActionReplace: 1}, changes.Summary())

	_, err = ParsePlanJSON([]byte("not json"))
	assert.Error(t, err)
}

func TestParseVersionJSON(t *testing.T) {
	v, err := ParseVersionJSON([]byte(versionJSON))
	require.NoError(t, err)
	assert.Equal(t, "1.9.5", v.ToolVersion)

	v, err = ParseVersionJSON([]byte(`{"terraform_version":"1.5.7"}`))
	require.NoError(t, err)
	assert.NotNil(t, v.Providers)

	_, err = ParseVersionJSON([]byte(`{}`))
	assert.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient("Error: dial tcp: i/o timeout"))
	assert.True(t, isTransient("ThrottlingException: Rate exceeded"))
	assert.False(t, isTransient("Error: Invalid reference"))
}

func TestFSStore(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, PlanKey("run-1", "a1"), []byte("plan")))
	data, err := s.Get(ctx, "plans/run-1/a1.tfplan")
	require.NoError(t, err)
	assert.Equal(t, "plan", string(data))

	_, err = s.Get(ctx, "plans/run-1/missing.tfplan")
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	assert.Error(t, s.Put(ctx, "../escape", []byte("x")))
}
