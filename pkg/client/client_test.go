// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/noldarim/shipyard/internal/orchestrator/engine"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ci", r.Header.Get(headerUser))
		assert.Equal(t, "operator,viewer", r.Header.Get(headerRoles))
		var req engine.TriggerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"run":     models.PipelineRun{ID: "run-1", ChangeRef: req.ChangeRef, Environment: req.Environment},
			"created": true,
		})
	})
	r.Get("/api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "production", q.Get("environment"))
		assert.Equal(t, "FAILED", q.Get("status"))
		assert.Equal(t, "5", q.Get("limit"))
		assert.False(t, q.Has("change_ref"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"runs": []models.PipelineRun{{ID: "run-1", Status: models.RunStatusFailed}}})
	})
	r.Get("/api/v1/runs/{runId}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "pipeline run not found: " + chi.URLParam(r, "runId")})
	})
	r.Post("/api/v1/runs/{runId}/approval", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "approve", body["decision"])
		writeJSON(w, http.StatusOK, models.ApprovalRequest{ID: "req-1", RunID: chi.URLParam(r, "runId"), Decision: models.DecisionApproved})
	})
	r.Post("/api/v1/runs/{runId}/abort", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"run_id": chi.URLParam(r, "runId"), "status": models.RunStatusAborted})
	})
	r.Get("/api/v1/locks/*", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": map[string]interface{}{"resource_key": chi.URLParam(r, "*"), "lock": models.StateLock{HolderID: "run-1:APPLY"}},
			"held":   true,
		})
	})
	r.Delete("/api/v1/locks/*", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden: force unlock requires the admin role"})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_RoundTrips(t *testing.T) {
	srv := newAPI(t)
	c := New(srv.URL+"/", WithIdentity("ci", "operator", "viewer"))
	ctx := context.Background()

	res, err := c.Trigger(ctx, engine.TriggerRequest{Kind: models.RunKindMerge, ChangeRef: "abc", Environment: models.TierStaging})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "run-1", res.Run.ID)
	assert.Equal(t, models.TierStaging, res.Run.Environment)

	runs, err := c.ListRuns(ctx, ListRunsOptions{Environment: "production", Status: "FAILED", Limit: 5})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)

	req, err := c.Decide(ctx, "run-1", "approve", "")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, req.Decision)

	status, err := c.Abort(ctx, "run-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, status)

	detail, err := c.LockStatus(ctx, "infra/production")
	require.NoError(t, err)
	assert.True(t, detail.Held)
	assert.Equal(t, "infra/production", detail.Status.ResourceKey)
	assert.Equal(t, "run-1:APPLY", detail.Status.Lock.HolderID)
}

func TestClient_APIErrors(t *testing.T) {
	srv := newAPI(t)
	c := New(srv.URL)

	_, err := c.GetRun(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "missing")

	_, err = c.ForceUnlock(context.Background(), "infra/production")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

type countingSource struct{ calls atomic.Int32 }

func (s *countingSource) Token() (*oauth2.Token, error) {
	s.calls.Add(1)
	return &oauth2.Token{AccessToken: "tok-123", TokenType: "Bearer"}, nil
}

func TestClient_TokenSource(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	src := &countingSource{}
	c := New(srv.URL, WithTokenSource(src))
	require.NoError(t, c.Health(context.Background()))
	require.NoError(t, c.Health(context.Background()))
	assert.Equal(t, "Bearer tok-123", seen)
	// Tokens without an expiry stay valid, so the source is asked once.
	assert.Equal(t, int32(1), src.calls.Load())
}
