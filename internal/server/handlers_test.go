// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/orchestrator/approval"
	"github.com/noldarim/shipyard/internal/orchestrator/database"
	"github.com/noldarim/shipyard/internal/orchestrator/engine"
	"github.com/noldarim/shipyard/internal/orchestrator/locks"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/internal/orchestrator/services"
	"github.com/noldarim/shipyard/internal/server/auth"
)

type fakePipeline struct {
	trigger     func(engine.TriggerRequest) (*services.TriggerResult, error)
	decide      func(runID string, who approval.Identity, d models.Decision, comment string) (*models.ApprovalRequest, error)
	abort       func(runID, actor, reason string) (models.RunStatus, error)
	forceUnlock func(key string, who approval.Identity) (*locks.ForceUnlockResult, error)
	listRuns    func(database.RunFilter) ([]*models.PipelineRun, error)
	lockKeys    []string
}

func (f *fakePipeline) Trigger(_ context.Context, req engine.TriggerRequest) (*services.TriggerResult, error) {
	return f.trigger(req)
}

func (f *fakePipeline) DecideApproval(_ context.Context, runID string, who approval.Identity, d models.Decision, comment string) (*models.ApprovalRequest, error) {
	return f.decide(runID, who, d, comment)
}

func (f *fakePipeline) Abort(_ context.Context, runID, actor, reason string) (models.RunStatus, error) {
	return f.abort(runID, actor, reason)
}

func (f *fakePipeline) ForceUnlock(_ context.Context, key string, who approval.Identity) (*locks.ForceUnlockResult, error) {
	return f.forceUnlock(key, who)
}

func (f *fakePipeline) GetRun(_ context.Context, runID string) (*services.RunDetail, error) {
	if runID != "run-1" {
		return nil, fmt.Errorf("%w: %s", engine.ErrRunNotFound, runID)
	}
	return &services.RunDetail{Run: &models.PipelineRun{ID: runID, Status: models.RunStatusAwaitingApproval}}, nil
}

func (f *fakePipeline) ListRuns(_ context.Context, filter database.RunFilter) ([]*models.PipelineRun, error) {
	return f.listRuns(filter)
}

func (f *fakePipeline) RunAudit(_ context.Context, runID string) ([]*models.AuditRecord, error) {
	return []*models.AuditRecord{{RunID: runID, Outcome: "triggered"}}, nil
}

func (f *fakePipeline) LockStatus(_ context.Context, key string) (*locks.Status, []*models.AuditRecord, error) {
	f.lockKeys = append(f.lockKeys, key)
	return &locks.Status{ResourceKey: key, Lock: &models.StateLock{ResourceKey: key, HolderID: "run-1:APPLY"}}, nil, nil
}

func (f *fakePipeline) ListLocks(_ context.Context, heldOnly bool) ([]*locks.Status, error) {
	if heldOnly {
		return []*locks.Status{}, nil
	}
	return []*locks.Status{{ResourceKey: "infra/staging", Stale: true}}, nil
}

func newTestRouter(p Pipeline) http.Handler {
	return NewRouter(&config.ServerConfig{}, auth.HeaderAuthenticator{}, NewClientRegistry(), p)
}

func do(t *testing.T, h http.Handler, method, path, roles, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if roles != "" {
		req.Header.Set(auth.HeaderUser, "alice")
		req.Header.Set(auth.HeaderRoles, roles)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRouter_AuthenticationAndRoles(t *testing.T) {
	h := newTestRouter(&fakePipeline{})

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/v1/runs/run-1", "", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/api/v1/runs/run-1", "nobody", "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/api/v1/events", "viewer", `{}`).Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/api/v1/runs/run-1/abort", "viewer", "").Code)

	rec := do(t, h, http.MethodGet, "/api/v1/runs/run-1", "viewer", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	run := decode(t, rec)["run"].(map[string]interface{})
	assert.Equal(t, "AWAITING_APPROVAL", run["status"])

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/runs/missing", "viewer", "").Code)
}

func TestTrigger(t *testing.T) {
	var got engine.TriggerRequest
	p := &fakePipeline{trigger: func(req engine.TriggerRequest) (*services.TriggerResult, error) {
		got = req
		switch req.ChangeRef {
		case "dup":
			return &services.TriggerResult{Run: &models.PipelineRun{ID: "run-1"}}, nil
		case "":
			return nil, fmt.Errorf("%w: change_ref is required", engine.ErrInvalidTrigger)
		case "prod-only":
			return nil, &engine.PromotionError{ChangeRef: req.ChangeRef, Reason: "no successful staging run"}
		default:
			return &services.TriggerResult{Run: &models.PipelineRun{ID: "run-2"}, Created: true}, nil
		}
	}}
	h := newTestRouter(p)

	rec := do(t, h, http.MethodPost, "/api/v1/events", "operator", `{"kind":"merge","change_ref":"abc","environment":"staging","actor":"mallory"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "alice", got.Actor)
	assert.Equal(t, models.TierStaging, got.Environment)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/v1/events", "operator", `{"change_ref":"dup"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/events", "operator", `{"kind":"merge"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/events", "operator", `{not json`).Code)

	rec = do(t, h, http.MethodPost, "/api/v1/events", "operator", `{"change_ref":"prod-only"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "cannot be promoted")
}

func TestListRuns_Filters(t *testing.T) {
	var got database.RunFilter
	h := newTestRouter(&fakePipeline{listRuns: func(f database.RunFilter) ([]*models.PipelineRun, error) {
		got = f
		return []*models.PipelineRun{{ID: "run-1"}}, nil
	}})

	rec := do(t, h, http.MethodGet, "/api/v1/runs?environment=production&change_ref=abc&status=failed&limit=9999", "viewer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.TierProduction, got.Environment)
	assert.Equal(t, "abc", got.ChangeRef)
	require.NotNil(t, got.Status)
	assert.Equal(t, models.RunStatusFailed, *got.Status)
	assert.Equal(t, 500, got.Limit)
	assert.Len(t, decode(t, rec)["runs"], 1)

	do(t, h, http.MethodGet, "/api/v1/runs", "viewer", "")
	assert.Equal(t, 50, got.Limit)
	assert.Nil(t, got.Status)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/runs?status=sleeping", "viewer", "").Code)
}

func TestDecideApproval(t *testing.T) {
	var who approval.Identity
	p := &fakePipeline{decide: func(runID string, id approval.Identity, d models.Decision, comment string) (*models.ApprovalRequest, error) {
		who = id
		switch runID {
		case "late":
			return nil, &approval.ApprovalTimeoutError{RequestID: "req-1", ExpiresAt: time.Now().Add(-time.Minute)}
		case "done":
			return nil, fmt.Errorf("%w: req-1", approval.ErrAlreadyDecided)
		}
		if !id.HasAtLeast(approval.RoleApprover) {
			return nil, &approval.UnauthorizedApproverError{Approver: id.ID, Required: approval.RoleApprover}
		}
		return &models.ApprovalRequest{ID: "req-1", RunID: runID, Decision: d, Approver: id.ID, Comment: comment}, nil
	}}
	h := newTestRouter(p)

	rec := do(t, h, http.MethodPost, "/api/v1/runs/run-1/approval", "approver", `{"decision":"approve","comment":"lgtm"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "APPROVED", body["decision"])
	assert.Equal(t, "alice", body["approver"])
	assert.Equal(t, []approval.Role{approval.RoleApprover}, who.Roles)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/runs/run-1/approval", "approver", `{"decision":"maybe"}`).Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/api/v1/runs/run-1/approval", "viewer", `{"decision":"reject"}`).Code)
	assert.Equal(t, http.StatusGone, do(t, h, http.MethodPost, "/api/v1/runs/late/approval", "approver", `{"decision":"approve"}`).Code)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/v1/runs/done/approval", "approver", `{"decision":"REJECTED"}`).Code)
}

func TestAbortRun(t *testing.T) {
	var actor, reason string
	h := newTestRouter(&fakePipeline{abort: func(runID, a, r string) (models.RunStatus, error) {
		actor, reason = a, r
		return models.RunStatusAborted, nil
	}})

	rec := do(t, h, http.MethodPost, "/api/v1/runs/run-1/abort", "operator", `{"reason":"wrong change"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ABORTED", decode(t, rec)["status"])
	assert.Equal(t, "alice", actor)
	assert.Equal(t, "wrong change", reason)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/v1/runs/run-1/abort", "operator", "").Code)
	assert.Empty(t, reason)
}

func TestLocks(t *testing.T) {
	p := &fakePipeline{forceUnlock: func(key string, who approval.Identity) (*locks.ForceUnlockResult, error) {
		if !who.HasAtLeast(approval.RoleAdmin) {
			return nil, fmt.Errorf("%w: force unlock requires the admin role", services.ErrForbidden)
		}
		return &locks.ForceUnlockResult{ResourceKey: key, Warning: "force unlock of " + key}, nil
	}}
	h := newTestRouter(p)

	rec := do(t, h, http.MethodGet, "/api/v1/locks/infra/production", "viewer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"infra/production"}, p.lockKeys)
	assert.Equal(t, true, decode(t, rec)["held"])

	rec = do(t, h, http.MethodGet, "/api/v1/locks", "viewer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["locks"], 1)
	rec = do(t, h, http.MethodGet, "/api/v1/locks?held=true", "viewer", "")
	assert.Len(t, decode(t, rec)["locks"], 0)

	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodDelete, "/api/v1/locks/infra/production", "operator", "").Code)
	rec = do(t, h, http.MethodDelete, "/api/v1/locks/infra/production", "admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "infra/production", decode(t, rec)["resource_key"])
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("wrap: %w", engine.ErrConcurrentTransition):            http.StatusConflict,
		&locks.ConflictError{ResourceKey: "k", Holder: "h"}:               http.StatusConflict,
		fmt.Errorf("%w: x", approval.ErrNotFound):                         http.StatusNotFound,
		approval.ErrInvalidDecision:                                       http.StatusBadRequest,
		fmt.Errorf("database is locked"):                                  http.StatusInternalServerError,
		&approval.UnauthorizedApproverError{Required: approval.RoleAdmin}: http.StatusForbidden,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://console.example.test"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/runs", nil)
	req.Header.Set("Origin", "https://console.example.test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://console.example.test", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), auth.HeaderRoles)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Origin", "https://evil.example.test")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLogger_RecordsCallerAndRun(t *testing.T) {
	var buf bytes.Buffer
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger(zerolog.New(&buf)))
	r.Use(auth.Middleware(auth.HeaderAuthenticator{}, "/healthz"))
	r.Post("/api/v1/runs/{runId}/abort", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/run-42/abort", nil)
	req.Header.Set("X-Request-ID", "req-1")
	req.Header.Set(auth.HeaderUser, "carol")
	req.Header.Set(auth.HeaderRoles, "operator,viewer")
	r.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "carol", entry["user"])
	assert.Equal(t, []any{"operator", "viewer"}, entry["roles"])
	assert.Equal(t, "run-42", entry["run_id"])
	assert.Equal(t, "/api/v1/runs/{runId}/abort", entry["route"])
	assert.Equal(t, float64(http.StatusAccepted), entry["status"])

	var anonymous map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &anonymous))
	assert.NotContains(t, anonymous, "user")
	assert.NotContains(t, anonymous, "run_id")
}
