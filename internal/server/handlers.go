// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noldarim/shipyard/internal/orchestrator/approval"
	"github.com/noldarim/shipyard/internal/orchestrator/database"
	"github.com/noldarim/shipyard/internal/orchestrator/engine"
	"github.com/noldarim/shipyard/internal/orchestrator/locks"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
	"github.com/noldarim/shipyard/internal/orchestrator/services"
	"github.com/noldarim/shipyard/internal/server/auth"
)

// Pipeline is the use-case surface the handlers call. *services.PipelineService
// implements it.
type Pipeline interface {
	Trigger(ctx context.Context, req engine.TriggerRequest) (*services.TriggerResult, error)
	DecideApproval(ctx context.Context, runID string, approver approval.Identity, decision models.Decision, comment string) (*models.ApprovalRequest, error)
	Abort(ctx context.Context, runID, actor, reason string) (models.RunStatus, error)
	ForceUnlock(ctx context.Context, resourceKey string, operator approval.Identity) (*locks.ForceUnlockResult, error)
	GetRun(ctx context.Context, runID string) (*services.RunDetail, error)
	ListRuns(ctx context.Context, filter database.RunFilter) ([]*models.PipelineRun, error)
	RunAudit(ctx context.Context, runID string) ([]*models.AuditRecord, error)
	LockStatus(ctx context.Context, resourceKey string) (*locks.Status, []*models.AuditRecord, error)
	ListLocks(ctx context.Context, heldOnly bool) ([]*locks.Status, error)
}

var _ Pipeline = (*services.PipelineService)(nil)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	pipeline Pipeline
}

// NewHandlers creates the handler set.
func NewHandlers(pipeline Pipeline) *Handlers {
	return &Handlers{pipeline: pipeline}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	return json.NewDecoder(r.Body).Decode(v) == nil
}

func caller(r *http.Request) approval.Identity {
	id, _ := auth.IdentityFromContext(r.Context())
	return id
}

// Health handles GET /healthz
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- runs ---

// Trigger handles POST /api/v1/events. The caller becomes the run's actor.
func (h *Handlers) Trigger(w http.ResponseWriter, r *http.Request) {
	var req engine.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	req.Actor = caller(r).ID

	result, err := h.pipeline.Trigger(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// ListRuns handles GET /api/v1/runs?environment=&change_ref=&status=&limit=
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	const maxLimit = 500
	q := r.URL.Query()
	filter := database.RunFilter{
		Environment: models.Tier(q.Get("environment")),
		ChangeRef:   q.Get("change_ref"),
		Limit:       50,
	}
	if s := q.Get("status"); s != "" {
		var status models.RunStatus
		if err := status.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		filter.Status = &status
	}
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			filter.Limit = min(parsed, maxLimit)
		}
	}

	runs, err := h.pipeline.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRun handles GET /api/v1/runs/{runId}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	detail, err := h.pipeline.GetRun(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// GetRunAudit handles GET /api/v1/runs/{runId}/audit
func (h *Handlers) GetRunAudit(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	records, err := h.pipeline.RunAudit(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run_id": runID, "records": records})
}

type approvalRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
}

func parseDecision(s string) (models.Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return models.DecisionApproved, true
	case "reject", "rejected":
		return models.DecisionRejected, true
	default:
		return models.DecisionPending, false
	}
}

// DecideApproval handles POST /api/v1/runs/{runId}/approval
func (h *Handlers) DecideApproval(w http.ResponseWriter, r *http.Request) {
	var body approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	decision, ok := parseDecision(body.Decision)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "decision must be approve or reject"})
		return
	}

	req, err := h.pipeline.DecideApproval(r.Context(), chi.URLParam(r, "runId"), caller(r), decision, body.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type abortRequest struct {
	Reason string `json:"reason,omitempty"`
}

// AbortRun handles POST /api/v1/runs/{runId}/abort
func (h *Handlers) AbortRun(w http.ResponseWriter, r *http.Request) {
	var body abortRequest
	if !decodeBody(r, &body) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	runID := chi.URLParam(r, "runId")
	status, err := h.pipeline.Abort(r.Context(), runID, caller(r).ID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run_id": runID, "status": status})
}

// --- locks ---

// ListLocks handles GET /api/v1/locks?held=true
func (h *Handlers) ListLocks(w http.ResponseWriter, r *http.Request) {
	heldOnly, _ := strconv.ParseBool(r.URL.Query().Get("held"))
	statuses, err := h.pipeline.ListLocks(r.Context(), heldOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"locks": statuses})
}

// lockKey extracts the resource key; keys contain slashes, so it is the
// wildcard remainder of the path.
func lockKey(r *http.Request) string {
	return strings.Trim(chi.URLParam(r, "*"), "/")
}

// GetLock handles GET /api/v1/locks/{resourceKey...}
func (h *Handlers) GetLock(w http.ResponseWriter, r *http.Request) {
	key := lockKey(r)
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "resource key is required"})
		return
	}
	status, records, err := h.pipeline.LockStatus(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status, "held": status.Held(), "audit": records})
}

// ForceUnlock handles DELETE /api/v1/locks/{resourceKey...}
func (h *Handlers) ForceUnlock(w http.ResponseWriter, r *http.Request) {
	key := lockKey(r)
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "resource key is required"})
		return
	}
	result, err := h.pipeline.ForceUnlock(r.Context(), key, caller(r))
	if err != nil {
		if result == nil {
			writeError(w, err)
			return
		}
		// The lock is gone even though the override could not be audited.
		getLog().Error().Err(err).Str("resource_key", key).Msg("Force unlock not fully recorded")
	}
	writeJSON(w, http.StatusOK, result)
}
