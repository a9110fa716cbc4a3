// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"net/http"

	"github.com/noldarim/shipyard/internal/orchestrator/approval"
	"github.com/noldarim/shipyard/internal/orchestrator/engine"
	"github.com/noldarim/shipyard/internal/orchestrator/locks"
	"github.com/noldarim/shipyard/internal/orchestrator/services"
)

type errorResponse struct {
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrRunNotFound), errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidTrigger), errors.Is(err, approval.ErrInvalidDecision):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrForbidden), errors.Is(err, approval.ErrUnauthorizedApprover):
		return http.StatusForbidden
	case errors.Is(err, approval.ErrAlreadyDecided),
		errors.Is(err, engine.ErrConcurrentTransition),
		errors.Is(err, locks.ErrLockConflict):
		return http.StatusConflict
	case errors.Is(err, approval.ErrApprovalTimeout):
		return http.StatusGone
	case errors.Is(err, engine.ErrPromotion):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the mapped status. Internal failures keep their
// detail out of the message and in the context field.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		getLog().Error().Err(err).Msg("Request failed")
		writeJSON(w, status, errorResponse{Error: "internal error", Context: err.Error()})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
