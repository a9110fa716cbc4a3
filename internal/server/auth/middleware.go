// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/orchestrator/approval"
)

// Middleware rejects unauthenticated requests with 401 and stores the caller
// on the request context. Paths under skipPrefixes pass through untouched.
func Middleware(a Authenticator, skipPrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range skipPrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			id, err := a.Authenticate(r.Context(), r)
			if err != nil {
				reason := "invalid_token"
				if errors.Is(err, ErrUnauthenticated) {
					reason = "unauthorized"
				}
				l := logger.GetAPILogger()
				l.Warn().Err(err).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("reason", reason).
					Msg("Request denied")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
				return
			}
			zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("user", id.ID).Strs("roles", roleNames(id.Roles))
			})
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
		})
	}
}

func roleNames(roles []approval.Role) []string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return names
}
