// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/orchestrator/approval"
	"github.com/noldarim/shipyard/internal/protocol"
	"github.com/noldarim/shipyard/internal/server/auth"
)

// Server is the REST + WebSocket API server.
type Server struct {
	httpServer  *http.Server
	broadcaster *EventBroadcaster
}

// New creates and wires up the API server. It does NOT start listening;
// call Run() for that.
func New(cfg *config.ServerConfig, authn auth.Authenticator, eventChan <-chan protocol.Event, pipeline Pipeline) *Server {
	registry := NewClientRegistry()
	broadcaster := NewEventBroadcaster(eventChan, registry)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           NewRouter(cfg, authn, registry, pipeline),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		broadcaster: broadcaster,
	}
}

// NewRouter builds the HTTP handler tree.
func NewRouter(cfg *config.ServerConfig, authn auth.Authenticator, registry *ClientRegistry, pipeline Pipeline) http.Handler {
	h := NewHandlers(pipeline)

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(MaxBodySize(1 << 20))
	r.Use(auth.Middleware(authn, "/healthz"))

	r.Get("/healthz", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(RequireRole(approval.RoleOperator)).Post("/events", h.Trigger)

		r.Route("/runs", func(r chi.Router) {
			r.Use(RequireRole(approval.RoleViewer))
			r.Get("/", h.ListRuns)
			r.Get("/{runId}", h.GetRun)
			r.Get("/{runId}/audit", h.GetRunAudit)
			// The gate checks the role the request itself requires.
			r.Post("/{runId}/approval", h.DecideApproval)
			r.With(RequireRole(approval.RoleOperator)).Post("/{runId}/abort", h.AbortRun)
		})

		r.Route("/locks", func(r chi.Router) {
			r.Use(RequireRole(approval.RoleViewer))
			r.Get("/", h.ListLocks)
			r.Get("/*", h.GetLock)
			r.Delete("/*", h.ForceUnlock)
		})
	})

	r.With(RequireRole(approval.RoleViewer)).Get("/ws", HandleWebSocket(registry, cfg.AllowedOrigins))
	return r
}

// Run starts the event broadcaster goroutine and the HTTP server.
// Blocks until the server is shut down or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		const maxRetries = 3
		for attempt := 1; attempt <= maxRetries; attempt++ {
			func() {
				defer func() {
					if r := recover(); r != nil {
						getLog().Error().Interface("panic", r).Int("attempt", attempt).Msg("Event broadcaster panic")
					}
				}()
				s.broadcaster.Run(ctx)
			}()

			if ctx.Err() != nil {
				return
			}

			if attempt < maxRetries {
				getLog().Warn().Int("attempt", attempt).Msg("Restarting event broadcaster after panic")
				time.Sleep(1 * time.Second)
			}
		}
		getLog().Error().Msg("Event broadcaster exhausted retries - events will no longer be dispatched")
	}()

	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
