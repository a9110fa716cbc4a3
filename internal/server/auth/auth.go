// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth identifies API callers. Two modes exist: trusted headers set
// by a fronting proxy, and OIDC bearer tokens carrying a roles claim.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/orchestrator/approval"
)

const (
	HeaderUser  = "X-Shipyard-User"
	HeaderRoles = "X-Shipyard-Roles"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidToken    = errors.New("invalid token")
)

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (approval.Identity, error)
}

// New builds the authenticator selected by cfg.Mode.
func New(ctx context.Context, cfg config.AuthConfig) (Authenticator, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "header":
		return HeaderAuthenticator{}, nil
	case "oidc":
		return NewOIDC(ctx, cfg.OIDC)
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
}

// HeaderAuthenticator trusts X-Shipyard-User and X-Shipyard-Roles.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(_ context.Context, r *http.Request) (approval.Identity, error) {
	user := strings.TrimSpace(r.Header.Get(HeaderUser))
	if user == "" {
		return approval.Identity{}, ErrUnauthenticated
	}
	return approval.Identity{ID: user, Roles: ParseRoles(strings.Split(r.Header.Get(HeaderRoles), ","))}, nil
}

// ParseRoles keeps the known roles of raw, dropping duplicates.
func ParseRoles(raw []string) []approval.Role {
	var roles []approval.Role
	seen := make(map[approval.Role]struct{}, len(raw))
	for _, s := range raw {
		role, ok := approval.ParseRole(s)
		if !ok {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}
	return roles
}

type identityKey struct{}

// ContextWithIdentity stores the caller on ctx.
func ContextWithIdentity(ctx context.Context, id approval.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller stored by Middleware.
func IdentityFromContext(ctx context.Context) (approval.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(approval.Identity)
	return id, ok
}
