// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/orchestrator/approval"
)

// OIDCAuthenticator verifies bearer ID tokens and maps a claim to roles.
type OIDCAuthenticator struct {
	verifier   *oidc.IDTokenVerifier
	rolesClaim string
}

// NewOIDC discovers the issuer and builds a verifier for cfg.ClientID.
func NewOIDC(ctx context.Context, cfg config.OIDCConfig) (*OIDCAuthenticator, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("oidc auth requires issuer_url and client_id")
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return NewOIDCWithVerifier(provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), cfg.RolesClaim), nil
}

// NewOIDCWithVerifier uses an already configured verifier.
func NewOIDCWithVerifier(verifier *oidc.IDTokenVerifier, rolesClaim string) *OIDCAuthenticator {
	if rolesClaim == "" {
		rolesClaim = "roles"
	}
	return &OIDCAuthenticator{verifier: verifier, rolesClaim: rolesClaim}
}

func (a *OIDCAuthenticator) Authenticate(ctx context.Context, r *http.Request) (approval.Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return approval.Identity{}, ErrUnauthenticated
	}
	token, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return approval.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return approval.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	id := token.Subject
	if email, ok := claims["email"].(string); ok && email != "" {
		id = email
	}
	return approval.Identity{ID: id, Roles: ParseRoles(rolesClaim(claims, a.rolesClaim))}, nil
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(strings.TrimSpace(r.Header.Get("Authorization")), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// rolesClaim accepts a string array or a space/comma separated string.
func rolesClaim(claims map[string]any, key string) []string {
	switch v := claims[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	default:
		return nil
	}
}
