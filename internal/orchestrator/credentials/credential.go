// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package credentials

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

// Permission is a single grant carried by a scoped credential.
type Permission string

const (
	PermSourceRead Permission = "source:read"
	PermStateRead  Permission = "state:read"
	PermStateWrite Permission = "state:write"
	PermStateLock  Permission = "state:lock"
)

// TokenEnvVar is the variable a stage process receives its token in.
const TokenEnvVar = "SHIPYARD_STAGE_TOKEN"

const redacted = "[REDACTED]"

// ScopedCredential is a short-lived token for one stage in one environment.
// The token never leaves process memory except through Env.
type ScopedCredential struct {
	ID          string           `json:"id"`
	Stage       models.StageKind `json:"stage"`
	Environment string           `json:"environment"`
	Permissions []Permission     `json:"permissions"`
	IssuedAt    time.Time        `json:"issued_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	Token       string           `json:"-"`
}

// Allows reports whether the credential carries p.
func (c *ScopedCredential) Allows(p Permission) bool {
	for _, have := range c.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Env returns the environment entries that hand the token to a stage process.
func (c *ScopedCredential) Env() map[string]string {
	if c == nil {
		return nil
	}
	return map[string]string{TokenEnvVar: c.Token}
}

func (c *ScopedCredential) String() string {
	if c == nil {
		return "<nil credential>"
	}
	perms := make([]string, len(c.Permissions))
	for i, p := range c.Permissions {
		perms[i] = string(p)
	}
	return fmt.Sprintf("credential %s (%s/%s [%s] token=%s)", c.ID, c.Stage, c.Environment, strings.Join(perms, ","), redacted)
}

// MarshalZerologObject logs the credential without its token.
func (c *ScopedCredential) MarshalZerologObject(e *zerolog.Event) {
	if c == nil {
		return
	}
	perms := make([]string, len(c.Permissions))
	for i, p := range c.Permissions {
		perms[i] = string(p)
	}
	e.Str("id", c.ID).
		Stringer("stage", c.Stage).
		Str("environment", c.Environment).
		Strs("permissions", perms).
		Time("expires_at", c.ExpiresAt).
		Str("token", redacted)
}
