// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package approval

import "strings"

// Role is an authorization level. Roles are ordered; a higher role satisfies
// every requirement of a lower one.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleApprover: 3,
	RoleAdmin:    4,
}

// ParseRole normalizes s; unknown roles report false.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	_, ok := roleRank[r]
	return r, ok
}

// Rank is 0 for unknown roles.
func (r Role) Rank() int { return roleRank[r] }

// Identity is an authenticated caller.
type Identity struct {
	ID    string `json:"id"`
	Roles []Role `json:"roles"`
}

// HasAtLeast reports whether any of the identity's roles ranks at or above required.
func (i Identity) HasAtLeast(required Role) bool {
	need := required.Rank()
	if need == 0 {
		return false
	}
	for _, r := range i.Roles {
		if r.Rank() >= need {
			return true
		}
	}
	return false
}
