// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package locks

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockConflict is matched by every ConflictError.
	ErrLockConflict = errors.New("state lock held by another holder")
	// ErrLockLost is returned when a lease can no longer be renewed.
	ErrLockLost = errors.New("state lock lease lost")
)

// ConflictError reports who holds the lock that blocked an acquisition.
type ConflictError struct {
	ResourceKey string
	Holder      string
	ExpiresAt   time.Time
}

func (e *ConflictError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("state lock %q is held by another holder", e.ResourceKey)
	}
	return fmt.Sprintf("state lock %q is held by %s until %s",
		e.ResourceKey, e.Holder, e.ExpiresAt.Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error { return ErrLockConflict }
