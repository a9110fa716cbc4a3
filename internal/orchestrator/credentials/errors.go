// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package credentials

import (
	"errors"
	"fmt"
)

var (
	// ErrResolution means no credential could be issued; the stage must fail closed.
	ErrResolution = errors.New("credential resolution failed")
	// ErrInvalidToken covers tampered, expired, revoked and unknown tokens.
	ErrInvalidToken = errors.New("invalid stage credential")
)

func resolutionError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrResolution, fmt.Sprintf(format, args...))
}
