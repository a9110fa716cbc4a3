// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

// KeepAlive renews a lease in the background for long-running holders such
// as an apply. Lost is closed when a renewal fails with ErrLockLost.
type KeepAlive struct {
	cancel context.CancelFunc
	done   chan struct{}
	lost   chan struct{}

	mu   sync.Mutex
	lock *models.StateLock
	err  error
}

// KeepAlive starts renewing lock every renew interval until Stop is called or
// ctx is done. interval <= 0 uses the configured renew interval.
func (m *Manager) KeepAlive(ctx context.Context, lock *models.StateLock, interval time.Duration) *KeepAlive {
	if interval <= 0 {
		interval = m.renew
	}
	if interval <= 0 {
		interval = m.lease / 3
	}

	ctx, cancel := context.WithCancel(ctx)
	k := &KeepAlive{
		cancel: cancel,
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
		lock:   lock,
	}

	go func() {
		defer close(k.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				renewed, err := m.Renew(ctx, k.Lock(), 0)
				if err == nil {
					k.mu.Lock()
					k.lock = renewed
					k.mu.Unlock()
					continue
				}
				if ctx.Err() != nil {
					return
				}
				getLog().Error().Err(err).
					Str("resource_key", lock.ResourceKey).
					Str("holder_id", lock.HolderID).
					Msg("State lock renewal failed")
				if errors.Is(err, ErrLockLost) {
					k.mu.Lock()
					k.err = err
					k.mu.Unlock()
					close(k.lost)
					return
				}
				// Transient store errors are retried on the next tick; the lease
				// covers several intervals.
			}
		}
	}()

	return k
}

// Lock returns the most recently renewed lock.
func (k *KeepAlive) Lock() *models.StateLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lock
}

// Lost is closed once the lease can no longer be renewed.
func (k *KeepAlive) Lost() <-chan struct{} { return k.lost }

// Err returns the renewal error that ended the keep-alive, if any.
func (k *KeepAlive) Err() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.err
}

// Stop ends renewal and waits for the goroutine to exit.
func (k *KeepAlive) Stop() {
	k.cancel()
	<-k.done
}
