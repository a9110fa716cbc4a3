// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package locks implements leased, re-entrant state locks over infrastructure
// state resources. A lock that is not renewed before its lease runs out
// becomes acquirable by anyone, which is how crashed holders are recovered.
package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLockLogger()
		log = &l
	})
	return log
}

// Auditor receives lock-level audit records.
type Auditor interface {
	Record(ctx context.Context, rec *models.AuditRecord) error
}

// ForceUnlockResult describes an operator override.
type ForceUnlockResult struct {
	ResourceKey string `json:"resource_key"`
	// Previous is the lock that was removed, nil if the key was already free.
	Previous *models.StateLock `json:"previous,omitempty"`
	Warning  string            `json:"warning"`
}

// Status is the observable state of a resource key.
type Status struct {
	ResourceKey string            `json:"resource_key"`
	Lock        *models.StateLock `json:"lock,omitempty"`
	// Stale is set when a row exists but its lease has run out.
	Stale bool `json:"stale"`
}

// Held reports whether a live lease exists.
func (s *Status) Held() bool { return s.Lock != nil && !s.Stale }

// Manager is the state lock manager.
type Manager struct {
	store   Store
	auditor Auditor
	lease   time.Duration
	renew   time.Duration
	acquire config.BackoffConfig
	now     func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, used by tests to step through lease expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a lock manager over an external lock table.
func NewManager(store Store, auditor Auditor, cfg config.LockConfig, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		auditor: auditor,
		lease:   cfg.Lease,
		renew:   cfg.RenewInterval,
		acquire: cfg.Acquire,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultLease is the configured lease duration.
func (m *Manager) DefaultLease() time.Duration { return m.lease }

func (m *Manager) leaseOrDefault(lease time.Duration) time.Duration {
	if lease <= 0 {
		return m.lease
	}
	return lease
}

// Acquire claims resourceKey for holderID. It fails with a *ConflictError when
// another holder has an unexpired lease. Acquiring a lock already held by the
// same holder extends its lease.
func (m *Manager) Acquire(ctx context.Context, resourceKey, holderID string, lease time.Duration) (*models.StateLock, error) {
	if resourceKey == "" || holderID == "" {
		return nil, errors.New("resource key and holder id are required")
	}

	now := m.now()
	ok, current, err := m.store.TryAcquireLock(ctx, resourceKey, holderID, now, now.Add(m.leaseOrDefault(lease)))
	if err != nil {
		return nil, fmt.Errorf("acquire state lock %q: %w", resourceKey, err)
	}
	if !ok {
		conflict := &ConflictError{ResourceKey: resourceKey}
		if current != nil {
			conflict.Holder = current.HolderID
			conflict.ExpiresAt = current.LeaseExpiresAt
		}
		getLog().Debug().
			Str("resource_key", resourceKey).
			Str("holder_id", holderID).
			Str("current_holder", conflict.Holder).
			Msg("State lock busy")
		return nil, conflict
	}

	getLog().Info().
		Str("resource_key", resourceKey).
		Str("holder_id", holderID).
		Time("lease_expires_at", current.LeaseExpiresAt).
		Msg("State lock acquired")
	return current, nil
}

// AcquireWithRetry retries Acquire with exponential backoff while the lock is
// busy, up to the configured number of attempts. It returns the number of
// retries performed alongside the result.
func (m *Manager) AcquireWithRetry(ctx context.Context, resourceKey, holderID string, lease time.Duration) (*models.StateLock, int, error) {
	attempts := m.acquire.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if m.acquire.InitialInterval > 0 {
		b.InitialInterval = m.acquire.InitialInterval
	}
	if m.acquire.MaxInterval > 0 {
		b.MaxInterval = m.acquire.MaxInterval
	}
	b.MaxElapsedTime = 0

	var (
		lock    *models.StateLock
		retries int
	)
	op := func() error {
		var err error
		lock, err = m.Acquire(ctx, resourceKey, holderID, lease)
		if err != nil && !errors.Is(err, ErrLockConflict) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		retries++
		getLog().Info().
			Str("resource_key", resourceKey).
			Str("holder_id", holderID).
			Dur("wait", wait).
			Int("retry", retries).
			Msg("State lock busy, backing off")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, retries, err
	}
	return lock, retries, nil
}

// Renew extends a live lease. ErrLockLost means the lease expired or the
// lock was force-released and the holder must stop mutating state.
func (m *Manager) Renew(ctx context.Context, lock *models.StateLock, lease time.Duration) (*models.StateLock, error) {
	now := m.now()
	expires := now.Add(m.leaseOrDefault(lease))
	ok, err := m.store.RenewLock(ctx, lock.ResourceKey, lock.HolderID, now, expires)
	if err != nil {
		return nil, fmt.Errorf("renew state lock %q: %w", lock.ResourceKey, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s held by %s", ErrLockLost, lock.ResourceKey, lock.HolderID)
	}
	renewed := *lock
	renewed.LeaseExpiresAt = expires
	return &renewed, nil
}

// Release gives the lock back. Releasing a nil, expired or already released
// lock is a no-op.
func (m *Manager) Release(ctx context.Context, lock *models.StateLock) error {
	if lock == nil {
		return nil
	}
	if err := m.store.ReleaseLock(ctx, lock.ResourceKey, lock.HolderID); err != nil {
		return fmt.Errorf("release state lock %q: %w", lock.ResourceKey, err)
	}
	getLog().Info().
		Str("resource_key", lock.ResourceKey).
		Str("holder_id", lock.HolderID).
		Msg("State lock released")
	return nil
}

// ReleaseHolder releases whatever lock holderID has on resourceKey.
func (m *Manager) ReleaseHolder(ctx context.Context, resourceKey, holderID string) error {
	return m.Release(ctx, &models.StateLock{ResourceKey: resourceKey, HolderID: holderID})
}

// ForceUnlock removes the lock regardless of holder. Authorization is the
// caller's job. A critical audit record and a warning are always emitted,
// even when the key was already free.
func (m *Manager) ForceUnlock(ctx context.Context, resourceKey, operatorID string) (*ForceUnlockResult, error) {
	if resourceKey == "" || operatorID == "" {
		return nil, errors.New("resource key and operator id are required")
	}

	previous, err := m.store.DeleteLock(ctx, resourceKey)
	if err != nil {
		return nil, fmt.Errorf("force unlock %q: %w", resourceKey, err)
	}

	result := &ForceUnlockResult{ResourceKey: resourceKey, Previous: previous}
	detail := "no lock was held"
	switch {
	case previous == nil:
		result.Warning = fmt.Sprintf("force unlock of %s by %s: no lock was held", resourceKey, operatorID)
	case previous.Expired(m.now()):
		detail = fmt.Sprintf("removed stale lock of %s (lease expired %s)", previous.HolderID, previous.LeaseExpiresAt.Format(time.RFC3339))
		result.Warning = fmt.Sprintf("force unlock of %s by %s: %s", resourceKey, operatorID, detail)
	default:
		detail = fmt.Sprintf("removed live lock of %s; that holder may still be mutating state", previous.HolderID)
		result.Warning = fmt.Sprintf("force unlock of %s by %s: %s", resourceKey, operatorID, detail)
	}

	getLog().Warn().
		Str("resource_key", resourceKey).
		Str("operator", operatorID).
		Msg(result.Warning)

	if m.auditor != nil {
		if err := m.auditor.Record(ctx, &models.AuditRecord{
			ResourceKey: resourceKey,
			Actor:       operatorID,
			Outcome:     "force_unlock",
			Severity:    models.SeverityCritical,
			Detail:      detail,
		}); err != nil {
			return result, fmt.Errorf("lock removed but audit failed: %w", err)
		}
	}
	return result, nil
}

// Holds reports whether holderID has a live lease on resourceKey.
func (m *Manager) Holds(ctx context.Context, resourceKey, holderID string) (bool, error) {
	lock, err := m.store.GetLock(ctx, resourceKey)
	if err != nil {
		return false, fmt.Errorf("inspect state lock %q: %w", resourceKey, err)
	}
	return lock != nil && lock.HolderID == holderID && !lock.Expired(m.now()), nil
}

// Inspect returns the current state of resourceKey.
func (m *Manager) Inspect(ctx context.Context, resourceKey string) (*Status, error) {
	lock, err := m.store.GetLock(ctx, resourceKey)
	if err != nil {
		return nil, fmt.Errorf("inspect state lock %q: %w", resourceKey, err)
	}
	return &Status{
		ResourceKey: resourceKey,
		Lock:        lock,
		Stale:       lock != nil && lock.Expired(m.now()),
	}, nil
}

// List returns the state of every known lock row.
func (m *Manager) List(ctx context.Context) ([]*Status, error) {
	rows, err := m.store.ListLocks(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]*Status, 0, len(rows))
	for _, l := range rows {
		out = append(out, &Status{ResourceKey: l.ResourceKey, Lock: l, Stale: l.Expired(now)})
	}
	return out, nil
}

// PurgeExpired deletes rows of expired leases.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	return m.store.PurgeExpiredLocks(ctx, m.now())
}
