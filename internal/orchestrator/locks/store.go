// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package locks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

// Store is the external lock table. Implementations must make every method
// atomic with respect to concurrent callers; *database.GormDB does it with
// conditional statements, MemoryStore with a mutex.
type Store interface {
	TryAcquireLock(ctx context.Context, resourceKey, holderID string, now, expires time.Time) (bool, *models.StateLock, error)
	RenewLock(ctx context.Context, resourceKey, holderID string, now, expires time.Time) (bool, error)
	ReleaseLock(ctx context.Context, resourceKey, holderID string) error
	DeleteLock(ctx context.Context, resourceKey string) (*models.StateLock, error)
	GetLock(ctx context.Context, resourceKey string) (*models.StateLock, error)
	ListLocks(ctx context.Context) ([]*models.StateLock, error)
	PurgeExpiredLocks(ctx context.Context, now time.Time) (int64, error)
}

// MemoryStore keeps locks in process memory. It only provides mutual
// exclusion between runs driven by the same process and is meant for
// single-node development setups and tests.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]models.StateLock
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]models.StateLock)}
}

func (s *MemoryStore) TryAcquireLock(_ context.Context, resourceKey, holderID string, now, expires time.Time) (bool, *models.StateLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.locks[resourceKey]
	switch {
	case !exists || current.Expired(now):
		current = models.StateLock{ResourceKey: resourceKey, HolderID: holderID, AcquiredAt: now, LeaseExpiresAt: expires}
	case current.HolderID == holderID:
		current.LeaseExpiresAt = expires
	default:
		c := current
		return false, &c, nil
	}
	s.locks[resourceKey] = current
	c := current
	return true, &c, nil
}

func (s *MemoryStore) RenewLock(_ context.Context, resourceKey, holderID string, now, expires time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.locks[resourceKey]
	if !exists || current.HolderID != holderID || current.Expired(now) {
		return false, nil
	}
	current.LeaseExpiresAt = expires
	s.locks[resourceKey] = current
	return true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, resourceKey, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, exists := s.locks[resourceKey]; exists && current.HolderID == holderID {
		delete(s.locks, resourceKey)
	}
	return nil
}

func (s *MemoryStore) DeleteLock(_ context.Context, resourceKey string) (*models.StateLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.locks[resourceKey]
	if !exists {
		return nil, nil
	}
	delete(s.locks, resourceKey)
	return &current, nil
}

func (s *MemoryStore) GetLock(_ context.Context, resourceKey string) (*models.StateLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.locks[resourceKey]
	if !exists {
		return nil, nil
	}
	return &current, nil
}

func (s *MemoryStore) ListLocks(_ context.Context) ([]*models.StateLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.StateLock, 0, len(s.locks))
	for _, l := range s.locks {
		l := l
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceKey < out[j].ResourceKey })
	return out, nil
}

func (s *MemoryStore) PurgeExpiredLocks(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, l := range s.locks {
		if l.Expired(now) {
			delete(s.locks, key)
			n++
		}
	}
	return n, nil
}
