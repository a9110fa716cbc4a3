// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package locks

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Randomized concurrent acquire/release never lets two holders own the same
// key at once.
func TestMutualExclusionUnderContention(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			contend(t, NewManager(store, nil, testLockConfig()))
		})
	}
}

func contend(t *testing.T, m *Manager) {
	t.Helper()
	keys := []string{"infra/feature", "infra/staging", "infra/production"}

	var owners [3]atomic.Int32
	var violations atomic.Int32
	var acquisitions atomic.Int32

	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < 16; w++ {
		worker := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(worker)))
			holder := fmt.Sprintf("run-%d:APPLY", worker)
			for i := 0; i < 200; i++ {
				k := rng.Intn(len(keys))
				lock, err := m.Acquire(ctx, keys[k], holder, time.Minute)
				if errors.Is(err, ErrLockConflict) {
					continue
				}
				if err != nil {
					return err
				}
				acquisitions.Add(1)
				if owners[k].Add(1) > 1 {
					violations.Add(1)
				}
				if rng.Intn(4) == 0 {
					time.Sleep(time.Microsecond * time.Duration(rng.Intn(50)))
				}
				owners[k].Add(-1)
				if err := m.Release(ctx, lock); err != nil {
					return err
				}
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Zero(t, violations.Load())
	assert.Greater(t, acquisitions.Load(), int32(0))

	for _, k := range keys {
		status, err := m.Inspect(context.Background(), k)
		require.NoError(t, err)
		assert.False(t, status.Held(), "every lock was released")
	}
}
