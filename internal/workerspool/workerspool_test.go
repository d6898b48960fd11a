// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ParallelFor(t *testing.T) {
	for _, parallelism := range []int{-1, 0, 1, 4} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		const n = 10_000
		seen := make([]int32, n)
		var calls atomic.Int32
		pool.ParallelFor(n, 100, func(start, end int) {
			calls.Add(1)
			for i := start; i < end; i++ {
				atomic.AddInt32(&seen[i], 1)
			}
		})
		for i, v := range seen {
			require.Equalf(t, int32(1), v, "parallelism=%d: element %d visited %d times", parallelism, i, v)
		}
		if parallelism == 0 {
			assert.Equal(t, int32(1), calls.Load())
		} else {
			assert.Greater(t, calls.Load(), int32(1))
		}
	}
}

func TestPool_ParallelForSmall(t *testing.T) {
	pool := New()
	var calls atomic.Int32
	pool.ParallelFor(10, 100, func(start, end int) {
		calls.Add(1)
		assert.Equal(t, 0, start)
		assert.Equal(t, 10, end)
	})
	assert.Equal(t, int32(1), calls.Load())
	pool.ParallelFor(0, 100, func(start, end int) { calls.Add(1) })
	assert.Equal(t, int32(1), calls.Load())
}

func TestPool_StartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(1)
	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, pool.StartIfAvailable(func() {
		close(started)
		<-release
	}))
	<-started
	assert.False(t, pool.StartIfAvailable(func() {}))
	close(release)

	pool.SetMaxParallelism(0)
	assert.False(t, pool.StartIfAvailable(func() {}))
}
