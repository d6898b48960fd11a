// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type elem struct {
	id    int
	state string
}

func TestPool(t *testing.T) {
	var resets int
	p, err := New[elem](Config{Name: "test", ElemsPerChunk: 2}, func(e *elem) { resets++ })
	require.NoError(t, err)

	e0 := p.Get()
	e0.id = 7
	e1 := p.Get()
	assert.Equal(t, 2, p.Allocated())
	e2 := p.Get()
	require.NotNil(t, e2)
	assert.Equal(t, 4, p.Allocated())
	assert.Equal(t, 3, p.InUse())

	p.Put(e0)
	assert.Equal(t, 1, resets)
	assert.Equal(t, 2, p.InUse())
	e3 := p.Get()
	assert.Same(t, e0, e3, "free list should reuse the last returned element")
	assert.Equal(t, 0, e3.id, "reused elements must be zeroed")

	p.Put(e1)
	p.Put(e2)
	p.Put(e3)
	p.Put(nil)
	assert.Equal(t, 0, p.InUse())
	p.Cleanup()
}

func TestPoolMaxElems(t *testing.T) {
	p, err := New[elem](Config{Name: "capped", MaxElems: 3}, nil)
	require.NoError(t, err)
	var elems []*elem
	for range 3 {
		e := p.Get()
		require.NotNil(t, e)
		elems = append(elems, e)
	}
	assert.Nil(t, p.Get())
	assert.Equal(t, 3, p.InUse())
	p.Put(elems[0])
	assert.NotNil(t, p.Get())

	_, err = New[elem](Config{MaxElems: -1}, nil)
	require.Error(t, err)
}

func TestPoolThreadSafe(t *testing.T) {
	p, err := New[elem](Config{Name: "mt", ThreadSafe: true}, nil)
	require.NoError(t, err)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				e := p.Get()
				e.state = "used"
				p.Put(e)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, p.InUse())
	assert.LessOrEqual(t, p.Allocated(), 8*DefaultElemsPerChunk)
}
