// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mpool implements a pool of fixed-type elements, allocated in chunks and reused through
// a free list.
//
// Unlike sync.Pool, elements are never released to the garbage collector while the pool is alive,
// the number of elements in use is tracked, and the pool can be capped: Get returns nil when the cap
// is reached.
package mpool

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultElemsPerChunk is the number of elements allocated at once when the free list is empty.
const DefaultElemsPerChunk = 8

// Config for a Pool.
type Config struct {
	// Name is used in logs.
	Name string

	// ElemsPerChunk is the number of elements allocated at once. Defaults to DefaultElemsPerChunk.
	ElemsPerChunk int

	// MaxElems caps the total number of elements allocated. 0 means unlimited.
	MaxElems int

	// ThreadSafe protects the pool with a mutex.
	ThreadSafe bool
}

// Pool of elements of type T.
type Pool[T any] struct {
	config    Config
	mu        sync.Mutex
	free      []*T
	allocated int
	inUse     int

	// reset is called on an element when it is returned to the pool.
	reset func(*T)
}

// New creates a Pool. The optional reset function is called on elements returned with Put.
func New[T any](config Config, reset func(*T)) (*Pool[T], error) {
	if config.ElemsPerChunk < 0 || config.MaxElems < 0 {
		return nil, errors.Errorf("mpool %q: invalid configuration, ElemsPerChunk=%d, MaxElems=%d",
			config.Name, config.ElemsPerChunk, config.MaxElems)
	}
	if config.ElemsPerChunk == 0 {
		config.ElemsPerChunk = DefaultElemsPerChunk
	}
	if config.MaxElems > 0 {
		config.ElemsPerChunk = min(config.ElemsPerChunk, config.MaxElems)
	}
	return &Pool[T]{config: config, reset: reset}, nil
}

func (p *Pool[T]) lock() {
	if p.config.ThreadSafe {
		p.mu.Lock()
	}
}

func (p *Pool[T]) unlock() {
	if p.config.ThreadSafe {
		p.mu.Unlock()
	}
}

// grow allocates a new chunk. It returns false if the pool is at its cap.
func (p *Pool[T]) grow() bool {
	n := p.config.ElemsPerChunk
	if p.config.MaxElems > 0 {
		n = min(n, p.config.MaxElems-p.allocated)
	}
	if n <= 0 {
		return false
	}
	chunk := make([]T, n)
	for ii := range chunk {
		p.free = append(p.free, &chunk[ii])
	}
	p.allocated += n
	klog.V(2).Infof("mpool %q: allocated chunk of %d elements, total %d", p.config.Name, n, p.allocated)
	return true
}

// Get returns a zero-initialized element, or nil if the pool is exhausted.
func (p *Pool[T]) Get() *T {
	p.lock()
	defer p.unlock()
	if len(p.free) == 0 && !p.grow() {
		return nil
	}
	last := len(p.free) - 1
	elem := p.free[last]
	p.free[last] = nil
	p.free = p.free[:last]
	p.inUse++
	return elem
}

// Put returns an element obtained with Get to the pool. The element must not be used afterwards.
func (p *Pool[T]) Put(elem *T) {
	if elem == nil {
		return
	}
	if p.reset != nil {
		p.reset(elem)
	}
	var zero T
	*elem = zero
	p.lock()
	defer p.unlock()
	p.inUse--
	p.free = append(p.free, elem)
}

// InUse returns the number of elements obtained with Get and not yet returned.
func (p *Pool[T]) InUse() int {
	p.lock()
	defer p.unlock()
	return p.inUse
}

// Allocated returns the total number of elements allocated so far.
func (p *Pool[T]) Allocated() int {
	p.lock()
	defer p.unlock()
	return p.allocated
}

// Cleanup releases the free list. Elements still in use are reported as leaked.
func (p *Pool[T]) Cleanup() {
	p.lock()
	defer p.unlock()
	if p.inUse > 0 {
		klog.Warningf("mpool %q: %d elements still in use at cleanup", p.config.Name, p.inUse)
	}
	p.free = nil
	p.allocated = p.inUse
}
