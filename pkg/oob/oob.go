// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package oob implements an in-process out-of-band channel (tl.OOB) for ranks living in the same process,
// typically goroutines in tests and demos.
//
// A Group is shared by all ranks, and each rank uses its own Endpoint. Exchanges are matched by order:
// the n-th Allgather of every rank are part of the same exchange.
package oob

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/collectives/tl"
	"github.com/pkg/errors"
)

// Group of ranks exchanging data out-of-band.
type Group struct {
	size int

	mu      sync.Mutex
	rounds  map[uint64]*round
	aborted error
}

// Endpoint is one rank's view of a Group. It implements tl.OOB.
//
// An Endpoint is not safe for concurrent use: each rank should use its own.
type Endpoint struct {
	group *Group
	rank  int
	seq   uint64
}

// Compile-time check that Endpoint implements tl.OOB.
var _ tl.OOB = (*Endpoint)(nil)

type round struct {
	blockSize int
	recvs     [][]byte
	sends     [][]byte
	arrived   int
	failed    error
	done      atomic.Bool
}

// request implements tl.OOBRequest.
type request struct {
	round *round
	freed bool
}

// NewGroup creates a group for size ranks.
func NewGroup(size int) (*Group, error) {
	if size <= 0 {
		return nil, errors.Errorf("oob: invalid group size %d", size)
	}
	return &Group{size: size, rounds: make(map[uint64]*round)}, nil
}

// Size of the group.
func (g *Group) Size() int {
	return g.size
}

// Endpoint returns the endpoint for the given rank. Each rank must only take one endpoint.
func (g *Group) Endpoint(rank int) *Endpoint {
	if rank < 0 || rank >= g.size {
		return nil
	}
	return &Endpoint{group: g, rank: rank}
}

// Endpoints returns one endpoint per rank.
func (g *Group) Endpoints() []*Endpoint {
	endpoints := make([]*Endpoint, g.size)
	for rank := range endpoints {
		endpoints[rank] = g.Endpoint(rank)
	}
	return endpoints
}

// Abort fails all pending and future exchanges with err.
func (g *Group) Abort(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.aborted = err
	for _, r := range g.rounds {
		r.failed = err
	}
}

// Rank implements tl.OOB.
func (e *Endpoint) Rank() int {
	return e.rank
}

// Size implements tl.OOB.
func (e *Endpoint) Size() int {
	return e.group.size
}

// Allgather implements tl.OOB.
func (e *Endpoint) Allgather(send, recv []byte) (tl.OOBRequest, error) {
	g := e.group
	if len(recv) < len(send)*g.size {
		return nil, tl.Errorf(tl.ErrInvalidParam, "oob: receive buffer has %d bytes, %d ranks * %d bytes required",
			len(recv), g.size, len(send))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.aborted != nil {
		return nil, errors.WithMessage(g.aborted, "oob: group aborted")
	}
	seq := e.seq
	e.seq++
	r, found := g.rounds[seq]
	if !found {
		r = &round{
			blockSize: len(send),
			recvs:     make([][]byte, g.size),
			sends:     make([][]byte, g.size),
		}
		g.rounds[seq] = r
	} else if r.blockSize != len(send) {
		r.failed = tl.Errorf(tl.ErrInvalidParam, "oob: exchange #%d with mismatched sizes: rank %d sent %d bytes, others %d",
			seq, e.rank, len(send), r.blockSize)
	}
	r.sends[e.rank] = append([]byte(nil), send...)
	r.recvs[e.rank] = recv
	r.arrived++
	if r.arrived == g.size {
		delete(g.rounds, seq)
		if r.failed == nil {
			for _, dst := range r.recvs {
				for rank, src := range r.sends {
					copy(dst[rank*r.blockSize:], src)
				}
			}
		}
		r.done.Store(true)
	}
	return &request{round: r}, nil
}

// Test implements tl.OOB.
func (e *Endpoint) Test(req tl.OOBRequest) tl.Status {
	r, ok := req.(*request)
	if !ok || r == nil || r.freed {
		return tl.ErrInvalidParam
	}
	e.group.mu.Lock()
	failed := r.round.failed
	e.group.mu.Unlock()
	if failed != nil {
		return tl.StatusOf(failed)
	}
	if r.round.done.Load() {
		return tl.OK
	}
	return tl.InProgress
}

// Free implements tl.OOB.
func (e *Endpoint) Free(req tl.OOBRequest) error {
	r, ok := req.(*request)
	if !ok || r == nil {
		return tl.Errorf(tl.ErrInvalidParam, "oob: invalid request %v", req)
	}
	if r.freed {
		return tl.Errorf(tl.ErrInvalidParam, "oob: request freed twice")
	}
	r.freed = true
	return nil
}
