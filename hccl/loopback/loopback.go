// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package loopback implements hccl.Library in-process: every rank is a goroutine of the same process,
// communicators sharing a UniqueID form a clique, and collectives are executed for real on the host
// memory given as buffers.
//
// Each stream is executed by its own goroutine, in submission order. A collective blocks its stream
// until every rank of the clique reached the same collective (by sequence number), like a device stream
// would.
//
// It is meant for tests, demos and for running the transport without accelerators. It also offers fault
// injection, see Library.FailNext and Library.InjectFault.
//
// Simply import it with import _ "github.com/gomlx/collectives/hccl/loopback" to register Default
// as the "loopback" library.
package loopback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/collectives/hccl"
	"github.com/gomlx/collectives/internal/workerspool"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Name under which Default is registered in hccl.Register.
const Name = "loopback"

// DefaultInitTimeout is the time blocking communicator creation waits for all ranks to join.
const DefaultInitTimeout = 30 * time.Second

// Default library instance, registered as "loopback".
var Default = New()

func init() {
	hccl.Register(Name, Default)
}

// Library implements hccl.Library for ranks living in the same process.
type Library struct {
	mu      sync.Mutex
	cliques map[hccl.UniqueID]*clique

	memOps      bool
	initTimeout time.Duration
	pool        *workerspool.Pool

	failuresMu sync.Mutex
	failures   map[string]hccl.Result

	liveComms, liveStreams atomic.Int32
	nextStreamID           atomic.Int32
}

// Compile-time check that Library implements hccl.Library.
var _ hccl.Library = (*Library)(nil)

// Option configures a Library.
type Option func(l *Library)

// WithMemOps enables or disables StreamWriteValue support. It is enabled by default.
func WithMemOps(enabled bool) Option {
	return func(l *Library) { l.memOps = enabled }
}

// WithInitTimeout sets how long communicator creation waits for all ranks.
func WithInitTimeout(timeout time.Duration) Option {
	return func(l *Library) { l.initTimeout = timeout }
}

// WithParallelism sets the number of workers used by reductions. 0 disables parallelism.
func WithParallelism(parallelism int) Option {
	return func(l *Library) { l.pool.SetMaxParallelism(parallelism) }
}

// New creates a new independent Library: communicators of different Library objects never see each other.
func New(options ...Option) *Library {
	l := &Library{
		cliques:     make(map[hccl.UniqueID]*clique),
		memOps:      true,
		initTimeout: DefaultInitTimeout,
		pool:        workerspool.New(),
		failures:    make(map[string]hccl.Result),
	}
	for _, option := range options {
		option(l)
	}
	return l
}

// Name implements hccl.Library.
func (l *Library) Name() string {
	return Name
}

// GetErrorString implements hccl.Library.
func (l *Library) GetErrorString(r hccl.Result) string {
	return r.String()
}

// SupportsMemOps implements hccl.Library.
func (l *Library) SupportsMemOps() bool {
	return l.memOps
}

// FailNext makes the next call to the named method (e.g.: "AllReduce", "CommInitRankConfig",
// "EventRecord") return result without doing anything.
func (l *Library) FailNext(method string, result hccl.Result) {
	l.failuresMu.Lock()
	defer l.failuresMu.Unlock()
	l.failures[method] = result
}

// injectedFailure consumes a failure registered with FailNext.
func (l *Library) injectedFailure(method string) hccl.Result {
	l.failuresMu.Lock()
	defer l.failuresMu.Unlock()
	r, found := l.failures[method]
	if !found {
		return hccl.Success
	}
	delete(l.failures, method)
	klog.V(1).Infof("loopback: injected failure %q for %s", r, method)
	return r
}

// InjectFault puts the communicator in an asynchronous error state, as if the device had failed while
// executing its stream. Collectives of the communicator waiting for other ranks are aborted.
func (l *Library) InjectFault(hcomm hccl.Comm, result hccl.Result) {
	c, ok := hcomm.(*comm)
	if !ok || c == nil {
		return
	}
	c.fault(result)
}

// NumLiveComms returns the number of communicators created and not yet destroyed.
func (l *Library) NumLiveComms() int {
	return int(l.liveComms.Load())
}

// NumLiveStreams returns the number of streams created and not yet destroyed.
func (l *Library) NumLiveStreams() int {
	return int(l.liveStreams.Load())
}

// GetUniqueID implements hccl.Library.
func (l *Library) GetUniqueID() (id hccl.UniqueID, r hccl.Result) {
	if r = l.injectedFailure("GetUniqueID"); r != hccl.Success {
		return
	}
	copy(id[:], "lpbk")
	u := uuid.New()
	copy(id[4:], u[:])
	return id, hccl.Success
}
