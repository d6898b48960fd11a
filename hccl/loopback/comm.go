// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/collectives/hccl"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// clique is the set of communicators created with the same UniqueID.
type clique struct {
	id   hccl.UniqueID
	size int

	mu      sync.Mutex
	members []*comm
	joined  int
	ready   chan struct{}
	rounds  map[uint64]*round
}

// comm implements hccl.Comm.
type comm struct {
	lib    *Library
	clique *clique
	rank   int

	// seq is the sequence number of the next collective. Only accessed by the owner of the communicator.
	seq uint64

	created   time.Time
	asyncErr  atomic.Int32
	destroyed atomic.Bool
	abort     chan struct{}
	abortOnce sync.Once
}

func (c *comm) isReady() bool {
	select {
	case <-c.clique.ready:
		return true
	default:
		return false
	}
}

func (c *comm) fault(result hccl.Result) {
	if result == hccl.Success {
		return
	}
	c.asyncErr.CompareAndSwap(int32(hccl.Success), int32(result))
	c.abortOnce.Do(func() { close(c.abort) })
}

func (l *Library) toComm(hcomm hccl.Comm) (*comm, hccl.Result) {
	c, ok := hcomm.(*comm)
	if !ok || c == nil || c.lib != l {
		return nil, hccl.InvalidArgument
	}
	if c.destroyed.Load() {
		return nil, hccl.InvalidUsage
	}
	return c, hccl.Success
}

// CommInitRankConfig implements hccl.Library.
func (l *Library) CommInitRankConfig(nRanks int, id hccl.UniqueID, rank int, config hccl.CommConfig) (hccl.Comm, hccl.Result) {
	if r := l.injectedFailure("CommInitRankConfig"); r != hccl.Success {
		return nil, r
	}
	if nRanks <= 0 || rank < 0 || rank >= nRanks || id.IsZero() {
		return nil, hccl.InvalidArgument
	}

	l.mu.Lock()
	cl, found := l.cliques[id]
	if !found {
		cl = &clique{
			id:      id,
			size:    nRanks,
			members: make([]*comm, nRanks),
			ready:   make(chan struct{}),
			rounds:  make(map[uint64]*round),
		}
		l.cliques[id] = cl
	}
	if cl.size != nRanks || cl.members[rank] != nil {
		l.mu.Unlock()
		klog.Errorf("loopback: rank %d can't join clique of size %d with nRanks=%d", rank, cl.size, nRanks)
		return nil, hccl.InvalidUsage
	}
	c := &comm{
		lib:     l,
		clique:  cl,
		rank:    rank,
		created: time.Now(),
		abort:   make(chan struct{}),
	}
	cl.members[rank] = c
	cl.joined++
	if cl.joined == cl.size {
		// The id is consumed: a new clique can be created with the same id from now on.
		delete(l.cliques, id)
		close(cl.ready)
	}
	l.mu.Unlock()
	l.liveComms.Add(1)

	if !config.Blocking {
		if c.isReady() {
			return c, hccl.Success
		}
		return c, hccl.InProgress
	}
	select {
	case <-cl.ready:
		return c, hccl.Success
	case <-time.After(l.initTimeout):
		klog.Errorf("loopback: timed out after %s waiting for %d ranks to join", l.initTimeout, nRanks)
		l.leaveClique(c)
		return nil, hccl.SystemError
	}
}

// leaveClique removes a communicator that never became ready.
func (l *Library) leaveClique(c *comm) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !c.isReady() && c.clique.members[c.rank] == c {
		c.clique.members[c.rank] = nil
		c.clique.joined--
	}
	c.destroyed.Store(true)
	l.liveComms.Add(-1)
}

// CommDestroy implements hccl.Library.
func (l *Library) CommDestroy(hcomm hccl.Comm) hccl.Result {
	c, r := l.toComm(hcomm)
	if r != hccl.Success {
		return r
	}
	if !c.isReady() {
		l.leaveClique(c)
		return hccl.Success
	}
	c.destroyed.Store(true)
	c.abortOnce.Do(func() { close(c.abort) })
	l.liveComms.Add(-1)
	return hccl.Success
}

// CommGetAsyncError implements hccl.Library.
func (l *Library) CommGetAsyncError(hcomm hccl.Comm) (asyncErr hccl.Result, result hccl.Result) {
	c, r := l.toComm(hcomm)
	if r != hccl.Success {
		return hccl.Success, r
	}
	if e := hccl.Result(c.asyncErr.Load()); e != hccl.Success {
		return e, hccl.Success
	}
	if !c.isReady() {
		if time.Since(c.created) > l.initTimeout {
			c.fault(hccl.SystemError)
			return hccl.SystemError, hccl.Success
		}
		return hccl.InProgress, hccl.Success
	}
	return hccl.Success, hccl.Success
}

// opKind enumerates the collectives of a round.
type opKind int

const (
	opAllReduce opKind = iota
	opAllGather
	opBroadcast
	opReduce
	opReduceScatter
	opBarrier
)

var opKindNames = []string{"AllReduce", "AllGather", "Broadcast", "Reduce", "ReduceScatter", "Barrier"}

func (k opKind) String() string {
	return opKindNames[k]
}

// collArgs are the arguments of one rank's collective call.
type collArgs struct {
	kind       opKind
	send, recv []byte
	count      int
	dtype      hccl.DataType
	op         hccl.RedOp
	root       int
}

// sameShape returns whether two ranks called compatible collectives.
func (a *collArgs) sameShape(b *collArgs) bool {
	return a.kind == b.kind && a.count == b.count && a.dtype == b.dtype && a.op == b.op && a.root == b.root
}

// round is one collective, identified by its sequence number, as seen by all ranks of the clique.
type round struct {
	first   collArgs
	sends   [][]byte
	recvs   [][]byte
	arrived int
	result  hccl.Result
	done    chan struct{}
}

// join registers the rank's participation in the round seq. The last rank to arrive executes the collective.
func (cl *clique) join(pool collectiveExecutor, seq uint64, rank int, args *collArgs) *round {
	cl.mu.Lock()
	rd, found := cl.rounds[seq]
	if !found {
		rd = &round{
			first: *args,
			sends: make([][]byte, cl.size),
			recvs: make([][]byte, cl.size),
			done:  make(chan struct{}),
		}
		cl.rounds[seq] = rd
	} else if !rd.first.sameShape(args) {
		klog.Errorf("loopback: collective #%d mismatch: rank %d called %s(count=%d, %s) but others called %s(count=%d, %s)",
			seq, rank, args.kind, args.count, args.dtype, rd.first.kind, rd.first.count, rd.first.dtype)
		rd.result = hccl.InvalidUsage
	}
	rd.sends[rank] = args.send
	rd.recvs[rank] = args.recv
	rd.arrived++
	last := rd.arrived == cl.size
	if last {
		delete(cl.rounds, seq)
	}
	cl.mu.Unlock()

	if last {
		if rd.result == hccl.Success {
			pool.execute(rd)
		}
		close(rd.done)
	}
	return rd
}

// collectiveExecutor computes the results of a complete round.
type collectiveExecutor interface {
	execute(rd *round)
}

// execute implements collectiveExecutor: it writes the result of the collective in every rank's recv buffer.
func (l *Library) execute(rd *round) {
	a := &rd.first
	elemSize := a.dtype.Size()
	blockSize := a.count * elemSize
	switch a.kind {
	case opAllReduce:
		acc := reduceAll(l.pool, rd.sends, a.count, a.dtype, a.op)
		for _, recv := range rd.recvs {
			copy(recv, acc)
		}
	case opReduce:
		acc := reduceAll(l.pool, rd.sends, a.count, a.dtype, a.op)
		copy(rd.recvs[a.root], acc)
	case opReduceScatter:
		acc := reduceAll(l.pool, rd.sends, a.count*len(rd.sends), a.dtype, a.op)
		for rank, recv := range rd.recvs {
			copy(recv, acc[rank*blockSize:(rank+1)*blockSize])
		}
	case opAllGather:
		for rank, send := range rd.sends {
			block := send[:blockSize]
			for _, recv := range rd.recvs {
				copy(recv[rank*blockSize:], block)
			}
		}
	case opBroadcast:
		data := make([]byte, blockSize)
		copy(data, rd.sends[a.root])
		for _, recv := range rd.recvs {
			copy(recv, data)
		}
	case opBarrier:
		// Nothing to compute: completing the round is the synchronization.
	default:
		exceptions.Panicf("loopback: unknown collective kind %d", a.kind)
	}
}

// runCollective is executed by the stream: it blocks until the round is complete, or the communicator aborted.
func (c *comm) runCollective(seq uint64, args *collArgs) {
	if c.destroyed.Load() || c.asyncErr.Load() != 0 {
		return
	}
	rd := c.clique.join(c.lib, seq, c.rank, args)
	select {
	case <-rd.done:
		if rd.result != hccl.Success {
			c.fault(rd.result)
		}
	case <-c.abort:
		klog.V(1).Infof("loopback: rank %d aborted while waiting for %s #%d", c.rank, args.kind, seq)
	}
}

// enqueueCollective validates the call and enqueues it on the stream.
func (l *Library) enqueueCollective(hcomm hccl.Comm, hstream hccl.Stream, args *collArgs) hccl.Result {
	if r := l.injectedFailure(args.kind.String()); r != hccl.Success {
		return r
	}
	c, r := l.toComm(hcomm)
	if r != hccl.Success {
		return r
	}
	s, r := l.toStream(hstream)
	if r != hccl.Success {
		return r
	}
	if e := hccl.Result(c.asyncErr.Load()); e != hccl.Success {
		return e
	}
	if !c.isReady() {
		return hccl.InvalidUsage
	}
	if r = validateArgs(args, c.clique.size); r != hccl.Success {
		return r
	}
	seq := c.seq
	c.seq++
	return s.enqueue(func() { c.runCollective(seq, args) })
}

func validateArgs(args *collArgs, size int) hccl.Result {
	if args.kind == opBarrier {
		return hccl.Success
	}
	elemSize := args.dtype.Size()
	if elemSize == 0 || args.count < 0 {
		return hccl.InvalidArgument
	}
	if args.op < 0 || args.op >= hccl.NumRedOps {
		return hccl.InvalidArgument
	}
	if args.root < 0 || args.root >= size {
		return hccl.InvalidArgument
	}
	sendCount, recvCount := args.count, args.count
	switch args.kind {
	case opAllGather:
		recvCount = args.count * size
	case opReduceScatter:
		sendCount = args.count * size
	}
	if len(args.send) < sendCount*elemSize || len(args.recv) < recvCount*elemSize {
		return hccl.InvalidArgument
	}
	return hccl.Success
}

// AllReduce implements hccl.Library.
func (l *Library) AllReduce(send, recv []byte, count int, dtype hccl.DataType, op hccl.RedOp,
	comm hccl.Comm, stream hccl.Stream) hccl.Result {
	return l.enqueueCollective(comm, stream, &collArgs{
		kind: opAllReduce, send: send, recv: recv, count: count, dtype: dtype, op: op})
}

// AllGather implements hccl.Library.
func (l *Library) AllGather(send, recv []byte, sendCount int, dtype hccl.DataType,
	comm hccl.Comm, stream hccl.Stream) hccl.Result {
	return l.enqueueCollective(comm, stream, &collArgs{
		kind: opAllGather, send: send, recv: recv, count: sendCount, dtype: dtype})
}

// Broadcast implements hccl.Library.
func (l *Library) Broadcast(send, recv []byte, count int, dtype hccl.DataType, root int,
	comm hccl.Comm, stream hccl.Stream) hccl.Result {
	c, r := l.toComm(comm)
	if r != hccl.Success {
		return r
	}
	if c.rank != root {
		// Only the root's send buffer is read.
		send = recv
	}
	return l.enqueueCollective(comm, stream, &collArgs{
		kind: opBroadcast, send: send, recv: recv, count: count, dtype: dtype, root: root})
}

// Reduce implements hccl.Library.
func (l *Library) Reduce(send, recv []byte, count int, dtype hccl.DataType, op hccl.RedOp, root int,
	comm hccl.Comm, stream hccl.Stream) hccl.Result {
	c, r := l.toComm(comm)
	if r != hccl.Success {
		return r
	}
	if c.rank != root && len(recv) == 0 {
		// Only the root's receive buffer is written.
		recv = make([]byte, count*dtype.Size())
	}
	return l.enqueueCollective(comm, stream, &collArgs{
		kind: opReduce, send: send, recv: recv, count: count, dtype: dtype, op: op, root: root})
}

// ReduceScatter implements hccl.Library.
func (l *Library) ReduceScatter(send, recv []byte, recvCount int, dtype hccl.DataType, op hccl.RedOp,
	comm hccl.Comm, stream hccl.Stream) hccl.Result {
	return l.enqueueCollective(comm, stream, &collArgs{
		kind: opReduceScatter, send: send, recv: recv, count: recvCount, dtype: dtype, op: op})
}

// Barrier implements hccl.Library.
func (l *Library) Barrier(comm hccl.Comm, stream hccl.Stream) hccl.Result {
	return l.enqueueCollective(comm, stream, &collArgs{kind: opBarrier})
}
