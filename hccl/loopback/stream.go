// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/collectives/hccl"
	"k8s.io/klog/v2"
)

// streamQueueSize is the number of operations that can be pending in a stream before submission blocks.
const streamQueueSize = 1024

// stream implements hccl.Stream: a goroutine executing the enqueued operations in order.
type stream struct {
	lib *Library
	id  int32

	mu     sync.Mutex
	closed bool
	ops    chan func()
	done   chan struct{}
}

func (s *stream) run() {
	defer close(s.done)
	for op := range s.ops {
		op()
	}
}

func (s *stream) enqueue(op func()) hccl.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return hccl.InvalidUsage
	}
	s.ops <- op
	return hccl.Success
}

// event implements hccl.Event: it is marked once the stream reaches it.
type event struct {
	stream  *stream
	reached atomic.Bool
}

func (l *Library) toStream(hstream hccl.Stream) (*stream, hccl.Result) {
	s, ok := hstream.(*stream)
	if !ok || s == nil || s.lib != l {
		return nil, hccl.InvalidArgument
	}
	return s, hccl.Success
}

// StreamCreate implements hccl.Library.
func (l *Library) StreamCreate() (hccl.Stream, hccl.Result) {
	if r := l.injectedFailure("StreamCreate"); r != hccl.Success {
		return nil, r
	}
	s := &stream{
		lib:  l,
		id:   l.nextStreamID.Add(1),
		ops:  make(chan func(), streamQueueSize),
		done: make(chan struct{}),
	}
	go s.run()
	l.liveStreams.Add(1)
	return s, hccl.Success
}

// StreamDestroy implements hccl.Library. It waits for the operations already enqueued to finish, so the
// communicators using the stream should be destroyed (aborting pending collectives) first.
func (l *Library) StreamDestroy(hstream hccl.Stream) hccl.Result {
	s, r := l.toStream(hstream)
	if r != hccl.Success {
		return r
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return hccl.InvalidUsage
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()
	<-s.done
	l.liveStreams.Add(-1)
	klog.V(2).Infof("loopback: stream #%d destroyed", s.id)
	return hccl.Success
}

// EventRecord implements hccl.Library.
func (l *Library) EventRecord(hstream hccl.Stream) (hccl.Event, hccl.Result) {
	if r := l.injectedFailure("EventRecord"); r != hccl.Success {
		return nil, r
	}
	s, r := l.toStream(hstream)
	if r != hccl.Success {
		return nil, r
	}
	e := &event{stream: s}
	if r = s.enqueue(func() { e.reached.Store(true) }); r != hccl.Success {
		return nil, r
	}
	return e, hccl.Success
}

// EventQuery implements hccl.Library: it returns Success if the event was reached, InProgress otherwise.
func (l *Library) EventQuery(hevent hccl.Event) hccl.Result {
	e, ok := hevent.(*event)
	if !ok || e == nil {
		return hccl.InvalidArgument
	}
	if e.reached.Load() {
		return hccl.Success
	}
	return hccl.InProgress
}

// EventDestroy implements hccl.Library.
func (l *Library) EventDestroy(hevent hccl.Event) hccl.Result {
	if _, ok := hevent.(*event); !ok {
		return hccl.InvalidArgument
	}
	return hccl.Success
}

// StreamWriteValue implements hccl.Library.
func (l *Library) StreamWriteValue(hstream hccl.Stream, status *hccl.DeviceStatus, value uint32) hccl.Result {
	if r := l.injectedFailure("StreamWriteValue"); r != hccl.Success {
		return r
	}
	if !l.memOps {
		return hccl.InvalidUsage
	}
	s, r := l.toStream(hstream)
	if r != hccl.Success {
		return r
	}
	if status == nil {
		return hccl.InvalidArgument
	}
	return s.enqueue(func() { status.Store(value) })
}
