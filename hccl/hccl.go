// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hccl defines the surface of the vendor accelerator collective library (HCCL) used by the
// transport in github.com/gomlx/collectives/tl/hccl.
//
// It mirrors the C API: communicators are created from a (size, unique id, rank) triple, every collective
// is enqueued on an accelerator stream and returns immediately with a Result, and faults that happen while
// the stream executes are only visible through CommGetAsyncError.
//
// Implementations register themselves with Register. The in-process simulator in the loopback sub-package
// is always available.
package hccl

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Result is the return code of every library call.
type Result int

const (
	Success         Result = 0
	UnhandledError  Result = 1
	SystemError     Result = 2
	InternalError   Result = 3
	InvalidArgument Result = 4
	InvalidUsage    Result = 5
	RemoteError     Result = 6
	InProgress      Result = 7
)

const numResultsDefined = 8

var resultNames = [numResultsDefined]string{
	"no error",
	"unhandled device error",
	"unhandled system error",
	"internal error",
	"invalid argument",
	"invalid usage",
	"remote process exited or there was a network error",
	"operation in progress",
}

// String implements fmt.Stringer.
func (r Result) String() string {
	if r >= 0 && int(r) < numResultsDefined {
		return resultNames[r]
	}
	return fmt.Sprintf("unknown result code (%d)", int(r))
}

// DataType is the library's element type enumeration.
type DataType int

const (
	Int8 DataType = iota
	Uint8
	Int32
	Uint32
	Int64
	Uint64
	Float16
	Float32
	Float64
	Bfloat16
	Int16
	Uint16
	NumDataTypes
)

var dataTypeNames = [NumDataTypes]string{
	"int8", "uint8", "int32", "uint32", "int64", "uint64",
	"float16", "float32", "float64", "bfloat16", "int16", "uint16",
}

var dataTypeSizes = [NumDataTypes]int{1, 1, 4, 4, 8, 8, 2, 4, 8, 2, 2, 2}

// Size returns the size in bytes of one element, or 0 for invalid values.
func (dt DataType) Size() int {
	if dt < 0 || dt >= NumDataTypes {
		return 0
	}
	return dataTypeSizes[dt]
}

func (dt DataType) String() string {
	if dt < 0 || dt >= NumDataTypes {
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
	return dataTypeNames[dt]
}

// RedOp is the library's reduction operator enumeration.
type RedOp int

const (
	Sum RedOp = iota
	Prod
	Max
	Min
	NumRedOps
)

func (op RedOp) String() string {
	switch op {
	case Sum:
		return "sum"
	case Prod:
		return "prod"
	case Max:
		return "max"
	case Min:
		return "min"
	default:
		return fmt.Sprintf("RedOp(%d)", int(op))
	}
}

// UniqueIDSize is the number of bytes of a UniqueID.
const UniqueIDSize = 128

// UniqueID identifies a communicator clique. It is generated by one rank and shared with all others
// out-of-band before creating the communicator.
type UniqueID [UniqueIDSize]byte

// IsZero returns whether the id was never set.
func (id *UniqueID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// Comm is an opaque communicator handle.
type Comm any

// Stream is an opaque accelerator stream handle.
type Stream any

// Event is an opaque handle to a marker recorded on a stream.
type Event any

// CommConfig holds the communicator creation options.
type CommConfig struct {
	// Blocking makes CommInitRankConfig wait for every rank to join. If false, it may return InProgress,
	// and CommGetAsyncError must be polled until it reports something else.
	Blocking bool
}

// DeviceStatus is a word in device-visible host memory, written by the stream with StreamWriteValue.
type DeviceStatus struct {
	value atomic.Uint32
}

// Load returns the last value written.
func (s *DeviceStatus) Load() uint32 {
	return s.value.Load()
}

// Store writes the value. It is meant to be called by Library implementations.
func (s *DeviceStatus) Store(v uint32) {
	s.value.Store(v)
}

// Library is the API of the vendor collective library.
//
// Collective calls only enqueue work on the stream: the returned Result reports whether the enqueue
// succeeded, and faults during execution are reported by CommGetAsyncError.
type Library interface {
	// Name of the implementation.
	Name() string

	GetUniqueID() (UniqueID, Result)
	CommInitRankConfig(nRanks int, id UniqueID, rank int, config CommConfig) (Comm, Result)
	CommDestroy(comm Comm) Result

	// CommGetAsyncError returns the asynchronous state of the communicator (asyncErr), and the result
	// of the query itself.
	CommGetAsyncError(comm Comm) (asyncErr Result, result Result)

	StreamCreate() (Stream, Result)
	StreamDestroy(stream Stream) Result

	AllReduce(send, recv []byte, count int, dtype DataType, op RedOp, comm Comm, stream Stream) Result
	AllGather(send, recv []byte, sendCount int, dtype DataType, comm Comm, stream Stream) Result
	Broadcast(send, recv []byte, count int, dtype DataType, root int, comm Comm, stream Stream) Result
	Reduce(send, recv []byte, count int, dtype DataType, op RedOp, root int, comm Comm, stream Stream) Result
	ReduceScatter(send, recv []byte, recvCount int, dtype DataType, op RedOp, comm Comm, stream Stream) Result
	Barrier(comm Comm, stream Stream) Result

	// EventRecord enqueues a marker on the stream. EventQuery returns Success once the stream reached it,
	// InProgress before.
	EventRecord(stream Stream) (Event, Result)
	EventQuery(event Event) Result
	EventDestroy(event Event) Result

	// SupportsMemOps returns whether StreamWriteValue is available.
	SupportsMemOps() bool

	// StreamWriteValue enqueues a write of value to status, executed when the stream reaches it.
	StreamWriteValue(stream Stream, status *DeviceStatus, value uint32) Result

	GetErrorString(r Result) string
}

var (
	registryMu      sync.Mutex
	registered      = make(map[string]Library)
	firstRegistered string
)

// Register makes a Library implementation available by name.
func Register(name string, lib Library) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if len(registered) == 0 {
		firstRegistered = name
	}
	registered[name] = lib
}

// Get returns the Library registered with the given name. An empty name returns the first registered one.
func Get(name string) (Library, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if name == "" {
		name = firstRegistered
	}
	lib, found := registered[name]
	return lib, found
}

// Registered returns the sorted names of the registered libraries.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registered))
	for name := range registered {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
