// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tl defines the interface a transport layer ("TL") needs to implement to execute collective
// operations (all-reduce, all-gather, broadcast, barrier, etc.) for the collective runtime.
//
// A transport is exposed as an Interface (the capability block), from which the runtime opens a Lib,
// creates per-worker Contexts, and on those Contexts creates Teams -- groups of ranks that execute
// collectives together. Each collective call is a CollTask: it is initialized by the Team, posted, and then
// driven to completion by the runtime's progress loop calling CollTask.Progress, until a terminal Status.
//
// No method blocks waiting for the devices: suspension is modeled by returning InProgress.
// Errors crossing this boundary are always returned (never thrown), and carry a Status, see StatusOf.
package tl

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
)

// Interface is the capability block a transport registers with the runtime.
type Interface interface {
	// Name returns the short name of the transport. E.g.: "hccl".
	Name() string

	// LibOpen returns the transport's process-wide Lib.
	LibOpen(params LibParams) (Lib, error)
}

// LibParams are the parameters used to open a Lib.
type LibParams struct {
	// ThreadMode requested by the runtime. Transports may refuse modes they can't serve.
	ThreadMode ThreadMode
}

// LibAttr describes a Lib's capabilities.
type LibAttr struct {
	Name        string
	ThreadMode  ThreadMode
	CollTypes   CollType
	MinTeamSize int
	MaxTeamSize int
}

// Lib is the process-wide descriptor of a transport.
type Lib interface {
	Attr() LibAttr

	// Capabilities lists collectives and data types served.
	Capabilities() Capabilities

	// ContextCreate creates a new resource domain for one worker.
	ContextCreate(params ContextParams) (Context, error)

	// Close releases the Lib. It must be called once per successful LibOpen.
	Close() error
}

// ContextParams are the parameters used to create a Context.
type ContextParams struct {
	// Progress is the queue where posted tasks are enqueued to be polled by the runtime.
	Progress ProgressQueue

	// Config is a transport specific configuration string, optionally empty.
	Config string
}

// ContextAttr describes a Context.
type ContextAttr struct {
	ThreadMode ThreadMode
	CollTypes  CollType
}

// Context is a per-worker resource domain.
type Context interface {
	Attr() ContextAttr

	// TeamCreatePost starts the creation of a team. The runtime must then call Team.CreateTest until it
	// returns a terminal status.
	TeamCreatePost(params TeamParams) (Team, error)

	// Destroy releases all resources of the Context. All teams must have been destroyed first.
	Destroy() error
}

// TeamParams are the parameters used to create a Team.
type TeamParams struct {
	// Rank of the local process in the team, and Size of the team.
	Rank, Size int

	// OOB is the out-of-band channel used to bootstrap the team.
	OOB OOB

	// ID is an optional runtime identifier for the team, used in logs.
	ID uint64
}

// Team is one rank's participation in a group executing collectives together.
type Team interface {
	// CreateTest progresses the team creation. It returns InProgress until the team is usable (OK),
	// or an error status, in which case Err returns the details.
	CreateTest() Status

	// Err returns the error that moved the team to a failed state, if any.
	Err() error

	// Destroy releases the team. It fails if collective tasks are still outstanding.
	Destroy() error

	// GetScores returns the score ranges this team serves.
	GetScores() (*CollScore, error)

	// CollInit creates the task for a collective call. It doesn't start it, see CollTask.Post.
	CollInit(args *CollArgs) (CollTask, error)
}

// CollTask is one collective operation, from initialization to finalization.
type CollTask interface {
	// Post starts the operation, without blocking, and enqueues the task in the context's ProgressQueue.
	// On error the task is already finalized and must not be used again.
	Post() error

	// Progress checks for completion. It returns InProgress, OK or an error status.
	// After a terminal status, calling it again returns the same status.
	Progress() Status

	// Status returns the last status, without progressing.
	Status() Status

	// Err returns the error associated with a failed task.
	Err() error

	// Finalize releases the task. It must be called exactly once.
	Finalize() error

	// Args returns the arguments the task was created with.
	Args() *CollArgs
}

// ProgressQueue is the runtime's queue of posted tasks, polled by its progress loop.
type ProgressQueue interface {
	Enqueue(task CollTask) error
}

// OOBRequest is an opaque handle to an in-flight out-of-band exchange.
type OOBRequest any

// OOB is the out-of-band channel supplied by the runtime to bootstrap teams.
type OOB interface {
	// Allgather posts the exchange of len(send) bytes from every rank; recv must have Size()*len(send) bytes
	// and after completion holds each rank's contribution in rank order.
	Allgather(send, recv []byte) (OOBRequest, error)

	// Test returns InProgress, OK or an error status for req.
	Test(req OOBRequest) Status

	// Free releases req. It is valid on completed or still pending requests.
	Free(req OOBRequest) error

	Rank() int
	Size() int
}

// Capabilities holds what a transport serves.
type Capabilities struct {
	CollTypes CollType

	// DTypes lists the data types with a native mapping.
	// If not listed, it's assumed to be false, hence not natively supported.
	DTypes map[dtypes.DType]bool
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	c2 := Capabilities{CollTypes: c.CollTypes, DTypes: make(map[dtypes.DType]bool, len(c.DTypes))}
	for dtype, ok := range c.DTypes {
		c2.DTypes[dtype] = ok
	}
	return c2
}

var (
	registryMu      sync.Mutex
	registered      = make(map[string]Interface)
	firstRegistered string
)

// Register a transport Interface under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, iface Interface) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if len(registered) == 0 {
		firstRegistered = name
	}
	registered[name] = iface
}

// Registered returns the names of the registered transports.
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

// TL_TRANSPORT is the environment variable with the default transport configuration to use.
//
// The format is "<transport_name>:<transport_configuration>", see LookupWithConfig.
const TL_TRANSPORT = "TL_TRANSPORT"

// Lookup returns the default transport and its configuration string.
//
// The environment variable TL_TRANSPORT is used if set, otherwise the first registered transport with an
// empty configuration.
func Lookup() (Interface, string, error) {
	if config, found := os.LookupEnv(TL_TRANSPORT); found {
		return LookupWithConfig(config)
	}
	return LookupWithConfig("")
}

// LookupWithConfig takes a configuration string formatted as "<transport_name>:<transport_configuration>"
// and returns the transport Interface and its configuration, which is meant to be passed in ContextParams.
//
// If the name is omitted, the first registered transport is used.
func LookupWithConfig(config string) (Interface, string, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if len(registered) == 0 {
		return nil, "", Errorf(ErrNotSupported, "no registered transports -- maybe import one with "+
			`import _ "github.com/gomlx/collectives/tl/hccl"?`)
	}
	name := firstRegistered
	transportConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		transportConfig = config[idx+1:]
	} else if _, found := registered[config]; found {
		name = config
		transportConfig = ""
	}
	iface, found := registered[name]
	if !found {
		return nil, "", Errorf(ErrNotSupported, "can't find transport %q for configuration %q given", name, config)
	}
	return iface, transportConfig, nil
}
