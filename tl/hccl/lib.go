// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hccl implements the "hccl" transport: it executes the collectives of the runtime by delegating
// them to a vendor collective library implementing hccl.Library (package github.com/gomlx/collectives/hccl).
//
// Importing this package registers the transport in the tl registry:
//
//	import _ "github.com/gomlx/collectives/tl/hccl"
//
// The vendor library is resolved when the Lib is opened: it is the one registered under the name given
// by the environment variable TL_HCCL_LIBRARY, or the first registered one. See NewInterface to use a
// specific library instead.
//
// A team bootstraps one communicator per rank: rank 0 generates the unique id, which is distributed through
// the runtime's out-of-band channel, and then every rank creates its communicator and stream. By default
// this is postponed to the first collective of the team (see ContextConfig.LazyInit).
//
// Collective tasks are posted as one non-blocking call to the library, followed by a completion detector
// (an event, or a device memory write) on the same stream. The runtime's progress loop polls them.
package hccl

import (
	"os"
	"sync"

	api "github.com/gomlx/collectives/hccl"
	"github.com/gomlx/collectives/tl"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Name under which the transport is registered.
const Name = "hccl"

// LibName is the name reported in LibAttr.
const LibName = "HCCL"

// EnvLibrary selects the vendor library by its registered name (see hccl.Register).
const EnvLibrary = "TL_HCCL_LIBRARY"

// DefaultScore is the priority of the score ranges reported by the teams.
const DefaultScore = 20

// SupportedColls is the set of collectives executed by the transport.
const SupportedColls = tl.CollAllReduce | tl.CollAllGather | tl.CollAllGatherV | tl.CollBcast |
	tl.CollBarrier | tl.CollReduce | tl.CollReduceScatter

// Capabilities of the transport.
var Capabilities = tl.Capabilities{
	CollTypes: SupportedColls,
	DTypes:    NativeDTypes(),
}

func init() {
	tl.Register(Name, NewInterface(nil))
}

// Interface is the capability block of the transport. It implements tl.Interface.
//
// It holds the process-wide Lib: LibOpen creates it on first use and returns the same Lib afterwards,
// counting references. The last Lib.Close releases it.
type Interface struct {
	library api.Library

	mu   sync.Mutex
	lib  *Lib
	refs int
}

// Compile-time check that Interface implements tl.Interface.
var _ tl.Interface = (*Interface)(nil)

// NewInterface creates a transport Interface using library. If library is nil, it is resolved from the
// hccl registry when the Lib is opened.
func NewInterface(library api.Library) *Interface {
	return &Interface{library: library}
}

// Name implements tl.Interface.
func (i *Interface) Name() string {
	return Name
}

// LibOpen implements tl.Interface.
func (i *Interface) LibOpen(params tl.LibParams) (tl.Lib, error) {
	if params.ThreadMode == tl.ThreadMultiple {
		return nil, tl.Errorf(tl.ErrNotSupported, "hccl: thread mode %s not supported", params.ThreadMode)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.lib != nil {
		i.refs++
		return i.lib, nil
	}
	library := i.library
	if library == nil {
		name := os.Getenv(EnvLibrary)
		var found bool
		library, found = api.Get(name)
		if !found {
			return nil, tl.Errorf(tl.ErrNotSupported,
				"hccl: no collective library %q registered (registered: %q), maybe import one with "+
					`import _ "github.com/gomlx/collectives/hccl/loopback"?`, name, api.Registered())
		}
	}
	i.lib = &Lib{iface: i, library: library, id: uuid.NewString()}
	i.refs = 1
	klog.V(1).Infof("hccl: initialized lib %s using library %q", i.lib.id, library.Name())
	return i.lib, nil
}

// Refs returns the number of references to the open Lib, 0 if it is not open.
func (i *Interface) Refs() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.refs
}

// Lib is the process-wide descriptor of the transport. It implements tl.Lib.
type Lib struct {
	iface   *Interface
	library api.Library
	id      string
}

// Compile-time check that Lib implements tl.Lib.
var _ tl.Lib = (*Lib)(nil)

// Attr implements tl.Lib.
func (l *Lib) Attr() tl.LibAttr {
	return tl.LibAttr{
		Name:        LibName,
		ThreadMode:  tl.ThreadSingle,
		CollTypes:   SupportedColls,
		MinTeamSize: 1,
		MaxTeamSize: tl.RankMax,
	}
}

// Capabilities implements tl.Lib.
func (l *Lib) Capabilities() tl.Capabilities {
	return Capabilities.Clone()
}

// Library returns the vendor library used.
func (l *Lib) Library() api.Library {
	return l.library
}

// Close implements tl.Lib.
func (l *Lib) Close() error {
	i := l.iface
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.lib != l || i.refs <= 0 {
		return tl.Errorf(tl.ErrInvalidParam, "hccl: lib %s already closed", l.id)
	}
	i.refs--
	if i.refs == 0 {
		i.lib = nil
		klog.V(1).Infof("hccl: finalized lib %s", l.id)
	}
	return nil
}
