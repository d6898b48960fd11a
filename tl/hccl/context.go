// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hccl

import (
	api "github.com/gomlx/collectives/hccl"
	"github.com/gomlx/collectives/pkg/support/mpool"
	"github.com/gomlx/collectives/tl"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// tasksPerChunk is the number of tasks allocated at once by the context's pool.
const tasksPerChunk = 8

// Context is the per-worker resource domain of the transport. It implements tl.Context.
//
// It is not safe for concurrent use: the runtime serializes the calls into one context.
type Context struct {
	lib      *Lib
	library  api.Library
	id       string
	config   ContextConfig
	sync     SyncType
	progress tl.ProgressQueue

	tasks *mpool.Pool[task]

	// scratch is reused by buffer-copy collectives. Only one task holds it at a time.
	scratch      []byte
	scratchInUse bool
	numTeams     int
	isDestroyed  bool
}

// Compile-time check that Context implements tl.Context.
var _ tl.Context = (*Context)(nil)

// ContextCreate implements tl.Lib.
//
// The configuration is built by ParseConfig from params.Config.
func (l *Lib) ContextCreate(params tl.ContextParams) (tl.Context, error) {
	if params.Progress == nil {
		return nil, tl.Errorf(tl.ErrInvalidParam, "hccl: context requires a progress queue")
	}
	config, err := ParseConfig(params.Config)
	if err != nil {
		klog.Errorf("hccl: invalid context configuration %q: %+v", params.Config, err)
		return nil, err
	}
	return l.NewContext(config, params.Progress)
}

// NewContext creates a context with the given configuration.
func (l *Lib) NewContext(config ContextConfig, progress tl.ProgressQueue) (*Context, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := &Context{
		lib:      l,
		library:  l.library,
		id:       uuid.NewString()[:8],
		config:   config,
		progress: progress,
	}
	c.sync = config.Sync
	if c.sync == SyncAuto {
		c.sync = SyncEvent
		if c.library.SupportsMemOps() {
			c.sync = SyncMemOps
		}
	}
	if c.sync == SyncMemOps && !c.library.SupportsMemOps() {
		return nil, tl.Errorf(tl.ErrNotSupported, "hccl: sync=%s requested, but library %q doesn't support memory operations",
			SyncMemOps, c.library.Name())
	}
	var err error
	c.tasks, err = mpool.New[task](mpool.Config{
		Name:          "tl_hccl_tasks",
		ElemsPerChunk: tasksPerChunk,
		MaxElems:      config.MaxTasks,
	}, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "hccl: failed to create task pool")
	}
	if config.ScratchSize > 0 {
		c.scratch = make([]byte, config.ScratchSize)
	}
	klog.V(1).Infof("hccl: initialized context %s (sync=%s, blocking=%v, lazy_init=%v)",
		c.id, c.sync, config.Blocking, config.LazyInit)
	return c, nil
}

// Attr implements tl.Context.
func (c *Context) Attr() tl.ContextAttr {
	return tl.ContextAttr{ThreadMode: tl.ThreadSingle, CollTypes: SupportedColls}
}

// Config returns the configuration of the context.
func (c *Context) Config() ContextConfig {
	return c.config
}

// Sync returns the completion detector used, after resolving SyncAuto.
func (c *Context) Sync() SyncType {
	return c.sync
}

// TasksInUse returns the number of tasks allocated and not yet finalized.
func (c *Context) TasksInUse() int {
	return c.tasks.InUse()
}

// getScratch returns a buffer of at least size bytes. The context's scratch buffer is used if free,
// otherwise a temporary one is allocated.
func (c *Context) getScratch(size int) []byte {
	if size == 0 {
		return nil
	}
	if c.scratchInUse {
		return make([]byte, size)
	}
	if len(c.scratch) < size {
		c.scratch = make([]byte, size)
	}
	c.scratchInUse = true
	return c.scratch[:size]
}

func (c *Context) isSharedScratch(buf []byte) bool {
	return len(buf) > 0 && len(c.scratch) > 0 && &buf[0] == &c.scratch[0]
}

// putScratch returns a buffer obtained with getScratch.
func (c *Context) putScratch(buf []byte) {
	if c.isSharedScratch(buf) {
		c.scratchInUse = false
	}
}

// abandonScratch releases a buffer obtained with getScratch that the stream may still write to:
// it is never reused.
func (c *Context) abandonScratch(buf []byte) {
	if c.isSharedScratch(buf) {
		c.scratch = nil
		c.scratchInUse = false
	}
}

// Destroy implements tl.Context.
func (c *Context) Destroy() error {
	if c.isDestroyed {
		return tl.Errorf(tl.ErrInvalidParam, "hccl: context %s destroyed twice", c.id)
	}
	if c.numTeams > 0 {
		return tl.Errorf(tl.ErrInvalidParam, "hccl: context %s still has %d teams", c.id, c.numTeams)
	}
	c.isDestroyed = true
	c.scratch = nil
	c.tasks.Cleanup()
	klog.V(1).Infof("hccl: finalized context %s", c.id)
	return nil
}
