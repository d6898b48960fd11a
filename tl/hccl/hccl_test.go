// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hccl

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	api "github.com/gomlx/collectives/hccl"
	"github.com/gomlx/collectives/hccl/loopback"
	"github.com/gomlx/collectives/pkg/cluster"
	"github.com/gomlx/collectives/pkg/progress"
	"github.com/gomlx/collectives/tl"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 30 * time.Second

// newCluster creates a cluster with teams created, closed at the end of the test.
func newCluster(t *testing.T, library api.Library, size int, config string) *cluster.Cluster {
	c, err := cluster.New(NewInterface(library), size, config)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, c.Close())
	})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, c.CreateTeams(ctx))
	return c
}

func hcclContext(r *cluster.Rank) *Context {
	return r.Context.(*Context)
}

func hcclTeam(r *cluster.Rank) *Team {
	return r.Team.(*Team)
}

func requireNoTasksInUse(t *testing.T, c *cluster.Cluster) {
	for _, r := range c.Ranks() {
		require.Equalf(t, 0, hcclContext(r).TasksInUse(), "rank %d has tasks in use", r.Rank)
	}
}

func TestLib(t *testing.T) {
	iface := NewInterface(loopback.New())
	assert.Equal(t, Name, iface.Name())
	_, err := iface.LibOpen(tl.LibParams{ThreadMode: tl.ThreadMultiple})
	require.Error(t, err)
	assert.Equal(t, tl.ErrNotSupported, tl.StatusOf(err))

	lib0 := must.M1(iface.LibOpen(tl.LibParams{}))
	lib1 := must.M1(iface.LibOpen(tl.LibParams{ThreadMode: tl.ThreadFunneled}))
	assert.Same(t, lib0, lib1, "Lib must be a process-wide singleton per Interface")
	assert.Equal(t, 2, iface.Refs())

	attr := lib0.Attr()
	assert.Equal(t, LibName, attr.Name)
	assert.Equal(t, tl.ThreadSingle, attr.ThreadMode)
	assert.Equal(t, SupportedColls, attr.CollTypes)
	assert.Equal(t, 1, attr.MinTeamSize)
	assert.Equal(t, tl.RankMax, attr.MaxTeamSize)
	caps := lib0.Capabilities()
	assert.True(t, caps.DTypes[tl.NewBufferInfo([]float32{}).DType])
	caps.DTypes[tl.NewBufferInfo([]float32{}).DType] = false
	assert.True(t, Capabilities.DTypes[tl.NewBufferInfo([]float32{}).DType], "Capabilities must return a copy")

	_, err = lib0.ContextCreate(tl.ContextParams{})
	require.Error(t, err, "context without progress queue")
	_, err = lib0.ContextCreate(tl.ContextParams{Progress: progress.New(), Config: "sync=bogus"})
	require.Error(t, err)
	ctx := must.M1(lib0.ContextCreate(tl.ContextParams{Progress: progress.New()}))
	assert.Equal(t, tl.ContextAttr{ThreadMode: tl.ThreadSingle, CollTypes: SupportedColls}, ctx.Attr())
	assert.Equal(t, SyncMemOps, ctx.(*Context).Sync(), "auto sync with memops support")
	require.NoError(t, ctx.Destroy())
	require.Error(t, ctx.Destroy())

	require.NoError(t, lib0.Close())
	require.NoError(t, lib1.Close())
	assert.Equal(t, 0, iface.Refs())
	require.Error(t, lib0.Close())

	// Without memops support auto resolves to event, and memops can't be forced.
	lib := must.M1(NewInterface(loopback.New(loopback.WithMemOps(false))).LibOpen(tl.LibParams{}))
	defer func() { require.NoError(t, lib.Close()) }()
	ctx = must.M1(lib.ContextCreate(tl.ContextParams{Progress: progress.New()}))
	assert.Equal(t, SyncEvent, ctx.(*Context).Sync())
	require.NoError(t, ctx.Destroy())
	_, err = lib.ContextCreate(tl.ContextParams{Progress: progress.New(), Config: "sync=memops"})
	assert.Equal(t, tl.ErrNotSupported, tl.StatusOf(err))
}

func TestRegistered(t *testing.T) {
	iface, config, err := tl.LookupWithConfig("hccl:sync=event")
	require.NoError(t, err)
	assert.Equal(t, Name, iface.Name())
	assert.Equal(t, "sync=event", config)

	// The registered interface resolves the library from the hccl registry.
	lib, err := iface.LibOpen(tl.LibParams{})
	require.NoError(t, err)
	assert.Equal(t, loopback.Name, lib.(*Lib).Library().Name())
	require.NoError(t, lib.Close())
}

// runCollectives executes every supported collective on a 4 ranks cluster and checks the results.
func runCollectives(t *testing.T, config string) {
	const size = 4
	c := newCluster(t, loopback.New(), size, config)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if hcclContext(c.Ranks()[0]).Config().LazyInit {
		for _, r := range c.Ranks() {
			assert.Equal(t, CommStateOOB, hcclTeam(r).State(), "lazy teams bootstrap on the first collective")
		}
	} else {
		for _, r := range c.Ranks() {
			assert.Equal(t, CommStateReady, hcclTeam(r).State())
		}
	}

	t.Run("AllReduce", func(t *testing.T) {
		results := make([][]int32, size)
		require.NoError(t, c.Parallel(func(r *cluster.Rank) error {
			send := []int32{int32(r.Rank + 1), int32(r.Rank + 1), int32(r.Rank + 1), int32(r.Rank + 1)}
			results[r.Rank] = make([]int32, len(send))
			return r.Collective(ctx, &tl.CollArgs{
				CollType: tl.CollAllReduce,
				Src:      tl.NewBufferInfo(send),
				Dst:      tl.NewBufferInfo(results[r.Rank]),
				Op:       tl.ReduceOpSum,
			})
		}))
		for rank := range size {
			assert.Equal(t, []int32{10, 10, 10, 10}, results[rank])
		}
		requireNoTasksInUse(t, c)
	})

	t.Run("AllReduceInPlace", func(t *testing.T) {
		results := make([][]float64, size)
		require.NoError(t, c.Parallel(func(r *cluster.Rank) error {
			results[r.Rank] = []float64{float64(r.Rank), -float64(r.Rank)}
			return r.Collective(ctx, &tl.CollArgs{
				CollType: tl.CollAllReduce,
				Flags:    tl.FlagInPlace,
				Dst:      tl.NewBufferInfo(results[r.Rank]),
				Op:       tl.ReduceOpMax,
			})
		}))
		for rank := range size {
			assert.Equal(t, []float64{3, 0}, results[rank])
		}
		requireNoTasksInUse(t, c)
	})

	t.Run("AllGather", func(t *testing.T) {
		results := make([][]uint16, size)
		require.NoError(t, c.Parallel(func(r *cluster.Rank) error {
			results[r.Rank] = make([]uint16, 2*size)
			return r.Collective(ctx, &tl.CollArgs{
				CollType: tl.CollAllGather,
				Src:      tl.NewBufferInfo([]uint16{uint16(10 * r.Rank), uint16(10*r.Rank + 1)}),
				Dst:      tl.NewBufferInfo(results[r.Rank]),
			})
		}))
		for rank := range size {
			assert.Equal(t, []uint16{0, 1, 10, 11, 20, 21, 30, 31}, results[rank])
		}
		requireNoTasksInUse(t, c)
	})

	t.Run("AllGatherV", func(t *testing.T) {
		counts := []int{1, 2, 0, 3}
		results := make([][]int64, size)
		require.NoError(t, c.Parallel(func(r *cluster.Rank) error {
			send := make([]int64, counts[r.Rank])
			for i := range send {
				send[i] = int64(r.Rank)
			}
			results[r.Rank] = make([]int64, 6)
			dst := tl.NewBufferInfo(results[r.Rank])
			return r.Collective(ctx, &tl.CollArgs{
				CollType: tl.CollAllGatherV,
				Src:      tl.NewBufferInfo(send),
				DstV:     tl.BufferInfoV{Buffer: dst.Buffer, Counts: counts, DType: dst.DType},
			})
		}))
		for rank := range size {
			assert.Equal(t, []int64{0, 1, 1, 3, 3, 3}, results[rank])
		}
		requireNoTasksInUse(t, c)
	})

	t.Run("Bcast", func(t *testing.T) {
		const root = 2
		want := []float32{math.Pi, -0.0, float32(math.Inf(1)), 1e-40}
		results := make([][]float32, size)
		require.NoError(t, c.Parallel(func(r *cluster.Rank) error {
			results[r.Rank] = make([]float32, len(want))
			if r.Rank == root {
				copy(results[r.Rank], want)
			}
			return r.Collective(ctx, &tl.CollArgs{
				CollType: tl.CollBcast,
				Src:      tl.NewBufferInfo(results[r.Rank]),
				Root:     root,
			})
		}))
		for rank := range size {
			assert.Equal(t, tl.Bytes(want), tl.Bytes(results[rank]), "rank %d differs from root", rank)
		}
		requireNoTasksInUse(t, c)
	})

	t.Run("Reduce", func(t *testing.T) {
		const root = 1
		result := make([]int8, 3)
		require.NoError(t, c.Parallel(func(r *cluster.Rank) error {
			args := &tl.CollArgs{
				CollType: tl.CollReduce,
				Src:      tl.NewBufferInfo([]int8{int8(r.Rank), -int8(r.Rank), 2}),
				Op:       tl.ReduceOpProd,
				Root:     root,
			}
			if r.Rank == root {
				args.Dst = tl.NewBufferInfo(result)
			}
			return r.Collective(ctx, args)
		}))
		assert.Equal(t, []int8{0, 0, 16}, result)
		requireNoTasksInUse(t, c)
	})

	t.Run("ReduceScatter", func(t *testing.T) {
		results := make([][]uint32, size)
		require.NoError(t, c.Parallel(func(r *cluster.Rank) error {
			send := make([]uint32, 2*size)
			for i := range send {
				send[i] = uint32(i * (r.Rank + 1))
			}
			results[r.Rank] = make([]uint32, 2)
			return r.Collective(ctx, &tl.CollArgs{
				CollType: tl.CollReduceScatter,
				Src:      tl.NewBufferInfo(send),
				Dst:      tl.NewBufferInfo(results[r.Rank]),
				Op:       tl.ReduceOpSum,
			})
		}))
		for rank := range size {
			// Sum over ranks of i*(rank+1) is 10*i.
			assert.Equal(t, []uint32{uint32(10 * 2 * rank), uint32(10 * (2*rank + 1))}, results[rank])
		}
		requireNoTasksInUse(t, c)
	})

	t.Run("Barrier", func(t *testing.T) {
		require.NoError(t, c.Parallel(func(r *cluster.Rank) error {
			return r.Collective(ctx, &tl.CollArgs{CollType: tl.CollBarrier})
		}))
		requireNoTasksInUse(t, c)
	})

	for _, r := range c.Ranks() {
		assert.Equal(t, CommStateReady, hcclTeam(r).State())
	}
}

func TestCollectives(t *testing.T) {
	for _, config := range []string{
		"",
		"sync=event",
		"sync=memops,lazy_init=0",
		"sync=event,lazy_init=0,blocking=1",
		"lazy_init=1,blocking=1,scratch_size=16",
	} {
		t.Run(fmt.Sprintf("config=%q", config), func(t *testing.T) {
			runCollectives(t, config)
		})
	}
}

func TestNotSupported(t *testing.T) {
	c := newCluster(t, loopback.New(), 2, "")
	r := c.Ranks()[0]
	for _, collType := range []tl.CollType{tl.CollAllToAll, tl.CollAllToAllV, tl.CollGather, tl.CollGatherV,
		tl.CollScatter, tl.CollScatterV, tl.CollFanIn, tl.CollFanOut, tl.CollReduceScatterV,
		tl.CollAllReduce | tl.CollBarrier} {
		task, err := r.Team.CollInit(&tl.CollArgs{CollType: collType})
		require.Errorf(t, err, "%s should not be supported", collType)
		assert.Nil(t, task)
		assert.Equal(t, tl.ErrNotSupported, tl.StatusOf(err))
	}
	assert.Equal(t, 0, hcclContext(r).tasks.Allocated(), "nothing should be allocated for unsupported collectives")
	assert.Equal(t, CommStateOOB, hcclTeam(r).State(), "unsupported collectives must not bootstrap the team")
}

func TestInvalidArgs(t *testing.T) {
	c := newCluster(t, loopback.New(), 1, "lazy_init=0")
	r := c.Ranks()[0]
	short := make([]float32, 2)
	for name, args := range map[string]*tl.CollArgs{
		"short destination": {CollType: tl.CollAllReduce, Src: tl.NewBufferInfo(make([]float32, 4)),
			Dst: tl.BufferInfo{Buffer: tl.Bytes(short), Count: 4, DType: tl.NewBufferInfo(short).DType}},
		"dtype mismatch": {CollType: tl.CollAllReduce, Src: tl.NewBufferInfo(make([]int32, 2)), Dst: tl.NewBufferInfo(short)},
		"invalid root":   {CollType: tl.CollBcast, Src: tl.NewBufferInfo(short), Root: 1},
		"missing counts": {CollType: tl.CollAllGatherV, Src: tl.NewBufferInfo(short)},
	} {
		_, err := r.Team.CollInit(args)
		require.Errorf(t, err, "%s should fail", name)
		assert.Equal(t, tl.ErrInvalidParam, tl.StatusOf(err), name)
	}
	requireNoTasksInUse(t, c)
}

func TestBarrierWaitsForAllRanks(t *testing.T) {
	const size = 4
	c := newCluster(t, loopback.New(), size, "lazy_init=0")
	ranks := c.Ranks()
	tasks := make([]tl.CollTask, size)
	for rank := range size - 1 {
		tasks[rank] = must.M1(ranks[rank].Post(&tl.CollArgs{CollType: tl.CollBarrier}))
	}
	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		for rank := range size - 1 {
			ranks[rank].Queue.Progress()
			require.Equal(t, tl.InProgress, tasks[rank].Status(), "barrier completed before rank %d joined", size-1)
		}
		time.Sleep(time.Millisecond)
	}

	tasks[size-1] = must.M1(ranks[size-1].Post(&tl.CollArgs{CollType: tl.CollBarrier}))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	for rank, task := range tasks {
		require.NoError(t, ranks[rank].Queue.Wait(ctx, task))
		assert.Equal(t, tl.OK, task.Progress(), "progress after completion must be idempotent")
		require.NoError(t, task.Finalize())
		require.Error(t, task.Finalize(), "second finalize must fail")
	}
	requireNoTasksInUse(t, c)
}

func TestSyncFailure(t *testing.T) {
	for _, tc := range []struct{ config, method string }{
		{"sync=event", "AllReduce"},
		{"sync=event", "EventRecord"},
		{"sync=memops", "StreamWriteValue"},
	} {
		t.Run(tc.method, func(t *testing.T) {
			library := loopback.New()
			c := newCluster(t, library, 1, "lazy_init=0,"+tc.config)
			r := c.Ranks()[0]
			buf := make([]int32, 4)
			args := &tl.CollArgs{CollType: tl.CollAllReduce, Src: tl.NewBufferInfo(buf), Dst: tl.NewBufferInfo(buf)}
			library.FailNext(tc.method, api.InternalError)
			task, err := r.Team.CollInit(args)
			require.NoError(t, err)
			assert.Equal(t, 1, hcclContext(r).TasksInUse())
			err = task.Post()
			require.Errorf(t, err, "post should fail with %s failing", tc.method)
			assert.Equal(t, tl.ErrNoMessage, tl.StatusOf(err))
			assert.Equal(t, 0, hcclContext(r).TasksInUse(), "failed post must return the task to the pool")
			require.Error(t, task.Finalize(), "task is already finalized by the failed post")
			assert.Equal(t, CommStateReady, hcclTeam(r).State(), "synchronous failures don't poison the team")
			assert.Equal(t, 0, r.Queue.Len())

			// The team is still usable.
			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()
			require.NoError(t, r.Collective(ctx, args))
		})
	}
}

func TestAsyncFault(t *testing.T) {
	library := loopback.New()
	c := newCluster(t, library, 2, "lazy_init=0")
	r0, r1 := c.Ranks()[0], c.Ranks()[1]
	buf := make([]float32, 8)
	args := &tl.CollArgs{CollType: tl.CollAllReduce, Flags: tl.FlagInPlace, Dst: tl.NewBufferInfo(buf), Op: tl.ReduceOpSum}

	// Rank 1 never joins: the collective stays in progress until the fault.
	task := must.M1(r0.Post(args))
	assert.Equal(t, tl.InProgress, task.Progress())
	library.InjectFault(hcclTeam(r0).Comm(), api.RemoteError)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	err := r0.Queue.Wait(ctx, task)
	require.Error(t, err)
	assert.True(t, task.Status().IsError())
	assert.Equal(t, tl.StatusOf(err), task.Progress(), "terminal status must be stable")
	assert.Equal(t, CommStateError, hcclTeam(r0).State())
	require.Error(t, r0.Team.Err())
	require.NoError(t, task.Finalize())

	// Poisoned team fails fast, without allocating.
	_, err = r0.Team.CollInit(args)
	require.Error(t, err)
	assert.Equal(t, 0, hcclContext(r0).TasksInUse())
	assert.True(t, r0.Team.CreateTest().IsError())

	// The other rank is unaffected.
	assert.Equal(t, CommStateReady, hcclTeam(r1).State())
}

func TestAsyncFaultAtPost(t *testing.T) {
	library := loopback.New()
	c := newCluster(t, library, 2, "lazy_init=0,sync=event")
	r0 := c.Ranks()[0]
	library.InjectFault(hcclTeam(r0).Comm(), api.RemoteError)
	_, err := r0.Post(&tl.CollArgs{CollType: tl.CollBarrier})
	require.Error(t, err)
	assert.Equal(t, CommStateError, hcclTeam(r0).State())
	assert.Equal(t, 0, hcclContext(r0).TasksInUse())
}

func TestTeamLifecycle(t *testing.T) {
	t.Run("OutstandingTasks", func(t *testing.T) {
		c := newCluster(t, loopback.New(), 1, "lazy_init=0")
		r := c.Ranks()[0]
		task := must.M1(r.Team.CollInit(&tl.CollArgs{CollType: tl.CollBarrier}))
		err := r.Team.Destroy()
		require.Error(t, err)
		assert.Equal(t, tl.InProgress, tl.StatusOf(err))
		require.Error(t, r.Context.Destroy(), "context with live teams")
		require.NoError(t, task.Finalize())
		require.NoError(t, r.Team.Destroy())
		require.Error(t, r.Team.Destroy())
		r.Team = nil
	})

	t.Run("Unposted", func(t *testing.T) {
		c := newCluster(t, loopback.New(), 2, "lazy_init=0")
		r := c.Ranks()[0]
		collTask := must.M1(r.Team.CollInit(&tl.CollArgs{CollType: tl.CollBarrier}))
		assert.Equal(t, tl.InProgress, collTask.Status(), "task reported completion before being posted")
		assert.Equal(t, tl.InProgress, collTask.Progress())
		assert.Equal(t, api.InProgress, collTask.(*task).hcclStatus)
		assert.NoError(t, collTask.Err())

		waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := r.Queue.Wait(waitCtx, collTask)
		require.Error(t, err, "unposted task must not complete")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		// An unposted task can still be finalized.
		require.NoError(t, collTask.Finalize())
		require.Error(t, collTask.Finalize(), "finalized twice")
		requireNoTasksInUse(t, c)
	})

	t.Run("NeverBootstrapped", func(t *testing.T) {
		library := loopback.New()
		c := newCluster(t, library, 3, "")
		for _, r := range c.Ranks() {
			assert.Equal(t, tl.OK, r.Team.CreateTest())
			assert.Nil(t, hcclTeam(r).Comm())
		}
		require.NoError(t, c.DestroyTeams())
		assert.Equal(t, 0, library.NumLiveComms())
		assert.Equal(t, 0, library.NumLiveStreams())
	})

	t.Run("Released", func(t *testing.T) {
		library := loopback.New()
		c := newCluster(t, library, 3, "lazy_init=0")
		assert.Equal(t, 3, library.NumLiveComms())
		assert.Equal(t, 3, library.NumLiveStreams())
		require.NoError(t, c.DestroyTeams())
		assert.Equal(t, 0, library.NumLiveComms())
		assert.Equal(t, 0, library.NumLiveStreams())
	})

	t.Run("InvalidParams", func(t *testing.T) {
		c := newCluster(t, loopback.New(), 2, "")
		r := c.Ranks()[0]
		_, err := r.Context.TeamCreatePost(tl.TeamParams{Rank: 2, Size: 2, OOB: r.OOB})
		require.Error(t, err)
		_, err = r.Context.TeamCreatePost(tl.TeamParams{Rank: 0, Size: 2})
		require.Error(t, err)
		_, err = r.Context.TeamCreatePost(tl.TeamParams{Rank: 0, Size: 3, OOB: r.OOB})
		require.Error(t, err)
	})
}

func TestBootstrapFailure(t *testing.T) {
	t.Run("Lazy", func(t *testing.T) {
		library := loopback.New()
		c := newCluster(t, library, 2, "")
		r := c.Ranks()[0]
		library.FailNext("GetUniqueID", api.SystemError)
		_, err := r.Team.CollInit(&tl.CollArgs{CollType: tl.CollBarrier})
		require.Error(t, err)
		assert.Equal(t, CommStateError, hcclTeam(r).State())
		assert.Equal(t, 0, hcclContext(r).tasks.Allocated(), "no task allocated on bootstrap failure")
		assert.Equal(t, 0, library.NumLiveComms())
	})

	t.Run("Eager", func(t *testing.T) {
		library := loopback.New(loopback.WithInitTimeout(100 * time.Millisecond))
		c, err := cluster.New(NewInterface(library), 2, "lazy_init=0")
		require.NoError(t, err)
		defer func() { assert.NoError(t, c.Close()) }()
		library.FailNext("CommInitRankConfig", api.InvalidUsage)
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		require.Error(t, c.CreateTeams(ctx))
		numFailed := 0
		for _, r := range c.Ranks() {
			if r.Team != nil && hcclTeam(r).State() == CommStateError {
				numFailed++
			}
		}
		assert.Equal(t, 2, numFailed, "the rank that failed and the one left waiting should both fail")
	})

	t.Run("OOB", func(t *testing.T) {
		c, err := cluster.New(NewInterface(loopback.New()), 2, "lazy_init=0")
		require.NoError(t, err)
		defer func() { assert.NoError(t, c.Close()) }()
		c.OOB().Abort(tl.Errorf(tl.ErrTimedOut, "peer lost"))
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		err = c.CreateTeams(ctx)
		require.Error(t, err)
		assert.Equal(t, tl.ErrTimedOut, tl.StatusOf(err))
	})
}

func TestMaxTasks(t *testing.T) {
	c := newCluster(t, loopback.New(), 1, "lazy_init=0,max_tasks=2")
	r := c.Ranks()[0]
	barrier := &tl.CollArgs{CollType: tl.CollBarrier}
	task0 := must.M1(r.Team.CollInit(barrier))
	task1 := must.M1(r.Team.CollInit(barrier))
	_, err := r.Team.CollInit(barrier)
	require.Error(t, err)
	assert.Equal(t, tl.ErrNoMemory, tl.StatusOf(err))
	require.NoError(t, task0.Finalize())
	task2 := must.M1(r.Team.CollInit(barrier))
	require.NoError(t, task1.Finalize())
	require.NoError(t, task2.Finalize())
}

func TestGetScores(t *testing.T) {
	c := newCluster(t, loopback.New(), 1, "")
	r := c.Ranks()[0]
	scores := must.M1(r.Team.GetScores())
	assert.Equal(t, len(SupportedColls.Types()), scores.Len())
	for _, collType := range SupportedColls.Types() {
		sr := scores.Lookup(collType, tl.MemoryHost, 1<<20)
		require.NotNilf(t, sr, "no score for %s", collType)
		assert.Equal(t, DefaultScore, sr.Score)
		assert.Equal(t, uint64(0), sr.Start)
		assert.Equal(t, uint64(tl.MsgMax), sr.End)
		assert.Equal(t, r.Team, sr.Team)
	}
	assert.Nil(t, scores.Lookup(tl.CollAllToAll, tl.MemoryHost, 0))

	// The constructor is the team's CollInit.
	sr := scores.Lookup(tl.CollBarrier, tl.MemoryHost, 0)
	task := must.M1(sr.Init(&tl.CollArgs{CollType: tl.CollBarrier}))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, task.Post())
	require.NoError(t, r.Queue.Wait(ctx, task))
	require.NoError(t, task.Finalize())
}

// panickingLibrary panics on AllReduce, like a binding hitting a bug.
type panickingLibrary struct {
	*loopback.Library
}

func (p panickingLibrary) AllReduce(send, recv []byte, count int, dtype api.DataType, op api.RedOp,
	comm api.Comm, stream api.Stream) api.Result {
	exceptions.Panicf("AllReduce binding bug")
	return api.Success
}

func TestVendorPanic(t *testing.T) {
	c := newCluster(t, panickingLibrary{loopback.New()}, 1, "lazy_init=0")
	r := c.Ranks()[0]
	buf := make([]int32, 2)
	_, err := r.Post(&tl.CollArgs{CollType: tl.CollAllReduce, Flags: tl.FlagInPlace, Dst: tl.NewBufferInfo(buf)})
	require.Error(t, err)
	assert.Equal(t, tl.ErrNoMessage, tl.StatusOf(err))
	assert.Contains(t, err.Error(), "internal error")
	assert.Equal(t, 0, hcclContext(r).TasksInUse())
}
