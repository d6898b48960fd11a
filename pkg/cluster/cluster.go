// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cluster runs an N-rank "cluster" inside one process: each rank has its own progress queue,
// transport context and team, and the ranks bootstrap through an in-process out-of-band group.
//
// It plays the role of the collective runtime for tests, benchmarks and the tlhccl command line tool.
//
// Example:
//
//	c := must.M1(cluster.New(iface, 4, "sync=event"))
//	defer c.Close()
//	must.M(c.CreateTeams(ctx))
//	err := c.Parallel(func(r *cluster.Rank) error {
//		return r.Collective(ctx, &tl.CollArgs{CollType: tl.CollBarrier})
//	})
package cluster

import (
	"context"
	"runtime"

	"github.com/gomlx/collectives/pkg/oob"
	"github.com/gomlx/collectives/pkg/progress"
	"github.com/gomlx/collectives/tl"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Cluster of ranks sharing one transport Lib.
type Cluster struct {
	iface tl.Interface
	lib   tl.Lib
	group *oob.Group
	ranks []*Rank

	// nextTeamID identifies the teams created by CreateTeams.
	nextTeamID uint64
}

// Rank is the state of one rank of the cluster. Its methods must only be called from one goroutine
// at a time.
type Rank struct {
	Rank    int
	Queue   *progress.Queue
	Context tl.Context
	Team    tl.Team
	OOB     *oob.Endpoint
}

// New opens the transport Lib and creates one context per rank, with the given transport configuration.
func New(iface tl.Interface, size int, config string) (*Cluster, error) {
	group, err := oob.NewGroup(size)
	if err != nil {
		return nil, err
	}
	lib, err := iface.LibOpen(tl.LibParams{ThreadMode: tl.ThreadSingle})
	if err != nil {
		return nil, errors.WithMessagef(err, "cluster: failed to open transport %q", iface.Name())
	}
	c := &Cluster{iface: iface, lib: lib, group: group}
	for rank, endpoint := range group.Endpoints() {
		r := &Rank{Rank: rank, Queue: progress.New(), OOB: endpoint}
		r.Context, err = lib.ContextCreate(tl.ContextParams{Progress: r.Queue, Config: config})
		if err != nil {
			_ = c.Close()
			return nil, errors.WithMessagef(err, "cluster: failed to create context for rank %d", rank)
		}
		c.ranks = append(c.ranks, r)
	}
	klog.V(1).Infof("cluster: created %d ranks on transport %q", size, iface.Name())
	return c, nil
}

// Size returns the number of ranks.
func (c *Cluster) Size() int {
	return len(c.ranks)
}

// Ranks returns the ranks of the cluster.
func (c *Cluster) Ranks() []*Rank {
	return c.ranks
}

// Lib returns the transport Lib used by all ranks.
func (c *Cluster) Lib() tl.Lib {
	return c.lib
}

// OOB returns the out-of-band group of the cluster.
func (c *Cluster) OOB() *oob.Group {
	return c.group
}

// Parallel runs fn for every rank, each in its own goroutine, and waits for all of them.
// It returns the first error, annotated with its rank.
func (c *Cluster) Parallel(fn func(r *Rank) error) error {
	var g errgroup.Group
	for _, r := range c.ranks {
		g.Go(func() error {
			if err := fn(r); err != nil {
				return errors.WithMessagef(err, "rank %d", r.Rank)
			}
			return nil
		})
	}
	return g.Wait()
}

// CreateTeams creates one team per rank over the whole cluster, polling each until it is created.
func (c *Cluster) CreateTeams(ctx context.Context) error {
	c.nextTeamID++
	teamID := c.nextTeamID
	return c.Parallel(func(r *Rank) error {
		team, err := r.Context.TeamCreatePost(tl.TeamParams{Rank: r.Rank, Size: c.Size(), OOB: r.OOB, ID: teamID})
		if err != nil {
			return err
		}
		r.Team = team
		return r.waitTeam(ctx)
	})
}

func (r *Rank) waitTeam(ctx context.Context) error {
	for {
		switch status := r.Team.CreateTest(); status {
		case tl.OK:
			return nil
		case tl.InProgress:
			if err := ctx.Err(); err != nil {
				return errors.Wrapf(err, "cluster: waiting for team creation")
			}
			runtime.Gosched()
		default:
			err := r.Team.Err()
			if err == nil {
				err = tl.Errorf(status, "cluster: team creation failed")
			}
			return err
		}
	}
}

// Post initializes and posts a collective on the rank's team. The task is finalized if posting fails.
func (r *Rank) Post(args *tl.CollArgs) (tl.CollTask, error) {
	task, err := r.Team.CollInit(args)
	if err != nil {
		return nil, err
	}
	if err = task.Post(); err != nil {
		return nil, err
	}
	return task, nil
}

// Collective executes one collective to completion on the rank's team: init, post, progress and finalize.
func (r *Rank) Collective(ctx context.Context, args *tl.CollArgs) error {
	task, err := r.Post(args)
	if err != nil {
		return err
	}
	err = r.Queue.Wait(ctx, task)
	if err != nil && !task.Status().IsTerminal() {
		// Interrupted: the task can't be finalized while in progress.
		return err
	}
	if finalizeErr := task.Finalize(); finalizeErr != nil && err == nil {
		err = finalizeErr
	}
	return err
}

// DestroyTeams destroys the teams of all ranks.
func (c *Cluster) DestroyTeams() error {
	var firstErr error
	for _, r := range c.ranks {
		if r.Team == nil {
			continue
		}
		if err := r.Team.Destroy(); err != nil {
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "rank %d", r.Rank)
			}
			continue
		}
		r.Team = nil
	}
	return firstErr
}

// Close destroys the teams, the contexts and closes the transport Lib.
func (c *Cluster) Close() error {
	err := c.DestroyTeams()
	for _, r := range c.ranks {
		if r.Context == nil {
			continue
		}
		if ctxErr := r.Context.Destroy(); ctxErr != nil && err == nil {
			err = errors.WithMessagef(ctxErr, "rank %d", r.Rank)
		}
		r.Context = nil
	}
	if c.lib != nil {
		if libErr := c.lib.Close(); libErr != nil && err == nil {
			err = libErr
		}
		c.lib = nil
	}
	return err
}
