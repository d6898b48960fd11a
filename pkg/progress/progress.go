// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package progress implements the runtime side of the progress loop: a tl.ProgressQueue where transports
// enqueue posted tasks, and Progress, which polls them until they reach a terminal status.
package progress

import (
	"context"
	"runtime"
	"sync"

	"github.com/gomlx/collectives/tl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Queue of posted collective tasks. It implements tl.ProgressQueue.
//
// It is safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	tasks []tl.CollTask

	// onComplete is called (outside the lock) for each task that reached a terminal status.
	onComplete func(task tl.CollTask, status tl.Status)
}

// Compile-time check that Queue implements tl.ProgressQueue.
var _ tl.ProgressQueue = (*Queue)(nil)

// New creates an empty Queue.
func New() *Queue {
	return &Queue{}
}

// WithOnComplete registers a callback called once for each task reaching a terminal status during Progress.
// It returns the Queue itself, to allow cascading calls.
func (q *Queue) WithOnComplete(fn func(task tl.CollTask, status tl.Status)) *Queue {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onComplete = fn
	return q
}

// Enqueue implements tl.ProgressQueue.
func (q *Queue) Enqueue(task tl.CollTask) error {
	if task == nil {
		return tl.Errorf(tl.ErrInvalidParam, "progress: can't enqueue a nil task")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

// Len returns the number of tasks waiting for completion.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Progress polls every queued task once, and removes those that reached a terminal status.
// It returns the number of tasks removed.
//
// Removed tasks are not finalized: that is the responsibility of the owner of the task.
func (q *Queue) Progress() int {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	onComplete := q.onComplete
	q.mu.Unlock()

	var pending []tl.CollTask
	type completion struct {
		task   tl.CollTask
		status tl.Status
	}
	var completed []completion
	for _, task := range tasks {
		status := task.Progress()
		if !status.IsTerminal() {
			pending = append(pending, task)
			continue
		}
		if status.IsError() {
			klog.V(1).Infof("progress: %s task failed: %v", task.Args().CollType, task.Err())
		}
		completed = append(completed, completion{task, status})
	}

	q.mu.Lock()
	// Tasks enqueued while we were polling go after the ones still pending.
	q.tasks = append(pending, q.tasks...)
	q.mu.Unlock()

	if onComplete != nil {
		for _, c := range completed {
			onComplete(c.task, c.status)
		}
	}
	return len(completed)
}

// Wait drives the queue until task reaches a terminal status, or ctx is done.
// It returns the error of the task, if it failed.
func (q *Queue) Wait(ctx context.Context, task tl.CollTask) error {
	for {
		status := task.Status()
		if status.IsTerminal() {
			if status.IsError() {
				return task.Err()
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "progress: waiting for %s task", task.Args().CollType)
		}
		if q.Progress() == 0 {
			runtime.Gosched()
		}
	}
}

// WaitAll drives the queue until it is empty, or ctx is done.
func (q *Queue) WaitAll(ctx context.Context) error {
	for q.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "progress: waiting for %d tasks", q.Len())
		}
		if q.Progress() == 0 {
			runtime.Gosched()
		}
	}
	return nil
}
