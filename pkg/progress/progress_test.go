// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package progress

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/collectives/tl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countdownTask completes (with final) after a number of Progress calls.
type countdownTask struct {
	remaining int
	final     tl.Status
	status    tl.Status
	polls     int
	args      tl.CollArgs
}

func newCountdownTask(polls int, final tl.Status) *countdownTask {
	return &countdownTask{remaining: polls, final: final, status: tl.InProgress,
		args: tl.CollArgs{CollType: tl.CollBarrier}}
}

func (c *countdownTask) Post() error { return nil }
func (c *countdownTask) Progress() tl.Status {
	c.polls++
	if c.status.IsTerminal() {
		return c.status
	}
	c.remaining--
	if c.remaining <= 0 {
		c.status = c.final
	}
	return c.status
}
func (c *countdownTask) Status() tl.Status { return c.status }
func (c *countdownTask) Err() error {
	if c.status.IsError() {
		return tl.Errorf(c.status, "countdown failed")
	}
	return nil
}
func (c *countdownTask) Finalize() error { return nil }
func (c *countdownTask) Args() *tl.CollArgs { return &c.args }

func TestQueue(t *testing.T) {
	var completed []tl.Status
	q := New().WithOnComplete(func(task tl.CollTask, status tl.Status) {
		completed = append(completed, status)
	})
	require.Error(t, q.Enqueue(nil))

	fast := newCountdownTask(1, tl.OK)
	slow := newCountdownTask(3, tl.OK)
	failing := newCountdownTask(2, tl.ErrNoMessage)
	for _, task := range []tl.CollTask{fast, slow, failing} {
		require.NoError(t, q.Enqueue(task))
	}
	assert.Equal(t, 3, q.Len())

	assert.Equal(t, 1, q.Progress())
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 1, q.Progress())
	assert.Equal(t, 1, q.Progress())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.Progress())
	assert.Equal(t, []tl.Status{tl.OK, tl.ErrNoMessage, tl.OK}, completed)
	assert.Equal(t, 1, fast.polls, "completed tasks must not be polled again")
}

func TestWait(t *testing.T) {
	q := New()
	task := newCountdownTask(5, tl.OK)
	other := newCountdownTask(100, tl.OK)
	require.NoError(t, q.Enqueue(task))
	require.NoError(t, q.Enqueue(other))
	require.NoError(t, q.Wait(context.Background(), task))
	assert.Equal(t, 1, q.Len())
	require.NoError(t, q.WaitAll(context.Background()))

	failing := newCountdownTask(2, tl.ErrNoMessage)
	require.NoError(t, q.Enqueue(failing))
	err := q.Wait(context.Background(), failing)
	require.Error(t, err)
	assert.Equal(t, tl.ErrNoMessage, tl.StatusOf(err))

	never := newCountdownTask(1<<30, tl.OK)
	require.NoError(t, q.Enqueue(never))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Wait(ctx, never), context.DeadlineExceeded)
}
