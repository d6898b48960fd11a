// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hccl

import (
	api "github.com/gomlx/collectives/hccl"
	"github.com/gomlx/collectives/tl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// allgathervBcopy is the state of an AllGatherV executed as an AllGather of maxCount elements per rank
// over a scratch buffer, followed by a host copy of each rank's block to its displacement.
type allgathervBcopy struct {
	// scratch holds this rank's padded block followed by the gathered padded blocks of all ranks.
	scratch  []byte
	maxCount int
}

// task is one collective operation. It implements tl.CollTask.
//
// Tasks are allocated from the context's pool by Team.CollInit and returned to it by Finalize.
type task struct {
	team *Team
	args tl.CollArgs

	// status is reported to the runtime, hcclStatus is the last result of the library.
	status     tl.Status
	hcclStatus api.Result
	err        error
	posted     bool
	finalized  bool

	// Completion detectors: event (SyncEvent) or devStatus (SyncMemOps).
	event     api.Event
	devStatus *api.DeviceStatus

	// completed marks that the host-side copy of a buffer-copy collective was done.
	completed bool
	agv       allgathervBcopy

	// issued marks that the collective was enqueued on the stream: its buffers may still be in use.
	issued bool
}

// Compile-time check that task implements tl.CollTask.
var _ tl.CollTask = (*task)(nil)

// devStatusDone is the value written to the device status word after the collective.
const devStatusDone = 1

// Args implements tl.CollTask.
func (tk *task) Args() *tl.CollArgs {
	return &tk.args
}

// Status implements tl.CollTask.
func (tk *task) Status() tl.Status {
	return tk.status
}

// Err implements tl.CollTask.
func (tk *task) Err() error {
	return tk.err
}

// setError moves the task to a terminal error status.
func (tk *task) setError(err error) {
	tk.err = err
	tk.status = errorStatus(err)
	klog.Errorf("hccl: %s task of team %s failed: %v", tk.args.CollType, tk.team.id, err)
}

// Post implements tl.CollTask.
//
// On error the task is finalized before returning.
func (tk *task) Post() error {
	if tk.team == nil || tk.finalized {
		return tl.Errorf(tl.ErrInvalidParam, "hccl: posting a finalized task")
	}
	if tk.posted {
		return tl.Errorf(tl.ErrInvalidParam, "hccl: %s task posted twice", tk.args.CollType)
	}
	tk.posted = true
	t := tk.team
	var err error
	if t.state != CommStateReady {
		err = tl.Errorf(tl.ErrInvalidParam, "hccl: team %s is not ready (state %s)", t.id, t.state)
	} else {
		err = tk.issue()
	}
	if err == nil {
		tk.status = tl.InProgress
		if err = t.ctx.progress.Enqueue(tk); err != nil {
			err = errors.WithMessagef(err, "hccl: failed to enqueue %s task", tk.args.CollType)
		}
	}
	if err != nil {
		tk.setError(err)
		if finalizeErr := tk.Finalize(); finalizeErr != nil {
			klog.Errorf("hccl: failed to finalize task after failed post: %v", finalizeErr)
		}
		return err
	}
	klog.V(2).Infof("hccl: %s task of team %s posted", tk.args.CollType, t.id)
	return nil
}

// issue enqueues the collective on the team's stream, checks the communicator and attaches the
// completion detector.
func (tk *task) issue() error {
	t := tk.team
	library := t.library
	method, call := tk.collectiveCall()
	r := vendorCall(method, call)
	tk.hcclStatus = r
	if r != api.Success {
		err := resultError(library, method, r)
		if asyncErr := checkAsyncError(library, t.comm); asyncErr != nil {
			// The call was rejected because the communicator is faulted.
			t.fail(asyncErr)
		}
		return err
	}
	tk.issued = true

	if err := checkAsyncError(library, t.comm); err != nil {
		tk.hcclStatus = api.RemoteError
		t.fail(err)
		return err
	}

	switch t.ctx.sync {
	case SyncMemOps:
		tk.devStatus = new(api.DeviceStatus)
		r = vendorCall("StreamWriteValue", func() api.Result {
			return library.StreamWriteValue(t.stream, tk.devStatus, devStatusDone)
		})
		if r != api.Success {
			tk.hcclStatus = r
			return resultError(library, "StreamWriteValue", r)
		}
	default:
		r = vendorCall("EventRecord", func() (r api.Result) {
			tk.event, r = library.EventRecord(t.stream)
			return
		})
		if r != api.Success {
			tk.event = nil
			tk.hcclStatus = r
			return resultError(library, "EventRecord", r)
		}
	}
	return nil
}

// Progress implements tl.CollTask.
func (tk *task) Progress() tl.Status {
	if tk.team == nil || tk.finalized {
		return tl.ErrInvalidParam
	}
	if !tk.posted || tk.status.IsTerminal() {
		return tk.status
	}
	t := tk.team
	if err := checkAsyncError(t.library, t.comm); err != nil {
		tk.hcclStatus = api.RemoteError
		t.fail(err)
		tk.setError(err)
		return tk.status
	}

	done, err := tk.testCompletion()
	if err != nil {
		tk.setError(err)
		return tk.status
	}
	if !done {
		return tl.InProgress
	}
	if tk.args.CollType == tl.CollAllGatherV && !tk.completed {
		tk.copyOutAllGatherV()
		tk.completed = true
	}
	tk.hcclStatus = api.Success
	tk.status = tl.OK
	klog.V(2).Infof("hccl: %s task of team %s completed", tk.args.CollType, t.id)
	return tl.OK
}

// testCompletion checks whether the stream went past the collective.
func (tk *task) testCompletion() (bool, error) {
	library := tk.team.library
	if tk.devStatus != nil {
		return tk.devStatus.Load() == devStatusDone, nil
	}
	r := vendorCall("EventQuery", func() api.Result { return library.EventQuery(tk.event) })
	switch r {
	case api.Success:
		return true, nil
	case api.InProgress:
		return false, nil
	default:
		tk.hcclStatus = r
		return false, resultError(library, "EventQuery", r)
	}
}

// Finalize implements tl.CollTask.
func (tk *task) Finalize() error {
	if tk.team == nil || tk.finalized {
		return tl.Errorf(tl.ErrInvalidParam, "hccl: task finalized twice")
	}
	if tk.posted && tk.status == tl.InProgress {
		return tl.Errorf(tl.InProgress, "hccl: %s task can't be finalized while in progress", tk.args.CollType)
	}
	tk.finalized = true
	t := tk.team
	ctx := t.ctx
	if tk.event != nil {
		if r := vendorCall("EventDestroy", func() api.Result { return t.library.EventDestroy(tk.event) }); r != api.Success {
			klog.Warningf("hccl: EventDestroy failed: %s", t.library.GetErrorString(r))
		}
	}
	if tk.agv.scratch != nil {
		if tk.issued && tk.status != tl.OK {
			ctx.abandonScratch(tk.agv.scratch)
		} else {
			ctx.putScratch(tk.agv.scratch)
		}
	}
	t.outstanding--
	ctx.tasks.Put(tk)
	return nil
}
