// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hccl

import (
	"fmt"
	"runtime"

	api "github.com/gomlx/collectives/hccl"
	"github.com/gomlx/collectives/tl"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CommState is the bootstrap state of a Team's communicator.
type CommState int

const (
	// CommStateError is terminal: the bootstrap or a collective failed, see Team.Err.
	CommStateError CommState = iota

	// CommStateOOB is the initial state: the unique id is being distributed out-of-band.
	CommStateOOB

	// CommStateInitTeam creates the stream and the communicator.
	CommStateInitTeam

	// CommStateInitComm polls a communicator created in non-blocking mode.
	CommStateInitComm

	// CommStateDestroyComm is set while the communicator and the stream are released.
	CommStateDestroyComm

	// CommStateReady is terminal: collectives can be posted.
	CommStateReady
)

var commStateNames = []string{"Error", "OOB", "InitTeam", "InitComm", "DestroyComm", "Ready"}

// String implements fmt.Stringer.
func (s CommState) String() string {
	if s < 0 || int(s) >= len(commStateNames) {
		return fmt.Sprintf("CommState(%d)", int(s))
	}
	return commStateNames[s]
}

// Team is one rank's participation in a group executing collectives. It implements tl.Team.
//
// It exclusively owns its communicator and stream.
type Team struct {
	ctx     *Context
	library api.Library
	rank    int
	size    int
	oob     tl.OOB
	id      string

	state    CommState
	err      error
	uniqueID *api.UniqueID
	oobRecv  []byte
	oobReq   tl.OOBRequest
	comm     api.Comm
	stream   api.Stream

	// outstanding is the number of tasks allocated and not yet finalized.
	outstanding int
	isDestroyed bool
}

// Compile-time check that Team implements tl.Team.
var _ tl.Team = (*Team)(nil)

// TeamCreatePost implements tl.Context.
//
// With LazyInit (the default) nothing is exchanged until the first collective. Otherwise, the out-of-band
// exchange of the unique id is posted, and the runtime must poll Team.CreateTest.
func (c *Context) TeamCreatePost(params tl.TeamParams) (tl.Team, error) {
	if c.isDestroyed {
		return nil, tl.Errorf(tl.ErrInvalidParam, "hccl: context %s is destroyed", c.id)
	}
	if params.Size < 1 || params.Rank < 0 || params.Rank >= params.Size {
		return nil, tl.Errorf(tl.ErrInvalidParam, "hccl: invalid team rank %d for size %d", params.Rank, params.Size)
	}
	if params.OOB == nil {
		return nil, tl.Errorf(tl.ErrInvalidParam, "hccl: team requires an out-of-band channel")
	}
	if params.OOB.Size() != params.Size || params.OOB.Rank() != params.Rank {
		return nil, tl.Errorf(tl.ErrInvalidParam, "hccl: out-of-band channel is rank %d of %d, but team is rank %d of %d",
			params.OOB.Rank(), params.OOB.Size(), params.Rank, params.Size)
	}
	t := &Team{
		ctx:     c,
		library: c.library,
		rank:    params.Rank,
		size:    params.Size,
		oob:     params.OOB,
		id:      fmt.Sprintf("%s/%d:%d", c.id, params.ID, params.Rank),
		state:   CommStateOOB,
	}
	c.numTeams++
	klog.V(1).Infof("hccl: team %s posted (size=%d, lazy_init=%v)", t.id, t.size, c.config.LazyInit)
	if !c.config.LazyInit {
		t.advance()
		if t.state == CommStateError {
			err := t.err
			_ = t.Destroy()
			return nil, err
		}
	}
	return t, nil
}

// Rank of the team.
func (t *Team) Rank() int {
	return t.rank
}

// Size of the team.
func (t *Team) Size() int {
	return t.size
}

// State returns the bootstrap state of the communicator.
func (t *Team) State() CommState {
	return t.state
}

// Err implements tl.Team.
func (t *Team) Err() error {
	return t.err
}

// Comm returns the communicator, nil before it is created.
func (t *Team) Comm() api.Comm {
	return t.comm
}

// fail moves the team to CommStateError.
func (t *Team) fail(err error) {
	if t.err == nil {
		t.err = err
	}
	t.state = CommStateError
	klog.Errorf("hccl: team %s failed: %v", t.id, err)
}

// vendorCall calls the library, converting a panic into an InternalError result.
func vendorCall(method string, fn func() api.Result) (r api.Result) {
	err := exceptions.TryCatch[error](func() { r = fn() })
	if err != nil {
		klog.Errorf("hccl: %s panicked: %+v", method, err)
		return api.InternalError
	}
	return r
}

// resultError converts a failed library result to an error.
func resultError(library api.Library, method string, r api.Result) error {
	return tl.Errorf(tl.ErrNoMessage, "hccl: %s failed: %s (%d)", method, library.GetErrorString(r), int(r))
}

// checkAsyncError queries the communicator's asynchronous state. Both a failing query and a reported
// asynchronous error are returned as errors.
func checkAsyncError(library api.Library, comm api.Comm) error {
	var asyncErr api.Result
	r := vendorCall("CommGetAsyncError", func() (r api.Result) {
		asyncErr, r = library.CommGetAsyncError(comm)
		return
	})
	if r != api.Success {
		return resultError(library, "CommGetAsyncError", r)
	}
	if asyncErr != api.Success {
		return tl.Errorf(tl.ErrNoMessage, "hccl: asynchronous communicator error: %s (%d)",
			library.GetErrorString(asyncErr), int(asyncErr))
	}
	return nil
}

// advance executes one non-blocking step of the bootstrap.
func (t *Team) advance() {
	switch t.state {
	case CommStateOOB:
		t.stepOOB()
	case CommStateInitTeam:
		t.stepInitTeam()
	case CommStateInitComm:
		t.stepInitComm()
	}
}

func (t *Team) stepOOB() {
	if t.oobReq == nil {
		t.uniqueID = new(api.UniqueID)
		if t.rank == 0 {
			var id api.UniqueID
			r := vendorCall("GetUniqueID", func() (r api.Result) {
				id, r = t.library.GetUniqueID()
				return
			})
			if r != api.Success {
				t.fail(resultError(t.library, "GetUniqueID", r))
				return
			}
			*t.uniqueID = id
		}
		t.oobRecv = make([]byte, api.UniqueIDSize*t.size)
		req, err := t.oob.Allgather(t.uniqueID[:], t.oobRecv)
		if err != nil {
			t.fail(errors.WithMessagef(err, "hccl: team %s failed to post the unique id exchange", t.id))
			return
		}
		t.oobReq = req
		return
	}

	status := t.oob.Test(t.oobReq)
	if status == tl.InProgress {
		return
	}
	t.freeOOBRequest()
	if status != tl.OK {
		t.fail(tl.Errorf(status, "hccl: team %s unique id exchange failed", t.id))
		return
	}
	copy(t.uniqueID[:], t.oobRecv[:api.UniqueIDSize])
	t.oobRecv = nil
	t.state = CommStateInitTeam
	t.stepInitTeam()
}

func (t *Team) freeOOBRequest() {
	if t.oobReq == nil {
		return
	}
	if err := t.oob.Free(t.oobReq); err != nil {
		klog.Warningf("hccl: team %s failed to free out-of-band request: %v", t.id, err)
	}
	t.oobReq = nil
}

func (t *Team) stepInitTeam() {
	if t.uniqueID.IsZero() {
		t.fail(tl.Errorf(tl.ErrNoMessage, "hccl: team %s received an empty unique id from rank 0", t.id))
		return
	}
	r := vendorCall("StreamCreate", func() (r api.Result) {
		t.stream, r = t.library.StreamCreate()
		return
	})
	if r != api.Success {
		t.stream = nil
		t.fail(resultError(t.library, "StreamCreate", r))
		return
	}
	config := api.CommConfig{Blocking: t.ctx.config.Blocking}
	r = vendorCall("CommInitRankConfig", func() (r api.Result) {
		t.comm, r = t.library.CommInitRankConfig(t.size, *t.uniqueID, t.rank, config)
		return
	})
	switch r {
	case api.Success:
		t.state = CommStateReady
		klog.V(1).Infof("hccl: team %s ready", t.id)
	case api.InProgress:
		t.state = CommStateInitComm
	default:
		t.comm = nil
		t.fail(resultError(t.library, "CommInitRankConfig", r))
	}
}

func (t *Team) stepInitComm() {
	var asyncErr api.Result
	r := vendorCall("CommGetAsyncError", func() (r api.Result) {
		asyncErr, r = t.library.CommGetAsyncError(t.comm)
		return
	})
	if r != api.Success {
		t.fail(resultError(t.library, "CommGetAsyncError", r))
		return
	}
	switch asyncErr {
	case api.InProgress:
	case api.Success:
		t.state = CommStateReady
		klog.V(1).Infof("hccl: team %s ready", t.id)
	default:
		t.fail(tl.Errorf(tl.ErrNoMessage, "hccl: team %s communicator creation failed: %s",
			t.id, t.library.GetErrorString(asyncErr)))
	}
}

// ensureReady drives the bootstrap until it is terminal. It is the only blocking point of the transport,
// used by the first collective of lazily initialized teams.
func (t *Team) ensureReady() error {
	for {
		switch t.state {
		case CommStateReady:
			return nil
		case CommStateError:
			return t.err
		}
		t.advance()
		if t.state != CommStateReady && t.state != CommStateError {
			runtime.Gosched()
		}
	}
}

// CreateTest implements tl.Team.
//
// With LazyInit it returns OK without progressing the bootstrap: errors are reported by the first CollInit.
func (t *Team) CreateTest() tl.Status {
	if t.isDestroyed {
		return tl.ErrInvalidParam
	}
	if t.state == CommStateError {
		return errorStatus(t.err)
	}
	if t.ctx.config.LazyInit || t.state == CommStateReady {
		return tl.OK
	}
	t.advance()
	switch t.state {
	case CommStateReady:
		return tl.OK
	case CommStateError:
		return errorStatus(t.err)
	default:
		return tl.InProgress
	}
}

// errorStatus returns the status of err, guaranteed to be an error status.
func errorStatus(err error) tl.Status {
	status := tl.StatusOf(err)
	if !status.IsError() {
		return tl.ErrNoMessage
	}
	return status
}

// Destroy implements tl.Team.
//
// It fails with an InProgress status while tasks of the team are not finalized.
func (t *Team) Destroy() error {
	if t.isDestroyed {
		return tl.Errorf(tl.ErrInvalidParam, "hccl: team %s destroyed twice", t.id)
	}
	if t.outstanding > 0 {
		return tl.Errorf(tl.InProgress, "hccl: team %s has %d collective tasks not finalized", t.id, t.outstanding)
	}
	t.freeOOBRequest()
	var err error
	if t.comm != nil || t.stream != nil {
		t.state = CommStateDestroyComm
		err = t.destroyComm()
	}
	t.uniqueID = nil
	t.oobRecv = nil
	t.isDestroyed = true
	t.ctx.numTeams--
	klog.V(1).Infof("hccl: team %s destroyed", t.id)
	return err
}

// destroyComm releases the communicator first, which aborts its pending collectives, and then the stream.
func (t *Team) destroyComm() error {
	var err error
	if t.comm != nil {
		if r := vendorCall("CommDestroy", func() api.Result { return t.library.CommDestroy(t.comm) }); r != api.Success {
			err = resultError(t.library, "CommDestroy", r)
			klog.Errorf("hccl: team %s: %v", t.id, err)
		}
		t.comm = nil
	}
	if t.stream != nil {
		if r := vendorCall("StreamDestroy", func() api.Result { return t.library.StreamDestroy(t.stream) }); r != api.Success {
			if err == nil {
				err = resultError(t.library, "StreamDestroy", r)
			}
			klog.Errorf("hccl: team %s: StreamDestroy failed: %s", t.id, t.library.GetErrorString(r))
		}
		t.stream = nil
	}
	return err
}
