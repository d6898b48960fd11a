// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hccl

import (
	api "github.com/gomlx/collectives/hccl"
	"github.com/gomlx/collectives/tl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CollInit implements tl.Team.
//
// Unsupported collectives are rejected before anything is allocated. The first collective of a lazily
// initialized team completes the bootstrap, blocking until all ranks have joined.
func (t *Team) CollInit(args *tl.CollArgs) (tl.CollTask, error) {
	if args == nil {
		return nil, tl.Errorf(tl.ErrInvalidParam, "hccl: nil collective arguments")
	}
	if len(args.CollType.Types()) != 1 || !SupportedColls.Has(args.CollType) {
		return nil, tl.Errorf(tl.ErrNotSupported, "hccl: collective %s not supported", args.CollType)
	}
	if t.isDestroyed {
		return nil, tl.Errorf(tl.ErrInvalidParam, "hccl: team %s is destroyed", t.id)
	}
	if t.state == CommStateError {
		return nil, errors.WithMessagef(t.err, "hccl: team %s is in error state", t.id)
	}
	if err := t.ensureReady(); err != nil {
		return nil, errors.WithMessagef(err, "hccl: team %s bootstrap failed", t.id)
	}
	if err := t.validateArgs(args); err != nil {
		return nil, err
	}

	tk := t.ctx.tasks.Get()
	if tk == nil {
		return nil, tl.Errorf(tl.ErrNoMemory, "hccl: no free task, max_tasks=%d", t.ctx.config.MaxTasks)
	}
	tk.team = t
	tk.args = *args
	tk.status = tl.InProgress
	tk.hcclStatus = api.InProgress
	t.outstanding++
	klog.V(2).Infof("hccl: %s task of team %s initialized", args.CollType, t.id)
	return tk, nil
}

// checkBuffer verifies buf holds count elements of its data type, starting at element offset.
func checkBuffer(name string, buf *tl.BufferInfo, offset, count int) error {
	elemSize := int(buf.DType.Size())
	if elemSize <= 0 {
		return tl.Errorf(tl.ErrInvalidParam, "hccl: %s has invalid data type %s", name, buf.DType)
	}
	if count < 0 {
		return tl.Errorf(tl.ErrInvalidParam, "hccl: %s has negative count %d", name, count)
	}
	if need := (offset + count) * elemSize; len(buf.Buffer) < need {
		return tl.Errorf(tl.ErrInvalidParam, "hccl: %s has %d bytes, %d elements of %s (%d bytes) required",
			name, len(buf.Buffer), offset+count, buf.DType, need)
	}
	return nil
}

// checkSrc verifies the source buffer, unless the collective is in-place.
func checkSrc(args *tl.CollArgs, count int) error {
	if args.IsInPlace() {
		return nil
	}
	if args.Src.DType != args.Dst.DType && args.CollType != tl.CollAllGatherV {
		return tl.Errorf(tl.ErrInvalidParam, "hccl: source data type %s differs from destination %s",
			args.Src.DType, args.Dst.DType)
	}
	return checkBuffer("source", &args.Src, 0, count)
}

// validateArgs checks the arguments against the team, before any allocation.
func (t *Team) validateArgs(args *tl.CollArgs) error {
	switch args.CollType {
	case tl.CollBarrier:
		return nil

	case tl.CollAllReduce:
		if err := checkBuffer("destination", &args.Dst, 0, args.Dst.Count); err != nil {
			return err
		}
		return checkSrc(args, args.Dst.Count)

	case tl.CollAllGather:
		if args.Dst.Count%t.size != 0 {
			return tl.Errorf(tl.ErrInvalidParam, "hccl: all-gather destination count %d not divisible by team size %d",
				args.Dst.Count, t.size)
		}
		if err := checkBuffer("destination", &args.Dst, 0, args.Dst.Count); err != nil {
			return err
		}
		return checkSrc(args, args.Dst.Count/t.size)

	case tl.CollAllGatherV:
		dstV := &args.DstV
		if len(dstV.Counts) != t.size || (dstV.Displacements != nil && len(dstV.Displacements) != t.size) {
			return tl.Errorf(tl.ErrInvalidParam, "hccl: all-gather-v requires %d counts and displacements, got %d and %d",
				t.size, len(dstV.Counts), len(dstV.Displacements))
		}
		dst := tl.BufferInfo{Buffer: dstV.Buffer, DType: dstV.DType}
		for rank, count := range dstV.Counts {
			if err := checkBuffer("destination", &dst, dstV.Displacement(rank), count); err != nil {
				return errors.WithMessagef(err, "block of rank %d", rank)
			}
		}
		if args.IsInPlace() {
			return nil
		}
		if args.Src.DType != dstV.DType {
			return tl.Errorf(tl.ErrInvalidParam, "hccl: source data type %s differs from destination %s",
				args.Src.DType, dstV.DType)
		}
		return checkBuffer("source", &args.Src, 0, dstV.Counts[t.rank])

	case tl.CollBcast:
		if args.Root < 0 || args.Root >= t.size {
			return tl.Errorf(tl.ErrInvalidParam, "hccl: invalid root %d for team size %d", args.Root, t.size)
		}
		return checkBuffer("buffer", &args.Src, 0, args.Src.Count)

	case tl.CollReduce:
		if args.Root < 0 || args.Root >= t.size {
			return tl.Errorf(tl.ErrInvalidParam, "hccl: invalid root %d for team size %d", args.Root, t.size)
		}
		if t.rank != args.Root {
			return checkBuffer("source", &args.Src, 0, args.Src.Count)
		}
		if err := checkBuffer("destination", &args.Dst, 0, args.Dst.Count); err != nil {
			return err
		}
		return checkSrc(args, args.Dst.Count)

	case tl.CollReduceScatter:
		if args.IsInPlace() {
			if args.Dst.Count%t.size != 0 {
				return tl.Errorf(tl.ErrInvalidParam, "hccl: in-place reduce-scatter count %d not divisible by team size %d",
					args.Dst.Count, t.size)
			}
			return checkBuffer("destination", &args.Dst, 0, args.Dst.Count)
		}
		if err := checkBuffer("destination", &args.Dst, 0, args.Dst.Count); err != nil {
			return err
		}
		return checkSrc(args, args.Dst.Count*t.size)
	}
	return tl.Errorf(tl.ErrNotSupported, "hccl: collective %s not supported", args.CollType)
}

// bytesOf returns the first count elements of buf, starting at element offset.
func bytesOf(buf []byte, elemSize, offset, count int) []byte {
	return buf[offset*elemSize : (offset+count)*elemSize]
}

// collectiveCall translates the task's arguments to the library call that executes it.
func (tk *task) collectiveCall() (method string, call func() api.Result) {
	t := tk.team
	library, comm, stream := t.library, t.comm, t.stream
	a := &tk.args
	inPlace := a.IsInPlace()
	switch a.CollType {
	case tl.CollAllReduce:
		dtype, op := ToHCCLDataType(a.Dst.DType), ToHCCLRedOp(a.Op)
		send := a.Src.Buffer
		if inPlace {
			send = a.Dst.Buffer
		}
		return "AllReduce", func() api.Result {
			return library.AllReduce(send, a.Dst.Buffer, a.Dst.Count, dtype, op, comm, stream)
		}

	case tl.CollAllGather:
		dtype := ToHCCLDataType(a.Dst.DType)
		count := a.Dst.Count / t.size
		send := a.Src.Buffer
		if inPlace {
			send = bytesOf(a.Dst.Buffer, int(a.Dst.DType.Size()), t.rank*count, count)
		}
		return "AllGather", func() api.Result {
			return library.AllGather(send, a.Dst.Buffer, count, dtype, comm, stream)
		}

	case tl.CollAllGatherV:
		send, recv, maxCount := tk.prepareAllGatherV()
		dtype := ToHCCLDataType(a.DstV.DType)
		return "AllGather", func() api.Result {
			return library.AllGather(send, recv, maxCount, dtype, comm, stream)
		}

	case tl.CollBcast:
		dtype := ToHCCLDataType(a.Src.DType)
		return "Broadcast", func() api.Result {
			return library.Broadcast(a.Src.Buffer, a.Src.Buffer, a.Src.Count, dtype, a.Root, comm, stream)
		}

	case tl.CollReduce:
		op := ToHCCLRedOp(a.Op)
		send, recv, count, dtype := a.Src.Buffer, a.Dst.Buffer, a.Src.Count, ToHCCLDataType(a.Src.DType)
		if t.rank == a.Root {
			count, dtype = a.Dst.Count, ToHCCLDataType(a.Dst.DType)
			if inPlace {
				send = a.Dst.Buffer
			}
		} else {
			recv = nil
		}
		return "Reduce", func() api.Result {
			return library.Reduce(send, recv, count, dtype, op, a.Root, comm, stream)
		}

	case tl.CollReduceScatter:
		dtype, op := ToHCCLDataType(a.Dst.DType), ToHCCLRedOp(a.Op)
		send, recv, count := a.Src.Buffer, a.Dst.Buffer, a.Dst.Count
		if inPlace {
			count = a.Dst.Count / t.size
			send = a.Dst.Buffer
			recv = bytesOf(a.Dst.Buffer, int(a.Dst.DType.Size()), t.rank*count, count)
		}
		return "ReduceScatter", func() api.Result {
			return library.ReduceScatter(send, recv, count, dtype, op, comm, stream)
		}

	case tl.CollBarrier:
		return "Barrier", func() api.Result {
			return library.Barrier(comm, stream)
		}
	}
	return "unknown", func() api.Result { return api.InvalidUsage }
}

// prepareAllGatherV takes the scratch buffer and copies this rank's block, padded to the largest count.
func (tk *task) prepareAllGatherV() (send, recv []byte, maxCount int) {
	t := tk.team
	a := &tk.args
	dstV := &a.DstV
	elemSize := int(dstV.DType.Size())
	for _, count := range dstV.Counts {
		maxCount = max(maxCount, count)
	}
	blockSize := maxCount * elemSize
	tk.agv.maxCount = maxCount
	tk.agv.scratch = t.ctx.getScratch(blockSize * (t.size + 1))
	if blockSize == 0 {
		return nil, nil, 0
	}
	send, recv = tk.agv.scratch[:blockSize], tk.agv.scratch[blockSize:]
	myCount := dstV.Counts[t.rank]
	if a.IsInPlace() {
		copy(send, bytesOf(dstV.Buffer, elemSize, dstV.Displacement(t.rank), myCount))
	} else {
		copy(send, bytesOf(a.Src.Buffer, elemSize, 0, myCount))
	}
	return send, recv, maxCount
}

// copyOutAllGatherV copies each rank's block from the scratch buffer to its displacement.
func (tk *task) copyOutAllGatherV() {
	t := tk.team
	dstV := &tk.args.DstV
	elemSize := int(dstV.DType.Size())
	blockSize := tk.agv.maxCount * elemSize
	if blockSize == 0 {
		return
	}
	gathered := tk.agv.scratch[blockSize:]
	for rank := range t.size {
		count := dstV.Counts[rank]
		copy(bytesOf(dstV.Buffer, elemSize, dstV.Displacement(rank), count), gathered[rank*blockSize:])
	}
}
