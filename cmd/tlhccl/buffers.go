// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"
	"unsafe"

	"github.com/gomlx/collectives/tl"
	"github.com/gomlx/collectives/tl/hccl"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// parseCollType returns the supported collective with the given name, case-insensitive.
func parseCollType(name string) (tl.CollType, error) {
	var names []string
	for _, collType := range hccl.SupportedColls.Types() {
		if strings.EqualFold(collType.String(), name) {
			return collType, nil
		}
		names = append(names, strings.ToLower(collType.String()))
	}
	return 0, errors.Errorf("unknown or unsupported collective %q, valid values are %q", name, names)
}

// parseReduceOp returns the reduction with the given name, case-insensitive.
func parseReduceOp(name string) (tl.ReduceOp, error) {
	var names []string
	for op := tl.ReduceOpSum; op <= tl.ReduceOpBOr; op++ {
		if strings.EqualFold(op.String(), name) {
			return op, nil
		}
		names = append(names, strings.ToLower(op.String()))
	}
	return tl.ReduceOpUndefined, errors.Errorf("unknown reduction %q, valid values are %q", name, names)
}

// parseDType returns the native data type with the given name, case-insensitive.
func parseDType(name string) (dtypes.DType, error) {
	var names []string
	for dtype := range hccl.NativeDTypes() {
		if strings.EqualFold(dtype.String(), name) {
			return dtype, nil
		}
		names = append(names, strings.ToLower(dtype.String()))
	}
	slices.Sort(names)
	return dtypes.InvalidDType, errors.Errorf("unknown or unsupported dtype %q, valid values are %q", name, names)
}

func filled[T dtypes.Supported](count int, value T) []T {
	flat := make([]T, count)
	for ii := range flat {
		flat[ii] = value
	}
	return flat
}

// newBuffer returns a host buffer of count elements of dtype, all set to value.
func newBuffer(dtype dtypes.DType, count int, value float64) tl.BufferInfo {
	switch dtype {
	case dtypes.Int8:
		return tl.NewBufferInfo(filled(count, int8(value)))
	case dtypes.Int16:
		return tl.NewBufferInfo(filled(count, int16(value)))
	case dtypes.Int32:
		return tl.NewBufferInfo(filled(count, int32(value)))
	case dtypes.Int64:
		return tl.NewBufferInfo(filled(count, int64(value)))
	case dtypes.Uint8:
		return tl.NewBufferInfo(filled(count, uint8(value)))
	case dtypes.Uint16:
		return tl.NewBufferInfo(filled(count, uint16(value)))
	case dtypes.Uint32:
		return tl.NewBufferInfo(filled(count, uint32(value)))
	case dtypes.Uint64:
		return tl.NewBufferInfo(filled(count, uint64(value)))
	case dtypes.Float16:
		return tl.NewBufferInfo(filled(count, float16.Fromfloat32(float32(value))))
	case dtypes.BFloat16:
		return tl.NewBufferInfo(filled(count, bfloat16.FromFloat32(float32(value))))
	case dtypes.Float32:
		return tl.NewBufferInfo(filled(count, float32(value)))
	case dtypes.Float64:
		return tl.NewBufferInfo(filled(count, value))
	}
	return tl.BufferInfo{DType: dtype}
}

func asSlice[T dtypes.Supported](buf []byte, count int) []T {
	if count == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&buf[0])), count)
}

// formatBuffer returns the first maxElems elements of buf as a string.
func formatBuffer(buf []byte, dtype dtypes.DType, count, maxElems int) string {
	n := min(count, maxElems)
	var values any
	switch dtype {
	case dtypes.Int8:
		values = asSlice[int8](buf, n)
	case dtypes.Int16:
		values = asSlice[int16](buf, n)
	case dtypes.Int32:
		values = asSlice[int32](buf, n)
	case dtypes.Int64:
		values = asSlice[int64](buf, n)
	case dtypes.Uint8:
		values = asSlice[uint8](buf, n)
	case dtypes.Uint16:
		values = asSlice[uint16](buf, n)
	case dtypes.Uint32:
		values = asSlice[uint32](buf, n)
	case dtypes.Uint64:
		values = asSlice[uint64](buf, n)
	case dtypes.Float16:
		f16 := asSlice[float16.Float16](buf, n)
		f32 := make([]float32, n)
		for ii, v := range f16 {
			f32[ii] = v.Float32()
		}
		values = f32
	case dtypes.BFloat16:
		bf16 := asSlice[bfloat16.BFloat16](buf, n)
		f32 := make([]float32, n)
		for ii, v := range bf16 {
			f32[ii] = v.Float32()
		}
		values = f32
	case dtypes.Float32:
		values = asSlice[float32](buf, n)
	case dtypes.Float64:
		values = asSlice[float64](buf, n)
	default:
		return fmt.Sprintf("<%s>", dtype)
	}
	s := fmt.Sprintf("%v", values)
	if count > n {
		s = s[:len(s)-1] + " ...]"
	}
	return s
}

// collective describes the collective run by the commands, with the same shape on every rank.
type collective struct {
	collType tl.CollType
	dtype    dtypes.DType
	op       tl.ReduceOp
	count    int
	root     int
	size     int
}

// newCollective parses the collective flags.
func newCollective(name, dtypeName, opName string, count, root, size int) (*collective, error) {
	c := &collective{count: count, root: root, size: size}
	var err error
	if c.collType, err = parseCollType(name); err != nil {
		return nil, err
	}
	if c.dtype, err = parseDType(dtypeName); err != nil {
		return nil, err
	}
	if c.op, err = parseReduceOp(opName); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, errors.Errorf("invalid --count=%d", count)
	}
	if root < 0 || root >= size {
		return nil, errors.Errorf("invalid --root=%d for %d ranks", root, size)
	}
	return c, nil
}

// countV is the number of elements contributed by rank in variable-size collectives.
func (c *collective) countV(rank int) int {
	return c.count + rank
}

// args returns the arguments of the collective for rank: each rank contributes rank+1 in all its elements.
func (c *collective) args(rank int) *tl.CollArgs {
	args := &tl.CollArgs{CollType: c.collType, Op: c.op, Root: c.root}
	value := float64(rank + 1)
	switch c.collType {
	case tl.CollAllReduce:
		args.Src = newBuffer(c.dtype, c.count, value)
		args.Dst = newBuffer(c.dtype, c.count, 0)
	case tl.CollAllGather:
		args.Src = newBuffer(c.dtype, c.count, value)
		args.Dst = newBuffer(c.dtype, c.count*c.size, 0)
	case tl.CollAllGatherV:
		args.Src = newBuffer(c.dtype, c.countV(rank), value)
		counts := make([]int, c.size)
		total := 0
		for r := range counts {
			counts[r] = c.countV(r)
			total += counts[r]
		}
		dst := newBuffer(c.dtype, total, 0)
		args.DstV = tl.BufferInfoV{Buffer: dst.Buffer, Counts: counts, DType: c.dtype, MemType: tl.MemoryHost}
	case tl.CollBcast:
		if rank == c.root {
			args.Src = newBuffer(c.dtype, c.count, value)
		} else {
			args.Src = newBuffer(c.dtype, c.count, 0)
		}
	case tl.CollReduce:
		args.Src = newBuffer(c.dtype, c.count, value)
		if rank == c.root {
			args.Dst = newBuffer(c.dtype, c.count, 0)
		}
	case tl.CollReduceScatter:
		args.Src = newBuffer(c.dtype, c.count*c.size, value)
		args.Dst = newBuffer(c.dtype, c.count, 0)
	}
	return args
}

// result returns the buffer holding the result of the collective on rank, and its number of elements.
func (c *collective) result(args *tl.CollArgs) (buf []byte, count int) {
	switch c.collType {
	case tl.CollAllGatherV:
		return args.DstV.Buffer, args.DstV.TotalCount()
	case tl.CollBcast:
		return args.Src.Buffer, args.Src.Count
	case tl.CollBarrier:
		return nil, 0
	default:
		return args.Dst.Buffer, args.Dst.Count
	}
}

// msgSize returns the number of bytes exchanged by rank 0, used to report bandwidth.
func (c *collective) msgSize() uint64 {
	args := c.args(0)
	return args.MsgSize(c.size)
}
