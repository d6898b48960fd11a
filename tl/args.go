// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tl

import (
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
)

// BufferInfo describes one contiguous operand of a collective.
type BufferInfo struct {
	// Buffer holds the raw bytes of the operand. It must have at least Count*DType.Size() bytes.
	Buffer []byte

	// Count is the number of elements.
	Count int

	DType   dtypes.DType
	MemType MemoryType
}

// BufferInfoV describes a variable-size operand: one block per rank.
type BufferInfoV struct {
	Buffer []byte

	// Counts holds the number of elements contributed by each rank.
	Counts []int

	// Displacements holds the element offset of each rank's block in Buffer.
	// If nil, blocks are packed in rank order.
	Displacements []int

	DType   dtypes.DType
	MemType MemoryType
}

// Displacement returns the element offset of rank's block.
func (b *BufferInfoV) Displacement(rank int) int {
	if b.Displacements != nil {
		return b.Displacements[rank]
	}
	offset := 0
	for _, count := range b.Counts[:rank] {
		offset += count
	}
	return offset
}

// TotalCount returns the sum of all per-rank counts.
func (b *BufferInfoV) TotalCount() int {
	total := 0
	for _, count := range b.Counts {
		total += count
	}
	return total
}

// CollFlags modify how a collective is executed.
type CollFlags uint32

const (
	// FlagInPlace makes the collective read its input from the destination buffer; Src is ignored.
	FlagInPlace CollFlags = 1 << iota
)

// CollArgs is the generic descriptor of a collective call, as given by the host runtime.
//
// Buffer conventions per collective:
//
//   - AllReduce: Src and Dst hold the same count.
//   - AllGather: Dst.Count is the total gathered, Src holds Dst.Count/teamSize elements.
//   - AllGatherV: DstV receives Counts[rank] elements of each rank, Src holds this rank's block.
//   - Bcast: Src is both the source (at Root) and the destination (everywhere else).
//   - Reduce: Src everywhere, Dst only at Root.
//   - ReduceScatter: Dst.Count elements are received, Src holds Dst.Count*teamSize. In-place,
//     Dst holds all the data and the result is written to this rank's block.
//
// With FlagInPlace the input is read from the destination buffer (this rank's block of it, for the
// gathering collectives).
type CollArgs struct {
	CollType CollType
	Flags    CollFlags

	Src BufferInfo
	Dst BufferInfo

	// DstV is used instead of Dst by the "V" (variable-size) collectives.
	DstV BufferInfoV

	Op   ReduceOp
	Root int
}

// IsInPlace returns whether FlagInPlace is set.
func (a *CollArgs) IsInPlace() bool {
	return a.Flags&FlagInPlace != 0
}

// MsgSize returns the message size in bytes used for score selection.
//
// For gathering collectives it is the total size gathered across the team.
func (a *CollArgs) MsgSize(teamSize int) uint64 {
	switch a.CollType {
	case CollBarrier:
		return 0
	case CollAllGather:
		return uint64(a.Src.Count) * uint64(a.Src.DType.Size()) * uint64(teamSize)
	case CollAllGatherV:
		return uint64(a.DstV.TotalCount()) * uint64(a.DstV.DType.Size())
	case CollBcast, CollReduce:
		return uint64(a.Src.Count) * uint64(a.Src.DType.Size())
	default:
		return uint64(a.Dst.Count) * uint64(a.Dst.DType.Size())
	}
}

// Bytes reinterprets a typed slice as its underlying bytes, without copying.
func Bytes[T dtypes.Supported](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var t T
	return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*int(unsafe.Sizeof(t)))
}

// NewBufferInfo returns a host BufferInfo covering all of flat.
func NewBufferInfo[T dtypes.Supported](flat []T) BufferInfo {
	return BufferInfo{
		Buffer:  Bytes(flat),
		Count:   len(flat),
		DType:   dtypes.FromGenericsType[T](),
		MemType: MemoryHost,
	}
}
