// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tl

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
)

// CollType is a bit in the mask of collective operation types.
//
// Transports advertise the collectives they serve as a bitwise-or of CollType values.
type CollType uint32

const (
	CollAllGather CollType = 1 << iota
	CollAllGatherV
	CollAllReduce
	CollAllToAll
	CollAllToAllV
	CollBarrier
	CollBcast
	CollFanIn
	CollFanOut
	CollGather
	CollGatherV
	CollReduce
	CollReduceScatter
	CollReduceScatterV
	CollScatter
	CollScatterV

	// CollLast is one past the last valid collective type bit.
	CollLast
)

// CollAll is the mask with every collective type set.
const CollAll = CollLast - 1

var collTypeNames = map[CollType]string{
	CollAllGather:      "AllGather",
	CollAllGatherV:     "AllGatherV",
	CollAllReduce:      "AllReduce",
	CollAllToAll:       "AllToAll",
	CollAllToAllV:      "AllToAllV",
	CollBarrier:        "Barrier",
	CollBcast:          "Bcast",
	CollFanIn:          "FanIn",
	CollFanOut:         "FanOut",
	CollGather:         "Gather",
	CollGatherV:        "GatherV",
	CollReduce:         "Reduce",
	CollReduceScatter:  "ReduceScatter",
	CollReduceScatterV: "ReduceScatterV",
	CollScatter:        "Scatter",
	CollScatterV:       "ScatterV",
}

// Has returns whether all bits of t are set in the mask.
func (mask CollType) Has(t CollType) bool {
	return t != 0 && mask&t == t
}

// Types splits the mask into its individual collective types, in bit order.
func (mask CollType) Types() []CollType {
	types := make([]CollType, 0, bits.OnesCount32(uint32(mask)))
	for t := CollType(1); t < CollLast; t <<= 1 {
		if mask&t != 0 {
			types = append(types, t)
		}
	}
	return types
}

// String implements fmt.Stringer. Masks with more than one bit are printed as "A|B".
func (mask CollType) String() string {
	if name, found := collTypeNames[mask]; found {
		return name
	}
	if mask == 0 {
		return "None"
	}
	parts := make([]string, 0, 4)
	for _, t := range mask.Types() {
		parts = append(parts, collTypeNames[t])
	}
	if mask&^CollAll != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(mask&^CollAll)))
	}
	return strings.Join(parts, "|")
}

// MemoryType is where a buffer lives.
type MemoryType int

const (
	MemoryUnknown MemoryType = iota
	MemoryHost
	MemoryDevice
)

func (m MemoryType) String() string {
	switch m {
	case MemoryHost:
		return "host"
	case MemoryDevice:
		return "device"
	default:
		return "unknown"
	}
}

// ReduceOp selects the reduction applied by reducing collectives.
type ReduceOp int

const (
	// ReduceOpUndefined is an undefined value.
	ReduceOpUndefined ReduceOp = iota
	ReduceOpSum
	ReduceOpProd
	ReduceOpMax
	ReduceOpMin
	ReduceOpAvg
	ReduceOpBAnd
	ReduceOpBOr
)

func (op ReduceOp) String() string {
	switch op {
	case ReduceOpSum:
		return "Sum"
	case ReduceOpProd:
		return "Prod"
	case ReduceOpMax:
		return "Max"
	case ReduceOpMin:
		return "Min"
	case ReduceOpAvg:
		return "Avg"
	case ReduceOpBAnd:
		return "BAnd"
	case ReduceOpBOr:
		return "BOr"
	default:
		return fmt.Sprintf("ReduceOp(%d)", int(op))
	}
}

// ThreadMode declares what concurrency a transport tolerates on one context.
type ThreadMode int

const (
	// ThreadSingle means all calls into one context come from a single thread (goroutine) at a time.
	ThreadSingle ThreadMode = iota
	ThreadFunneled
	ThreadMultiple
)

func (m ThreadMode) String() string {
	switch m {
	case ThreadSingle:
		return "single"
	case ThreadFunneled:
		return "funneled"
	case ThreadMultiple:
		return "multiple"
	default:
		return fmt.Sprintf("ThreadMode(%d)", int(m))
	}
}

// RankMax is the largest supported team size.
const RankMax = math.MaxInt32

// MsgMax is the upper bound (exclusive) of message sizes used in score ranges.
const MsgMax = math.MaxUint64
