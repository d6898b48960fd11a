// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hccl

import (
	api "github.com/gomlx/collectives/hccl"
	"github.com/gomlx/collectives/tl"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

var dtypeToHCCL = map[dtypes.DType]api.DataType{
	dtypes.Int8:     api.Int8,
	dtypes.Int16:    api.Int16,
	dtypes.Int32:    api.Int32,
	dtypes.Int64:    api.Int64,
	dtypes.Uint8:    api.Uint8,
	dtypes.Uint16:   api.Uint16,
	dtypes.Uint32:   api.Uint32,
	dtypes.Uint64:   api.Uint64,
	dtypes.Float16:  api.Float16,
	dtypes.Float32:  api.Float32,
	dtypes.Float64:  api.Float64,
	dtypes.BFloat16: api.Bfloat16,
}

var reduceOpToHCCL = map[tl.ReduceOp]api.RedOp{
	tl.ReduceOpSum:  api.Sum,
	tl.ReduceOpProd: api.Prod,
	tl.ReduceOpMax:  api.Max,
	tl.ReduceOpMin:  api.Min,
}

// ToHCCLDataType converts dtype to the library's data type.
//
// Data types without a mapping fall back to Float32, which may silently reinterpret the data:
// callers that need exactness should check IsNativeDType first.
func ToHCCLDataType(dtype dtypes.DType) api.DataType {
	if dt, found := dtypeToHCCL[dtype]; found {
		return dt
	}
	klog.V(1).Infof("hccl: data type %s has no mapping, falling back to %s", dtype, api.Float32)
	return api.Float32
}

// IsNativeDType returns whether dtype has a native mapping.
func IsNativeDType(dtype dtypes.DType) bool {
	_, found := dtypeToHCCL[dtype]
	return found
}

// ToHCCLRedOp converts op to the library's reduction. Unmapped reductions fall back to Sum.
func ToHCCLRedOp(op tl.ReduceOp) api.RedOp {
	if redOp, found := reduceOpToHCCL[op]; found {
		return redOp
	}
	klog.V(1).Infof("hccl: reduction %s has no mapping, falling back to %s", op, api.Sum)
	return api.Sum
}

// NativeDTypes returns the capability map of data types with a native mapping.
func NativeDTypes() map[dtypes.DType]bool {
	m := make(map[dtypes.DType]bool, len(dtypeToHCCL))
	for dtype := range dtypeToHCCL {
		m[dtype] = true
	}
	return m
}
