// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loopback

import (
	"unsafe"

	"github.com/gomlx/collectives/hccl"
	"github.com/gomlx/collectives/internal/workerspool"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// parallelReduceMinChunk is the minimum number of elements handed to each worker.
const parallelReduceMinChunk = 16 * 1024

type native interface {
	constraints.Integer | constraints.Float
}

// asSlice reinterprets the bytes as a slice of T. len(data) must be a multiple of sizeof(T).
func asSlice[T any](data []byte) []T {
	if len(data) == 0 {
		return nil
	}
	var t T
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/int(unsafe.Sizeof(t)))
}

func reduceNative[T native](acc, src []T, op hccl.RedOp) {
	switch op {
	case hccl.Sum:
		for i, v := range src {
			acc[i] += v
		}
	case hccl.Prod:
		for i, v := range src {
			acc[i] *= v
		}
	case hccl.Max:
		for i, v := range src {
			acc[i] = max(acc[i], v)
		}
	case hccl.Min:
		for i, v := range src {
			acc[i] = min(acc[i], v)
		}
	default:
		exceptions.Panicf("loopback: reduction %s not implemented", op)
	}
}

// reduceVia reduces 16-bit floats by converting each pair to float32.
func reduceVia[T ~uint16](acc, src []T, op hccl.RedOp, toF32 func(T) float32, fromF32 func(float32) T) {
	for i, v := range src {
		a, b := toF32(acc[i]), toF32(v)
		var r float32
		switch op {
		case hccl.Sum:
			r = a + b
		case hccl.Prod:
			r = a * b
		case hccl.Max:
			r = max(a, b)
		case hccl.Min:
			r = min(a, b)
		default:
			exceptions.Panicf("loopback: reduction %s not implemented", op)
		}
		acc[i] = fromF32(r)
	}
}

// reduceInto accumulates src into acc, element-wise. Both hold count elements of dtype.
func reduceInto(acc, src []byte, dtype hccl.DataType, op hccl.RedOp) {
	switch dtype {
	case hccl.Int8:
		reduceNative(asSlice[int8](acc), asSlice[int8](src), op)
	case hccl.Uint8:
		reduceNative(acc, src, op)
	case hccl.Int16:
		reduceNative(asSlice[int16](acc), asSlice[int16](src), op)
	case hccl.Uint16:
		reduceNative(asSlice[uint16](acc), asSlice[uint16](src), op)
	case hccl.Int32:
		reduceNative(asSlice[int32](acc), asSlice[int32](src), op)
	case hccl.Uint32:
		reduceNative(asSlice[uint32](acc), asSlice[uint32](src), op)
	case hccl.Int64:
		reduceNative(asSlice[int64](acc), asSlice[int64](src), op)
	case hccl.Uint64:
		reduceNative(asSlice[uint64](acc), asSlice[uint64](src), op)
	case hccl.Float32:
		reduceNative(asSlice[float32](acc), asSlice[float32](src), op)
	case hccl.Float64:
		reduceNative(asSlice[float64](acc), asSlice[float64](src), op)
	case hccl.Float16:
		reduceVia(asSlice[float16.Float16](acc), asSlice[float16.Float16](src), op,
			float16.Float16.Float32, float16.Fromfloat32)
	case hccl.Bfloat16:
		reduceVia(asSlice[bfloat16.BFloat16](acc), asSlice[bfloat16.BFloat16](src), op,
			bfloat16.BFloat16.Float32, bfloat16.FromFloat32)
	default:
		exceptions.Panicf("loopback: data type %s not implemented", dtype)
	}
}

// reduceAll returns the reduction of all inputs, each holding count elements of dtype.
// Large inputs are split across the workers pool.
func reduceAll(pool *workerspool.Pool, inputs [][]byte, count int, dtype hccl.DataType, op hccl.RedOp) []byte {
	elemSize := dtype.Size()
	acc := make([]byte, count*elemSize)
	copy(acc, inputs[0][:count*elemSize])
	pool.ParallelFor(count, parallelReduceMinChunk, func(start, end int) {
		lo, hi := start*elemSize, end*elemSize
		for _, input := range inputs[1:] {
			reduceInto(acc[lo:hi], input[lo:hi], dtype, op)
		}
	})
	return acc
}
