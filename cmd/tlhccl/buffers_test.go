// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/collectives/hccl/loopback"
	"github.com/gomlx/collectives/pkg/cluster"
	"github.com/gomlx/collectives/tl"
	"github.com/gomlx/collectives/tl/hccl"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	collType, err := parseCollType("AllGatherV")
	require.NoError(t, err)
	assert.Equal(t, tl.CollAllGatherV, collType)
	collType, err = parseCollType("reducescatter")
	require.NoError(t, err)
	assert.Equal(t, tl.CollReduceScatter, collType)
	_, err = parseCollType("alltoall")
	require.Error(t, err)

	op, err := parseReduceOp("MAX")
	require.NoError(t, err)
	assert.Equal(t, tl.ReduceOpMax, op)
	_, err = parseReduceOp("xor")
	require.Error(t, err)

	dtype, err := parseDType("bfloat16")
	require.NoError(t, err)
	assert.Equal(t, dtypes.BFloat16, dtype)
	_, err = parseDType("complex64")
	require.Error(t, err)

	_, err = newCollective("bcast", "float32", "sum", 4, 3, 3)
	require.Error(t, err, "root out of range")
}

func TestFormatBuffer(t *testing.T) {
	buf := newBuffer(dtypes.Int16, 5, 7)
	assert.Equal(t, "[7 7 7 7 7]", formatBuffer(buf.Buffer, dtypes.Int16, 5, 10))
	assert.Equal(t, "[7 7 ...]", formatBuffer(buf.Buffer, dtypes.Int16, 5, 2))
	buf = newBuffer(dtypes.Float16, 2, 0.5)
	assert.Equal(t, "[0.5 0.5]", formatBuffer(buf.Buffer, dtypes.Float16, 2, 10))
}

func TestCollectiveArgs(t *testing.T) {
	const size = 3
	c, err := cluster.New(hccl.NewInterface(loopback.New()), size, "")
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Close()) }()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, c.CreateTeams(ctx))

	for name, want := range map[string]string{
		"allreduce":     "[6 6]",
		"allgather":     "[1 1 2 2 3 3]",
		"allgatherv":    "[1 1 2 2 2 3 3 3 3]",
		"bcast":         "[2 2]",
		"reducescatter": "[6 6]",
		"barrier":       "",
	} {
		coll, err := newCollective(name, "int32", "sum", 2, 1, size)
		require.NoError(t, err)
		rankArgs := make([]*tl.CollArgs, size)
		require.NoError(t, c.Parallel(func(r *cluster.Rank) error {
			rankArgs[r.Rank] = coll.args(r.Rank)
			return r.Collective(ctx, rankArgs[r.Rank])
		}), name)
		for rank := range size {
			buf, count := coll.result(rankArgs[rank])
			if want == "" {
				assert.Zero(t, count)
				continue
			}
			assert.Equalf(t, want, formatBuffer(buf, coll.dtype, count, 100), "%s on rank %d", name, rank)
		}
	}
}
