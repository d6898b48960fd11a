// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/collectives/pkg/cluster"
	"github.com/gomlx/collectives/tl"
	"github.com/spf13/cobra"
)

var (
	flagCount     int
	flagDType     string
	flagOp        string
	flagRoot      int
	flagMaxValues int
)

func init() {
	for _, cmd := range []*cobra.Command{runCmd, benchCmd} {
		f := cmd.Flags()
		f.IntVar(&flagCount, "count", 8, "Number of elements per rank (per block, for gathering and scattering collectives).")
		f.StringVar(&flagDType, "dtype", "float32", "Data type of the elements.")
		f.StringVar(&flagOp, "op", "sum", "Reduction operation, for reducing collectives.")
		f.IntVar(&flagRoot, "root", 0, "Root rank, for rooted collectives.")
	}
	runCmd.Flags().IntVar(&flagMaxValues, "max_values", 16, "Maximum number of values displayed per rank.")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <collective>",
	Short: "Runs one collective on all ranks and displays the results",
	Long: `Runs one collective on all ranks and displays the results.

Every rank contributes the value rank+1 in all of its elements. For allgatherv, rank r contributes
count+r elements.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	coll, err := newCollective(args[0], flagDType, flagOp, flagCount, flagRoot, flagRanks)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
	defer cancel()
	c, err := newCluster(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	rankArgs := make([]*tl.CollArgs, c.Size())
	elapsed := make([]time.Duration, c.Size())
	err = c.Parallel(func(r *cluster.Rank) error {
		rankArgs[r.Rank] = coll.args(r.Rank)
		start := time.Now()
		err := r.Collective(ctx, rankArgs[r.Rank])
		elapsed[r.Rank] = time.Since(start)
		return err
	})
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("%s of %s x %s on %d ranks",
		coll.collType, humanize.Comma(int64(coll.count)), coll.dtype, c.Size())))
	table := newTable(true).Headers("rank", "time", "result")
	for rank, args := range rankArgs {
		buf, count := coll.result(args)
		result := "-"
		if buf != nil || count > 0 {
			result = formatBuffer(buf, coll.dtype, count, flagMaxValues)
		}
		table.Row(strconv.Itoa(rank), elapsed[rank].String(), result)
	}
	fmt.Println(table.Render())
	return c.Close()
}
