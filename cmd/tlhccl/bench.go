// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/collectives/pkg/cluster"
	"github.com/gomlx/collectives/tl"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	flagIterations int
	flagWarmup     int
)

// ProgressbarStyle used by the bench command.
var ProgressbarStyle = progressbar.ThemeASCII

func init() {
	benchCmd.Flags().IntVar(&flagIterations, "iterations", 100, "Number of measured iterations.")
	benchCmd.Flags().IntVar(&flagWarmup, "warmup", 5, "Number of iterations run before measuring.")
	rootCmd.AddCommand(benchCmd)
}

var benchCmd = &cobra.Command{
	Use:   "bench <collective>",
	Short: "Measures the latency and bandwidth of a collective",
	Long: `Measures the latency and bandwidth of a collective.

Each iteration runs the collective on all ranks concurrently, and its time is the one of the slowest rank.
The bandwidth reported is the message size (as used for score selection) divided by the median time.`,
	Args: cobra.ExactArgs(1),
	RunE: runBench,
}

func runBench(cmd *cobra.Command, args []string) error {
	coll, err := newCollective(args[0], flagDType, flagOp, flagCount, flagRoot, flagRanks)
	if err != nil {
		return err
	}
	if flagIterations <= 0 {
		return errors.Errorf("invalid --iterations=%d", flagIterations)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
	defer cancel()
	c, err := newCluster(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	// Buffers are allocated once and reused by all iterations.
	rankArgs := make([]*tl.CollArgs, c.Size())
	for rank := range rankArgs {
		rankArgs[rank] = coll.args(rank)
	}
	iteration := func() (time.Duration, error) {
		start := time.Now()
		err := c.Parallel(func(r *cluster.Rank) error {
			return r.Collective(ctx, rankArgs[r.Rank])
		})
		return time.Since(start), err
	}

	for range flagWarmup {
		if _, err = iteration(); err != nil {
			return errors.WithMessage(err, "warmup")
		}
	}

	term := termenv.NewOutput(os.Stdout)
	term.HideCursor()
	defer term.ShowCursor()
	bar := progressbar.NewOptions(flagIterations,
		progressbar.OptionSetDescription(fmt.Sprintf("%s x %d ranks", coll.collType, c.Size())),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("iterations"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)
	durations := make([]time.Duration, 0, flagIterations)
	for range flagIterations {
		elapsed, err := iteration()
		if err != nil {
			return err
		}
		durations = append(durations, elapsed)
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	slices.Sort(durations)
	median := durations[len(durations)/2]
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	msgSize := coll.msgSize()

	fmt.Println(titleStyle.Render("Benchmark"))
	table := newTable(false)
	table.Row("collective", coll.collType.String())
	table.Row("ranks", humanize.Comma(int64(c.Size())))
	table.Row("elements", fmt.Sprintf("%s x %s", humanize.Comma(int64(coll.count)), coll.dtype))
	table.Row("message size", humanize.IBytes(msgSize))
	table.Row("iterations", humanize.Comma(int64(len(durations))))
	table.Row("min", durations[0].String())
	table.Row("median", median.String())
	table.Row("mean", (total / time.Duration(len(durations))).String())
	table.Row("max", durations[len(durations)-1].String())
	if median > 0 && msgSize > 0 {
		table.Row("bandwidth", humanize.IBytes(uint64(float64(msgSize)/median.Seconds()))+"/s")
	}
	fmt.Println(table.Render())
	return c.Close()
}
