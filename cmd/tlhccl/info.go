// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	api "github.com/gomlx/collectives/hccl"
	"github.com/gomlx/collectives/tl"
	"github.com/gomlx/collectives/tl/hccl"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(infoCmd)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Displays the registered transports and libraries, the transport capabilities and the team scores",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), flagTimeout)
	defer cancel()

	fmt.Println(titleStyle.Render("Registry"))
	table := newTable(false)
	table.Row("transports", strings.Join(tl.Registered(), ", "))
	table.Row("collective libraries", strings.Join(api.Registered(), ", "))
	fmt.Println(table.Render())

	c, err := newCluster(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	attr := c.Lib().Attr()
	caps := c.Lib().Capabilities()
	var dtypeNames []string
	for dtype, ok := range caps.DTypes {
		if ok {
			dtypeNames = append(dtypeNames, dtype.String())
		}
	}
	slices.Sort(dtypeNames)
	fmt.Println(titleStyle.Render("Transport"))
	table = newTable(false)
	table.Row("name", attr.Name)
	if lib, ok := c.Lib().(*hccl.Lib); ok {
		table.Row("library", lib.Library().Name())
		table.Row("memory operations", fmt.Sprintf("%v", lib.Library().SupportsMemOps()))
	}
	table.Row("thread mode", attr.ThreadMode.String())
	table.Row("collectives", attr.CollTypes.String())
	table.Row("team sizes", fmt.Sprintf("[%d, %s]", attr.MinTeamSize, humanize.Comma(int64(attr.MaxTeamSize))))
	table.Row("native dtypes", strings.Join(dtypeNames, ", "))
	r0 := c.Ranks()[0]
	if hctx, ok := r0.Context.(*hccl.Context); ok {
		config := hctx.Config()
		table.Row("sync", string(hctx.Sync()))
		table.Row("blocking", fmt.Sprintf("%v", config.Blocking))
		table.Row("lazy init", fmt.Sprintf("%v", config.LazyInit))
		table.Row("max tasks", humanize.Comma(int64(config.MaxTasks)))
		table.Row("scratch size", humanize.IBytes(uint64(config.ScratchSize)))
	}
	fmt.Println(table.Render())

	scores, err := r0.Team.GetScores()
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Scores (%d ranks)", c.Size())))
	table = newTable(true).Headers("collective", "memory", "message sizes", "score")
	for _, sr := range scores.Ranges() {
		end := "max"
		if sr.End != tl.MsgMax {
			end = humanize.IBytes(sr.End)
		}
		table.Row(sr.CollType.String(), sr.MemType.String(),
			fmt.Sprintf("[%s, %s)", humanize.IBytes(sr.Start), end), fmt.Sprintf("%d", sr.Score))
	}
	fmt.Println(table.Render())
	return c.Close()
}
