// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tlhccl runs collectives over the hccl transport on an in-process cluster of ranks.
//
// By default, it uses the "loopback" collective library, so it runs anywhere. Examples:
//
//	tlhccl info
//	tlhccl run allreduce --ranks=4 --count=8 --dtype=float32 --op=sum
//	tlhccl bench allgather --ranks=8 --count=1048576 --iterations=100 --transport="hccl:sync=event"
package main

import (
	"context"
	"flag"
	"os"
	"time"

	api "github.com/gomlx/collectives/hccl"
	"github.com/gomlx/collectives/pkg/cluster"
	"github.com/gomlx/collectives/tl"
	"github.com/gomlx/collectives/tl/hccl"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	// Registers the in-process collective library.
	_ "github.com/gomlx/collectives/hccl/loopback"
)

var (
	flagRanks      int
	flagTransport  string
	flagConfigFile string
	flagLibrary    string
	flagTimeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "tlhccl",
	Short: "Runs collectives over the hccl transport on an in-process cluster",
	Long: `tlhccl creates a cluster of ranks in the current process, each with its own progress queue,
transport context and team, and runs collectives over them.

The transport configuration is given as "<transport>:<config>", e.g. "hccl:sync=event,lazy_init=0".
Environment variables TL_HCCL_* and a TOML configuration file (--config_file) are also honored.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagConfigFile != "" {
			if err := os.Setenv(hccl.EnvConfigFile, flagConfigFile); err != nil {
				return errors.Wrapf(err, "failed to set %s", hccl.EnvConfigFile)
			}
		}
		if flagLibrary != "" {
			if _, found := api.Get(flagLibrary); !found {
				return errors.Errorf("unknown collective library %q, registered libraries: %q", flagLibrary, api.Registered())
			}
			if err := os.Setenv(hccl.EnvLibrary, flagLibrary); err != nil {
				return errors.Wrapf(err, "failed to set %s", hccl.EnvLibrary)
			}
		}
		return nil
	},
}

func init() {
	goFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(goFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(goFlags)

	pf := rootCmd.PersistentFlags()
	pf.IntVar(&flagRanks, "ranks", 4, "Number of ranks in the cluster.")
	pf.StringVar(&flagTransport, "transport", "", `Transport configuration, formatted as "<transport>:<config>". `+
		"If empty, the environment variable TL_TRANSPORT is used, or the hccl transport with its defaults.")
	pf.StringVar(&flagConfigFile, "config_file", "", "TOML file with the hccl context configuration.")
	pf.StringVar(&flagLibrary, "library", "", "Collective library to use, by its registered name. Defaults to the first registered.")
	pf.DurationVar(&flagTimeout, "timeout", time.Minute, "Maximum time for each command.")
}

// newCluster creates the cluster configured by the flags, with its teams created.
func newCluster(ctx context.Context) (*cluster.Cluster, error) {
	var (
		iface  tl.Interface
		config string
		err    error
	)
	if flagTransport != "" {
		iface, config, err = tl.LookupWithConfig(flagTransport)
	} else {
		iface, config, err = tl.Lookup()
	}
	if err != nil {
		return nil, err
	}
	c, err := cluster.New(iface, flagRanks, config)
	if err != nil {
		return nil, err
	}
	if err = c.CreateTeams(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		klog.Errorf("tlhccl: %+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
