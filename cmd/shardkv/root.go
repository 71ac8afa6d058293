package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const Version = "0.3.0"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "shardkv",
		Short: "sharded key-value store",
		Long: fmt.Sprintf(`shardkv (v%s)

A key-value store partitioned by key hash across a fixed set of nodes.
Every node accepts every request and forwards it to the key's owner.`, Version),
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newGetCmd(),
		newSetCmd(),
		newDelCmd(),
		newInfoCmd(),
		newBenchCmd(),
		newTopologyCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of shardkv",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "shardkv v%s\n", Version)
			},
		},
	)
	return root
}
