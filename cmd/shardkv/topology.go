package main

import (
	"fmt"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"shardkv/pkg/cluster"
	"shardkv/pkg/sharding"
)

func newTopologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Manage the cluster topology stored in ZooKeeper",
	}
	cmd.PersistentFlags().String("zk-servers", "127.0.0.1:2181", "comma separated ZooKeeper servers")
	cmd.PersistentFlags().String("zk-path", cluster.DefaultZKPath, "ZooKeeper root of the cluster")
	cmd.PersistentFlags().Duration("zk-timeout", 5*time.Second, "ZooKeeper session timeout")

	publish := &cobra.Command{
		Use:   "publish",
		Short: "Publish the topology nodes read at startup",
		Long: `Publish the topology nodes read at startup.

Nodes read the topology once; publish it before starting them and restart
every node after changing it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := initViper(cmd)
			if err != nil {
				return err
			}
			topo := sharding.Topology{
				Shards:   splitList(v.GetString("shards")),
				Hash:     v.GetString("hash"),
				HashSeed: v.GetUint64("hash-seed"),
			}

			zs, err := cluster.DialZK(splitList(v.GetString("zk-servers")), v.GetString("zk-path"), v.GetDuration("zk-timeout"))
			if err != nil {
				return err
			}
			defer zs.Close()

			if err := zs.Publish(topo); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", topo)
			return nil
		},
	}
	publish.Flags().String("shards", "", "comma separated node addresses, index i owns partition i")
	publish.Flags().String("hash", "", "partition hash: fnv1a (default) or xxhash")
	publish.Flags().Uint64("hash-seed", 0, "partition hash seed")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the published topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := initViper(cmd)
			if err != nil {
				return err
			}
			zs, err := cluster.DialZK(splitList(v.GetString("zk-servers")), v.GetString("zk-path"), v.GetDuration("zk-timeout"))
			if err != nil {
				return err
			}
			defer zs.Close()

			topo, err := zs.Load()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(topo)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.AddCommand(publish, show)
	return cmd
}
