package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	kvhttp "shardkv/internal/http"
)

// clientFlags adds the flags shared by the client commands.
func clientFlags(cmd *cobra.Command) {
	cmd.Flags().String("endpoint", "127.0.0.1:8080", "address of any node of the cluster")
	cmd.Flags().Duration("timeout", 5*time.Second, "request timeout")
}

type clientEnv struct {
	client   *kvhttp.Client
	endpoint string
	timeout  time.Duration
}

func newClientEnv(cmd *cobra.Command) (*clientEnv, error) {
	v, err := initViper(cmd)
	if err != nil {
		return nil, err
	}
	return clientFromViper(v), nil
}

func clientFromViper(v *viper.Viper) *clientEnv {
	return &clientEnv{
		client:   kvhttp.NewClient(""),
		endpoint: v.GetString("endpoint"),
		timeout:  v.GetDuration("timeout"),
	}
}

func (e *clientEnv) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, e.timeout)
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Gets the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := env.context(cmd.Context())
			defer cancel()

			value, found, err := env.client.Get(ctx, env.endpoint, []byte(args[0]))
			if err != nil {
				return err
			}
			if !found {
				fmt.Fprintln(cmd.OutOrStdout(), "(nil)")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(value))
			return nil
		},
	}
	clientFlags(cmd)
	return cmd
}

func newSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := env.context(cmd.Context())
			defer cancel()

			if err := env.client.Set(ctx, env.endpoint, []byte(args[0]), []byte(args[1])); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
	clientFlags(cmd)
	return cmd
}

func newDelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := env.context(cmd.Context())
			defer cancel()

			if err := env.client.Delete(ctx, env.endpoint, []byte(args[0])); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Deleted")
			return nil
		},
	}
	clientFlags(cmd)
	return cmd
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Shows the topology as seen by the endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := newClientEnv(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := env.context(cmd.Context())
			defer cancel()

			info, err := env.client.ShardInfo(ctx, env.endpoint)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
	clientFlags(cmd)
	return cmd
}
