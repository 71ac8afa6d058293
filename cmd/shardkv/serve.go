package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shardkv/internal/config"
	kvhttp "shardkv/internal/http"
	"shardkv/pkg/cluster"
	"shardkv/pkg/metrics"
	"shardkv/pkg/sharding"
	"shardkv/pkg/store"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a shardkv node",
		Long: `Start a shardkv node serving one partition of the cluster.

Every flag can also be set as an environment variable SHARDKV_<FLAG>
(e.g. SHARDKV_SHARD_INDEX=1). Flags override the environment, which
overrides the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := initViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := resolveConfig(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	def := config.Default()
	f := cmd.Flags()
	f.String("config", "", "path to a YAML config file")
	f.Int("shard-index", def.Node.ShardIndex, "partition index this node owns (required)")
	f.Int("port", def.Node.Port, "HTTP listen port; also names the default data dir data/node-<port>")
	f.String("shards", "", "comma separated node addresses, index i owns partition i")
	f.String("hash", "", "partition hash: fnv1a (default) or xxhash")
	f.Uint64("hash-seed", 0, "partition hash seed, identical on all nodes")
	f.String("zk-servers", "", "comma separated ZooKeeper servers to read the topology from")
	f.String("zk-path", def.ZooKeeper.Path, "ZooKeeper root of the cluster")
	f.String("engine", def.Storage.Engine, "storage engine: log or pebble")
	f.String("data-dir", "", "storage directory (default data/node-<port>)")
	f.Bool("read-only", false, "reject writes to the local partition")
	f.Duration("forward-timeout", def.Forward.Timeout, "timeout of one forwarding attempt")
	f.Int("forward-retries", def.Forward.Retries, "retries of a forward after transport failures")
	f.String("log-level", def.Logger.Level, "DEBUG, INFO, WARN or ERROR")
	f.Bool("log-json", def.Logger.JSON, "log as JSON")
	return cmd
}

// resolveConfig layers the config file, environment and flags.
func resolveConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return cfg, err
	}

	v.SetDefault("shard-index", cfg.Node.ShardIndex)
	v.SetDefault("port", cfg.Node.Port)
	v.SetDefault("shards", strings.Join(cfg.Topology.Shards, ","))
	v.SetDefault("hash", cfg.Topology.Hash)
	v.SetDefault("hash-seed", cfg.Topology.HashSeed)
	v.SetDefault("zk-servers", strings.Join(cfg.ZooKeeper.Servers, ","))
	v.SetDefault("zk-path", cfg.ZooKeeper.Path)
	v.SetDefault("engine", cfg.Storage.Engine)
	v.SetDefault("data-dir", cfg.Storage.DataDir)
	v.SetDefault("read-only", cfg.Storage.ReadOnly)
	v.SetDefault("forward-timeout", cfg.Forward.Timeout)
	v.SetDefault("forward-retries", cfg.Forward.Retries)
	v.SetDefault("log-level", cfg.Logger.Level)
	v.SetDefault("log-json", cfg.Logger.JSON)

	cfg.Node.ShardIndex = v.GetInt("shard-index")
	cfg.Node.Port = v.GetInt("port")
	cfg.Topology.Shards = splitList(v.GetString("shards"))
	cfg.Topology.Hash = v.GetString("hash")
	cfg.Topology.HashSeed = v.GetUint64("hash-seed")
	cfg.ZooKeeper.Servers = splitList(v.GetString("zk-servers"))
	cfg.ZooKeeper.Path = v.GetString("zk-path")
	cfg.Storage.Engine = v.GetString("engine")
	cfg.Storage.DataDir = v.GetString("data-dir")
	cfg.Storage.ReadOnly = v.GetBool("read-only")
	cfg.Forward.Timeout = v.GetDuration("forward-timeout")
	cfg.Forward.Retries = v.GetInt("forward-retries")
	cfg.Logger.Level = v.GetString("log-level")
	cfg.Logger.JSON = v.GetBool("log-json")

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadTopology returns the configured topology or reads it from ZooKeeper.
func loadTopology(cfg config.Config) (sharding.Topology, error) {
	if !cfg.TopologyFromZK() {
		return cfg.Topology, nil
	}

	zs, err := cluster.DialZK(cfg.ZooKeeper.Servers, cfg.ZooKeeper.Path, cfg.ZooKeeper.Timeout)
	if err != nil {
		return sharding.Topology{}, err
	}
	defer zs.Close()
	return zs.Load()
}

// node is a running shardkv process: one engine behind one HTTP server.
type node struct {
	engine store.Engine
	server *kvhttp.Server
	logger *slog.Logger
}

func startNode(cfg config.Config, logger *slog.Logger) (*node, error) {
	topo, err := loadTopology(cfg)
	if err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}

	pm, err := sharding.New(topo, cfg.Node.ShardIndex)
	if err != nil {
		return nil, err
	}
	if _, port, err := net.SplitHostPort(pm.LocalAddress()); err == nil && port != strconv.Itoa(cfg.Node.Port) {
		logger.Warn("listen port differs from this node's topology address", "port", cfg.Node.Port, "address", pm.LocalAddress())
	}

	reg := metrics.NewRegistry()

	engine, err := store.Open(store.Options{
		Engine:   cfg.Storage.Engine,
		Path:     cfg.StoragePath(),
		ReadOnly: cfg.Storage.ReadOnly,
		Logger:   logger,
		Metrics:  reg,
	})
	if err != nil {
		return nil, err
	}

	d, err := cluster.NewDispatcher(cluster.Config{
		Map:       pm,
		Storage:   engine,
		Forwarder: kvhttp.NewClient(pm.LocalAddress()),
		Retry:     cfg.RetryPolicy(),
		Logger:    logger,
		Metrics:   reg,
	})
	if err != nil {
		_ = engine.Close()
		return nil, err
	}

	server := kvhttp.NewServer(kvhttp.ServerConfig{
		Dispatcher: d,
		Port:       strconv.Itoa(cfg.Node.Port),
		Metrics:    reg,
		Logger:     logger,
	})
	if err := server.Start(); err != nil {
		_ = engine.Close()
		return nil, err
	}

	logger.Info("shardkv node started",
		"shard", cfg.Node.ShardIndex,
		"address", pm.LocalAddress(),
		"topology", topo.String(),
		"engine", cfg.Storage.Engine,
		"data_dir", cfg.StoragePath(),
		"read_only", cfg.Storage.ReadOnly,
	)
	return &node{engine: engine, server: server, logger: logger}, nil
}

func (n *node) Stop() error {
	serr := n.server.Stop()
	if err := n.engine.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	return serr
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := initLogger(os.Stdout, cfg.Logger)

	n, err := startNode(cfg, logger)
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if err := n.Stop(); err != nil {
		logger.Error("shutdown failed", "error", err)
		return err
	}
	logger.Info("shardkv node stopped")
	return nil
}
