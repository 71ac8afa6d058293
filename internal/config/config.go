package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"shardkv/pkg/cluster"
	"shardkv/pkg/dberrors"
	"shardkv/pkg/sharding"
	"shardkv/pkg/store"
)

// Config holds all configuration for a shardkv node.
type Config struct {
	Node      NodeConfig        `yaml:"node"`
	Topology  sharding.Topology `yaml:"topology"`
	ZooKeeper ZooKeeperConfig   `yaml:"zookeeper"`
	Storage   StorageConfig     `yaml:"storage"`
	Forward   ForwardConfig     `yaml:"forward"`
	Logger    LoggerConfig      `yaml:"logger"`
}

// NodeConfig is the node's identity. ShardIndex is required; -1 means unset.
type NodeConfig struct {
	ShardIndex int `yaml:"shard_index"`
	Port       int `yaml:"port"`
}

// ZooKeeperConfig is the topology source when Servers is set and no shards
// are configured locally.
type ZooKeeperConfig struct {
	Servers []string      `yaml:"servers"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

type StorageConfig struct {
	Engine   string `yaml:"engine"`
	DataDir  string `yaml:"data_dir"`
	ReadOnly bool   `yaml:"read_only"`
}

type ForwardConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	Retries        int           `yaml:"retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	retry := cluster.DefaultRetryPolicy()
	return Config{
		Node: NodeConfig{
			ShardIndex: -1,
			Port:       8080,
		},
		ZooKeeper: ZooKeeperConfig{
			Path:    cluster.DefaultZKPath,
			Timeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Engine: store.EngineLog,
		},
		Forward: ForwardConfig{
			Timeout:        retry.Timeout,
			Retries:        retry.MaxRetries,
			InitialBackoff: retry.InitialBackoff,
			MaxBackoff:     retry.MaxBackoff,
		},
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
	}
}

// Load reads a YAML file over Default(). A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// TopologyFromZK reports whether the topology must be read from ZooKeeper.
func (c Config) TopologyFromZK() bool {
	return len(c.ZooKeeper.Servers) > 0 && len(c.Topology.Shards) == 0
}

// Validate checks the node can start. A ZooKeeper topology is validated
// when it is loaded.
func (c Config) Validate() error {
	if c.Node.ShardIndex < 0 {
		return dberrors.Newf(dberrors.KindValidation, "shard index is required")
	}
	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		return dberrors.Newf(dberrors.KindValidation, "port %d out of range", c.Node.Port)
	}

	if !c.TopologyFromZK() {
		if err := c.Topology.Validate(); err != nil {
			return err
		}
		if c.Node.ShardIndex >= len(c.Topology.Shards) {
			return dberrors.Newf(dberrors.KindInvalidPartition, "shard index %d out of range [0, %d)", c.Node.ShardIndex, len(c.Topology.Shards))
		}
	}

	switch strings.ToLower(c.Storage.Engine) {
	case "", store.EngineLog, store.EnginePebble:
	default:
		return dberrors.Newf(dberrors.KindValidation, "unknown storage engine %q", c.Storage.Engine)
	}

	if c.Forward.Retries < 0 {
		return dberrors.Newf(dberrors.KindValidation, "forward retries must not be negative")
	}
	if _, err := ParseLevel(c.Logger.Level); err != nil {
		return err
	}
	return nil
}

// StoragePath is the node's storage directory, data/node-<port> unless set.
func (c Config) StoragePath() string {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir
	}
	return filepath.Join("data", "node-"+strconv.Itoa(c.Node.Port))
}

// RetryPolicy converts the forward settings for the dispatcher.
func (c Config) RetryPolicy() cluster.RetryPolicy {
	return cluster.RetryPolicy{
		Timeout:        c.Forward.Timeout,
		MaxRetries:     c.Forward.Retries,
		InitialBackoff: c.Forward.InitialBackoff,
		MaxBackoff:     c.Forward.MaxBackoff,
	}
}

// ParseLevel accepts DEBUG, INFO, WARN and ERROR in any case.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, dberrors.Newf(dberrors.KindValidation, "unknown log level %q", s)
	}
	return level, nil
}
