package cluster

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/goccy/go-yaml"

	"shardkv/pkg/dberrors"
	"shardkv/pkg/sharding"
)

const (
	DefaultZKPath = "/shardkv"
	topologyNode  = "topology"
)

// zkConn is the part of *zk.Conn the topology store uses.
type zkConn interface {
	Get(path string) ([]byte, *zk.Stat, error)
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	State() zk.State
	Close()
}

// ZKTopologyStore keeps the cluster topology as a YAML document under
// <root>/topology. Nodes read it once at startup; the map is never
// reloaded while a node runs.
type ZKTopologyStore struct {
	conn   zkConn
	root   string
	wait   time.Duration
	logger *slog.Logger
}

// DialZK connects to the ensemble and waits for a session.
func DialZK(servers []string, root string, timeout time.Duration) (*ZKTopologyStore, error) {
	if len(servers) == 0 {
		return nil, dberrors.Newf(dberrors.KindValidation, "zookeeper: no servers configured")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	conn, _, err := zk.Connect(servers, timeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}

	s := newZKTopologyStore(conn, root, timeout)
	if err := s.waitConnected(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func newZKTopologyStore(conn zkConn, root string, wait time.Duration) *ZKTopologyStore {
	if root == "" {
		root = DefaultZKPath
	}
	return &ZKTopologyStore{
		conn:   conn,
		root:   "/" + strings.Trim(root, "/"),
		wait:   wait,
		logger: slog.Default().With("component", "zk-topology"),
	}
}

func (s *ZKTopologyStore) Close() error {
	s.conn.Close()
	return nil
}

func (s *ZKTopologyStore) nodePath() string {
	return path.Join(s.root, topologyNode)
}

// Load reads and validates the published topology.
func (s *ZKTopologyStore) Load() (sharding.Topology, error) {
	p := s.nodePath()
	data, stat, err := s.conn.Get(p)
	if errors.Is(err, zk.ErrNoNode) {
		return sharding.Topology{}, dberrors.Newf(dberrors.KindValidation, "no topology published at %s", p)
	}
	if err != nil {
		return sharding.Topology{}, fmt.Errorf("zk get %s: %w", p, err)
	}

	var topo sharding.Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return sharding.Topology{}, dberrors.Newf(dberrors.KindValidation, "decode topology at %s: %v", p, err)
	}
	if err := topo.Validate(); err != nil {
		return sharding.Topology{}, err
	}

	version := int32(0)
	if stat != nil {
		version = stat.Version
	}
	s.logger.Info("topology loaded", "path", p, "version", version, "shards", len(topo.Shards))
	return topo, nil
}

// Publish validates topo and writes it, creating parent nodes as needed.
// It is meant for provisioning a cluster before its nodes start.
func (s *ZKTopologyStore) Publish(topo sharding.Topology) error {
	if err := topo.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(topo)
	if err != nil {
		return fmt.Errorf("encode topology: %w", err)
	}

	if err := s.ensurePath(s.root); err != nil {
		return fmt.Errorf("ensure %s: %w", s.root, err)
	}

	p := s.nodePath()
	_, err = s.conn.Create(p, data, 0, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		_, err = s.conn.Set(p, data, -1)
	}
	if err != nil {
		return fmt.Errorf("zk write %s: %w", p, err)
	}

	s.logger.Info("topology published", "path", p, "shards", len(topo.Shards))
	return nil
}

func (s *ZKTopologyStore) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := s.conn.Exists(cur)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

func (s *ZKTopologyStore) waitConnected() error {
	deadline := time.Now().Add(s.wait)
	for {
		st := s.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", s.wait, st)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
