package main

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardkv/internal/config"
	"shardkv/pkg/dberrors"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func serveConfig(t *testing.T, args ...string) (config.Config, error) {
	t.Helper()
	cmd := newServeCmd()
	require.NoError(t, cmd.Flags().Parse(args))
	v, err := initViper(cmd)
	require.NoError(t, err)
	return resolveConfig(v)
}

func TestResolveConfig_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  shard_index: 1
  port: 9000
topology:
  shards: ["127.0.0.1:9000", "127.0.0.1:9001", "127.0.0.1:9002"]
storage:
  engine: pebble
forward:
  retries: 5
`), 0o644))

	t.Setenv("SHARDKV_PORT", "9100")
	t.Setenv("SHARDKV_FORWARD_RETRIES", "1")

	cfg, err := serveConfig(t, "--config", path, "--shard-index", "2", "--forward-retries", "3")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Node.ShardIndex, "flag beats file")
	assert.Equal(t, 9100, cfg.Node.Port, "env beats file")
	assert.Equal(t, 3, cfg.Forward.Retries, "flag beats env")
	assert.Equal(t, "pebble", cfg.Storage.Engine, "file beats flag default")
	assert.Len(t, cfg.Topology.Shards, 3)
	assert.Equal(t, filepath.Join("data", "node-9100"), cfg.StoragePath())
}

func TestResolveConfig_FlagsOnly(t *testing.T) {
	cfg, err := serveConfig(t,
		"--shard-index", "0",
		"--port", "8080",
		"--shards", "127.0.0.1:8080, 127.0.0.1:8081",
		"--hash", "xxhash",
		"--hash-seed", "9",
		"--forward-timeout", "300ms",
		"--read-only",
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"127.0.0.1:8080", "127.0.0.1:8081"}, cfg.Topology.Shards)
	assert.Equal(t, "xxhash", cfg.Topology.Hash)
	assert.Equal(t, uint64(9), cfg.Topology.HashSeed)
	assert.Equal(t, 300*time.Millisecond, cfg.Forward.Timeout)
	assert.True(t, cfg.Storage.ReadOnly)
}

func TestResolveConfig_Invalid(t *testing.T) {
	_, err := serveConfig(t, "--shards", "a:1,b:2")
	assert.ErrorIs(t, err, dberrors.ErrValidation, "shard index is required")

	_, err = serveConfig(t, "--shard-index", "3", "--shards", "a:1,b:2")
	assert.ErrorIs(t, err, dberrors.ErrInvalidPartition)

	_, err = serveConfig(t, "--shard-index", "0")
	assert.ErrorIs(t, err, dberrors.ErrValidation, "topology is required")
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	assert.Nil(t, splitList(""))
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCLI_AgainstNode(t *testing.T) {
	port := freePort(t)
	addr := "127.0.0.1:" + strconv.Itoa(port)

	cfg := config.Default()
	cfg.Node.ShardIndex = 0
	cfg.Node.Port = port
	cfg.Topology.Shards = []string{addr}
	cfg.Storage.DataDir = t.TempDir()
	require.NoError(t, cfg.Validate())

	n, err := startNode(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Stop() })

	out, err := runCLI(t, "set", "foo", "bar", "--endpoint", addr)
	require.NoError(t, err)
	assert.Equal(t, "OK\n", out)

	out, err = runCLI(t, "get", "foo", "--endpoint", addr)
	require.NoError(t, err)
	assert.Equal(t, "bar\n", out)

	out, err = runCLI(t, "del", "foo", "--endpoint", addr)
	require.NoError(t, err)
	assert.Equal(t, "Deleted\n", out)

	out, err = runCLI(t, "get", "foo", "--endpoint", addr)
	require.NoError(t, err)
	assert.Equal(t, "(nil)\n", out)

	out, err = runCLI(t, "info", "--endpoint", addr)
	require.NoError(t, err)
	assert.Contains(t, out, `"current_shard": 0`)
	assert.Contains(t, out, addr)

	out, err = runCLI(t, "bench", "--endpoint", addr, "--ops", "20", "--concurrency", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "Successful: 20")
	assert.NotContains(t, out, "Failed: 1")
}

func TestCLI_UnreachableEndpoint(t *testing.T) {
	addr := "127.0.0.1:" + strconv.Itoa(freePort(t))

	_, err := runCLI(t, "get", "foo", "--endpoint", addr, "--timeout", "500ms")
	require.Error(t, err)
	assert.ErrorIs(t, err, dberrors.ErrRemoteUnavailable)
}

func TestCLI_Version(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "shardkv v"+Version))
}

func TestSummarize(t *testing.T) {
	lat := []time.Duration{3 * time.Millisecond, time.Millisecond, 2 * time.Millisecond}
	r := summarize(4, 3, time.Second, lat)

	assert.Equal(t, 1, r.FailedOps)
	assert.Equal(t, 3.0, r.OpsPerSec)
	assert.Equal(t, time.Millisecond, r.MinLatency)
	assert.Equal(t, 3*time.Millisecond, r.MaxLatency)
	assert.Equal(t, 2*time.Millisecond, r.AvgLatency)
}
