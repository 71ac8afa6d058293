package sharding

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"shardkv/pkg/dberrors"
)

const (
	HashFNV1a  = "fnv1a"
	HashXXHash = "xxhash"
)

// KeyHasher deterministically maps keys to 64-bit hashes. Implementations
// must not depend on process state: every node of a cluster has to compute
// the same value for the same key.
type KeyHasher interface {
	Sum64(key []byte) uint64
}

// FNV1a is 64-bit FNV-1a with the seed folded into the offset basis.
type FNV1a struct {
	Seed uint64
}

func (h FNV1a) Sum64(key []byte) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64) ^ h.Seed
	for _, c := range key {
		hash ^= uint64(c)
		hash *= prime64
	}
	return hash
}

// XXHash is xxHash64.
type XXHash struct {
	Seed uint64
}

func (h XXHash) Sum64(key []byte) uint64 {
	if h.Seed == 0 {
		return xxhash.Sum64(key)
	}
	d := xxhash.NewWithSeed(h.Seed)
	_, _ = d.Write(key)
	return d.Sum64()
}

// HasherByName resolves the hash configured for a cluster. An empty name
// selects FNV-1a.
func HasherByName(name string, seed uint64) (KeyHasher, error) {
	switch strings.ToLower(name) {
	case "", HashFNV1a:
		return FNV1a{Seed: seed}, nil
	case HashXXHash:
		return XXHash{Seed: seed}, nil
	default:
		return nil, dberrors.Newf(dberrors.KindValidation, "unknown hash %q (expected %s or %s)", name, HashFNV1a, HashXXHash)
	}
}

// Topology is the static cluster layout shared by all nodes.
type Topology struct {
	Shards   []string `yaml:"shards" json:"shards"`
	Hash     string   `yaml:"hash" json:"hash,omitempty"`
	HashSeed uint64   `yaml:"hash_seed" json:"hash_seed,omitempty"`
}

// Validate checks the topology is usable. It does not detect duplicate
// addresses: those are reported per request as redirect loops.
func (t Topology) Validate() error {
	if len(t.Shards) == 0 {
		return dberrors.Newf(dberrors.KindValidation, "topology has no shards")
	}
	for i, addr := range t.Shards {
		if strings.TrimSpace(addr) == "" {
			return dberrors.Newf(dberrors.KindValidation, "topology shard %d has empty address", i)
		}
		if err := validateAddress(addr); err != nil {
			return dberrors.Newf(dberrors.KindValidation, "topology shard %d: %v", i, err)
		}
	}
	if _, err := HasherByName(t.Hash, t.HashSeed); err != nil {
		return err
	}
	return nil
}

// validateAddress accepts host:port with a numeric port and no quoting,
// whitespace or control characters.
func validateAddress(addr string) error {
	for _, r := range addr {
		if r <= ' ' || r == '"' || r == '\\' || r == 0x7f {
			return fmt.Errorf("address %q contains %q", addr, r)
		}
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("address %q has no host", addr)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("address %q has invalid port %q", addr, port)
	}
	return nil
}

func (t Topology) String() string {
	hash := t.Hash
	if hash == "" {
		hash = HashFNV1a
	}
	return fmt.Sprintf("%d shards [%s] hash=%s seed=%d", len(t.Shards), strings.Join(t.Shards, ","), hash, t.HashSeed)
}
