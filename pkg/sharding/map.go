package sharding

import (
	"shardkv/pkg/dberrors"
)

// Location is where a key lives relative to the local node.
type Location struct {
	Partition int
	Address   string
	Local     bool
}

// Map maps keys to partitions for a fixed topology. It is immutable after
// New and safe for concurrent use without locking.
type Map struct {
	shards []string
	hasher KeyHasher
	local  int
}

// New builds the map for a node owning partition local.
func New(topology Topology, local int) (*Map, error) {
	if err := topology.Validate(); err != nil {
		return nil, err
	}
	if local < 0 || local >= len(topology.Shards) {
		return nil, dberrors.Newf(dberrors.KindInvalidPartition, "local shard index %d out of range [0, %d)", local, len(topology.Shards))
	}

	hasher, err := HasherByName(topology.Hash, topology.HashSeed)
	if err != nil {
		return nil, err
	}

	shards := make([]string, len(topology.Shards))
	copy(shards, topology.Shards)

	return &Map{
		shards: shards,
		hasher: hasher,
		local:  local,
	}, nil
}

// Owner returns the partition owning key.
func (m *Map) Owner(key []byte) int {
	return int(m.hasher.Sum64(key) % uint64(len(m.shards)))
}

// AddressOf returns the address serving partition id.
func (m *Map) AddressOf(id int) (string, error) {
	if id < 0 || id >= len(m.shards) {
		return "", dberrors.Newf(dberrors.KindInvalidPartition, "partition %d out of range [0, %d)", id, len(m.shards))
	}
	return m.shards[id], nil
}

func (m *Map) IsLocal(key []byte) bool {
	return m.Owner(key) == m.local
}

// Locate resolves owner, address and locality of key in one step.
func (m *Map) Locate(key []byte) (Location, error) {
	id := m.Owner(key)
	addr, err := m.AddressOf(id)
	if err != nil {
		return Location{}, err
	}
	return Location{
		Partition: id,
		Address:   addr,
		Local:     id == m.local,
	}, nil
}

func (m *Map) LocalIndex() int {
	return m.local
}

func (m *Map) LocalAddress() string {
	return m.shards[m.local]
}

func (m *Map) Size() int {
	return len(m.shards)
}

// Addresses returns a copy of the topology addresses.
func (m *Map) Addresses() []string {
	out := make([]string, len(m.shards))
	copy(out, m.shards)
	return out
}
