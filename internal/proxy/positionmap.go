package proxy

import (
	"sync"

	"github.com/veildb/veil/pkg/oram"
)

// PositionMap is the authoritative block-id → leaf-id map, plus the
// static partitioning of leaves across the storage servers. Server i owns
// the contiguous leaf range [i·2^H/N, (i+1)·2^H/N).
type PositionMap struct {
	mu                 sync.RWMutex
	pos                map[uint64]uint64
	servers            []string
	height             int
	leavesPerPartition uint64
}

// NewPositionMap creates an empty position map for the given tree height
// and server list. The server count must be a power of two no larger than
// the leaf count (enforced by config validation).
func NewPositionMap(height int, servers []string) *PositionMap {
	return &PositionMap{
		pos:                make(map[uint64]uint64),
		servers:            servers,
		height:             height,
		leavesPerPartition: oram.NumLeaves(height) / uint64(len(servers)),
	}
}

// Get returns the leaf the block is mapped to. The second return is false
// for a block that has never been written.
func (m *PositionMap) Get(blockID uint64) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	leaf, ok := m.pos[blockID]
	return leaf, ok
}

// Set remaps the block to the given leaf.
func (m *PositionMap) Set(blockID, leaf uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos[blockID] = leaf
}

// NumLeaves returns the leaf count of the deployment tree.
func (m *PositionMap) NumLeaves() uint64 {
	return oram.NumLeaves(m.height)
}

// PartitionOf returns the index of the server partition owning the leaf.
func (m *PositionMap) PartitionOf(leaf uint64) int {
	return int(leaf / m.leavesPerPartition)
}

// ServerOf returns the address of the server owning the leaf.
func (m *PositionMap) ServerOf(leaf uint64) string {
	return m.servers[m.PartitionOf(leaf)]
}

// RelativeLeaf converts an absolute leaf id to the 0-based index the
// owning server addresses it by.
func (m *PositionMap) RelativeLeaf(leaf uint64) uint64 {
	return leaf % m.leavesPerPartition
}

// AbsoluteLeaf converts a partition-relative leaf back to its absolute
// id.
func (m *PositionMap) AbsoluteLeaf(partition int, relative uint64) uint64 {
	return uint64(partition)*m.leavesPerPartition + relative
}
