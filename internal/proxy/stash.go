package proxy

import (
	"sync"
	"sync/atomic"

	"github.com/veildb/veil/pkg/oram"
)

// Stash holds the real blocks that could not be placed on a path during
// eviction. It is bounded by the configured capacity only in the
// accounting sense: exceeding it raises the overflow counter, it never
// drops blocks.
type Stash struct {
	mu        sync.RWMutex
	blocks    map[uint64]*oram.Block
	capacity  int
	overflows atomic.Uint64
}

// NewStash creates a stash with the given capacity.
func NewStash(capacity int) *Stash {
	return &Stash{
		blocks:   make(map[uint64]*oram.Block),
		capacity: capacity,
	}
}

// Add inserts the block, replacing any previous block with the same id.
func (s *Stash) Add(b *oram.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.ID] = b
}

// Remove deletes the block with the given id, if present.
func (s *Stash) Remove(blockID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, blockID)
}

// Find returns the stashed block with the given id.
func (s *Stash) Find(blockID uint64) (*oram.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[blockID]
	return b, ok
}

// Snapshot returns the current stash contents. The blocks themselves are
// shared, not copied; the flush that consumes the snapshot owns every
// block move it performs.
func (s *Stash) Snapshot() []*oram.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*oram.Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	return out
}

// Len returns the number of stashed blocks.
func (s *Stash) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// Capacity returns the configured bound.
func (s *Stash) Capacity() int {
	return s.capacity
}

// RecordOverflow counts one overflow event.
func (s *Stash) RecordOverflow() {
	s.overflows.Add(1)
}

// Overflows returns the number of overflow events since start.
func (s *Stash) Overflows() uint64 {
	return s.overflows.Load()
}
