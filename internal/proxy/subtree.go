package proxy

import (
	"fmt"
	"sync"

	"github.com/veildb/veil/pkg/oram"
)

// Subtree is the sparse in-memory image of the ORAM forest: one
// height-H tree per server partition, keyed by partition and in-tree node
// index so that the replicated top levels of different partitions are
// never aliased. It also maintains the block-id → bucket back-index.
//
// Lock order: the subtree mutex is a leaf lock. It is legal to take it
// while holding bucket locks (the flush does), so nothing here ever
// acquires a bucket lock while holding it.
type Subtree struct {
	mu         sync.RWMutex
	buckets    map[uint64]*oram.Bucket
	blockIndex map[uint64]*oram.Bucket

	height             int
	stride             uint64
	leavesPerPartition uint64
}

// NewSubtree creates an empty subtree cache for the given tree height and
// server count.
func NewSubtree(height, numServers int) *Subtree {
	return &Subtree{
		buckets:            make(map[uint64]*oram.Bucket),
		blockIndex:         make(map[uint64]*oram.Bucket),
		height:             height,
		stride:             oram.TreeSize(height),
		leavesPerPartition: oram.NumLeaves(height) / uint64(numServers),
	}
}

// bucketKey maps (absolute leaf, level) to the cache key of the bucket at
// that level on the leaf's path.
func (t *Subtree) bucketKey(leaf uint64, level int) uint64 {
	partition := leaf / t.leavesPerPartition
	relative := leaf % t.leavesPerPartition
	return partition*t.stride + oram.NodeIndex(relative, level, t.height)
}

// samePartition reports whether two absolute leaves live on the same
// server.
func (t *Subtree) samePartition(p, q uint64) bool {
	return p/t.leavesPerPartition == q/t.leavesPerPartition
}

// AddPath merges a freshly decrypted path into the cache. Levels already
// resident keep the resident bucket (it may carry writes the server has
// not seen yet); incoming buckets for non-resident levels are installed
// together with their back-index entries.
func (t *Subtree) AddPath(p *oram.Path) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for level, bkt := range p.Buckets {
		key := t.bucketKey(p.Leaf, level)
		if _, resident := t.buckets[key]; resident {
			continue
		}
		t.buckets[key] = bkt
		for _, b := range bkt.Blocks() {
			t.blockIndex[b.ID] = bkt
		}
	}
}

// GetPath returns the resident path to the leaf, sharing the cached
// bucket pointers. It fails when any level is missing.
func (t *Subtree) GetPath(leaf uint64) (*oram.Path, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p := &oram.Path{Leaf: leaf, Buckets: make([]*oram.Bucket, t.height+1)}
	for level := 0; level <= t.height; level++ {
		bkt, ok := t.buckets[t.bucketKey(leaf, level)]
		if !ok {
			return nil, fmt.Errorf("path to leaf %d not resident at level %d", leaf, level)
		}
		p.Buckets[level] = bkt
	}
	return p, nil
}

// PathResident reports whether the given path still backs the cache,
// bucket for bucket. A flush checks this after taking the path locks to
// detect a prune that slipped in between lookup and lock.
func (t *Subtree) PathResident(p *oram.Path) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for level, bkt := range p.Buckets {
		if t.buckets[t.bucketKey(p.Leaf, level)] != bkt {
			return false
		}
	}
	return true
}

// BucketWithBlock returns the bucket the back-index maps the block to.
func (t *Subtree) BucketWithBlock(blockID uint64) (*oram.Bucket, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bkt, ok := t.blockIndex[blockID]
	return bkt, ok
}

// MapBlockToBucket points the back-index at the bucket a flush just
// placed the block in.
func (t *Subtree) MapBlockToBucket(blockID uint64, bkt *oram.Bucket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blockIndex[blockID] = bkt
}

// UnmapBlock removes the back-index entry for the block if it still
// points at the expected bucket.
func (t *Subtree) UnmapBlock(blockID uint64, expect *oram.Bucket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.blockIndex[blockID] == expect {
		delete(t.blockIndex, blockID)
	}
}

// DeleteNodes prunes the path to the leaf after a successful write-back.
// Walking from the leaf toward the root, a bucket is removed when its
// last placement is no newer than the write-back timestamp and no leaf in
// protected traverses it; the walk stops at the first bucket that fails
// either test so that prefix closure is preserved. Returns the number of
// buckets removed.
func (t *Subtree) DeleteNodes(leaf, cutoff uint64, protected map[uint64]struct{}) int {
	// Snapshot the resident buckets and their block ids without holding
	// the subtree lock across bucket locks.
	refs := make([]*oram.Bucket, t.height+1)
	t.mu.RLock()
	for level := 0; level <= t.height; level++ {
		refs[level] = t.buckets[t.bucketKey(leaf, level)]
	}
	t.mu.RUnlock()

	ids := make([][]uint64, t.height+1)
	for level, bkt := range refs {
		if bkt == nil {
			continue
		}
		for _, b := range bkt.Blocks() {
			ids[level] = append(ids[level], b.ID)
		}
	}

	removed := 0
	t.mu.Lock()
	defer t.mu.Unlock()
	for level := t.height; level >= 0; level-- {
		bkt := refs[level]
		if bkt == nil {
			continue
		}
		key := t.bucketKey(leaf, level)
		if t.buckets[key] != bkt {
			// Replaced since the snapshot; a concurrent fetch owns it now.
			break
		}
		if bkt.LastTouched() > cutoff {
			break
		}
		if t.pathProtected(leaf, level, protected) {
			break
		}
		delete(t.buckets, key)
		for _, id := range ids[level] {
			if t.blockIndex[id] == bkt {
				delete(t.blockIndex, id)
			}
		}
		removed++
	}
	return removed
}

// pathProtected reports whether any protected leaf's path traverses the
// bucket at the given level on the leaf's path.
func (t *Subtree) pathProtected(leaf uint64, level int, protected map[uint64]struct{}) bool {
	for q := range protected {
		if !t.samePartition(leaf, q) {
			continue
		}
		if oram.GreatestCommonLevel(leaf, q, t.height) >= level {
			return true
		}
	}
	return false
}

// Len returns the number of resident buckets.
func (t *Subtree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets)
}

// BlockCount returns the number of indexed blocks.
func (t *Subtree) BlockCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.blockIndex)
}
