package oram

// Path is the sequence of buckets from the root to one leaf, root first.
// Leaf is the absolute leaf id of the full deployment tree.
type Path struct {
	Leaf    uint64
	Buckets []*Bucket
}

// NewEmptyPath creates a path of height+1 empty buckets to the given leaf.
func NewEmptyPath(leaf uint64, height, z, blockSize int) *Path {
	buckets := make([]*Bucket, height+1)
	for i := range buckets {
		buckets[i] = NewBucket(z, blockSize)
	}
	return &Path{Leaf: leaf, Buckets: buckets}
}

// Height returns the level of the path's deepest bucket.
func (p *Path) Height() int {
	return len(p.Buckets) - 1
}

// Lock acquires every bucket lock on the path from the root down. All
// flushers lock top-down, which keeps overlapping path locks deadlock
// free.
func (p *Path) Lock() {
	for _, bkt := range p.Buckets {
		bkt.mu.Lock()
	}
}

// Unlock releases the bucket locks taken by Lock.
func (p *Path) Unlock() {
	for i := len(p.Buckets) - 1; i >= 0; i-- {
		p.Buckets[i].mu.Unlock()
	}
}

// Blocks returns every real block currently held on the path. Requires
// the path locks to be held.
func (p *Path) Blocks() []*Block {
	var out []*Block
	for _, bkt := range p.Buckets {
		out = append(out, bkt.blocksLocked()...)
	}
	return out
}

// BlocksAt returns the real blocks in the bucket at the given level.
// Requires the path locks to be held.
func (p *Path) BlocksAt(level int) []*Block {
	return p.Buckets[level].blocksLocked()
}

// ClearBuckets empties every bucket on the path and stamps them with the
// write-back counter. The stamp matters even for buckets that stay empty:
// it keeps a cleared-but-not-yet-shipped bucket from being pruned, which
// would let a later fetch resurrect the server's stale copy of it.
// Requires the path locks to be held.
func (p *Path) ClearBuckets(counter uint64) {
	for _, bkt := range p.Buckets {
		bkt.clearLocked()
		bkt.lastTouched.Store(counter)
	}
}

// Place tries to add the block to the bucket at the given level, stamping
// it with the write-back counter. Requires the path locks to be held.
func (p *Path) Place(level int, b *Block, counter uint64) bool {
	return p.Buckets[level].tryAddLocked(b, counter)
}
