package proxy

import "sync"

// requestTable coalesces concurrent requests for the same block: the
// first pending request for a block id triggers the real read, everyone
// appended behind it piggybacks with a fake read. Entries for drained
// blocks linger as empty lists until the write-back prunes them; the
// Java-era reader/writer split survives as read-locked lookups versus the
// exclusive prune, while list mutations are serialized outright (the
// source mutated under its read lock and got away with it, Go's race
// rules do not).
type requestTable struct {
	mu sync.RWMutex
	m  map[uint64][]*ClientRequest
}

func newRequestTable() *requestTable {
	return &requestTable{m: make(map[uint64][]*ClientRequest)}
}

// Append registers the request and reports whether it is the first
// pending request for its block (and therefore the real read). The check
// and the append are one critical section, so exactly one of any set of
// concurrent requests for a block observes first == true.
func (rt *requestTable) Append(req *ClientRequest) (first bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	list := rt.m[req.BlockID]
	first = len(list) == 0
	rt.m[req.BlockID] = append(list, req)
	return first
}

// PopFront removes and returns the oldest pending request for the block.
func (rt *requestTable) PopFront(blockID uint64) *ClientRequest {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	list := rt.m[blockID]
	if len(list) == 0 {
		return nil
	}
	rt.m[blockID] = list[1:]
	return list[0]
}

// Pending returns the number of queued requests for the block.
func (rt *requestTable) Pending(blockID uint64) int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.m[blockID])
}

// Prune drops the empty lists left behind by drained blocks. Only the
// write-back calls this.
func (rt *requestTable) Prune() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for blockID, list := range rt.m {
		if len(list) == 0 {
			delete(rt.m, blockID)
		}
	}
}

// Len returns the number of block entries, including empty ones.
func (rt *requestTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.m)
}

// responseMap resolves the race between a request's own path fetch
// returning and the block data being located by the real read: whichever
// side finishes second delivers to the sequencer. Both transitions happen
// under one lock, which is the fix for the check-then-act race the
// original left open.
type responseMap struct {
	mu sync.Mutex
	m  map[*ClientRequest]*responseEntry
}

type responseEntry struct {
	returned bool
	hasData  bool
	data     []byte
}

func newResponseMap() *responseMap {
	return &responseMap{m: make(map[*ClientRequest]*responseEntry)}
}

// Register creates the entry for a request entering the read path.
func (rm *responseMap) Register(req *ClientRequest) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.m[req] = &responseEntry{}
}

// SetReturned marks the request's path fetch as complete. When the data
// is already present the entry is consumed and (data, true) is returned:
// the caller must deliver.
func (rm *responseMap) SetReturned(req *ClientRequest) ([]byte, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	e, ok := rm.m[req]
	if !ok {
		return nil, false
	}
	e.returned = true
	if e.hasData {
		delete(rm.m, req)
		return e.data, true
	}
	return nil, false
}

// SetData stores the located block data for the request. When the
// request's own fetch has already returned the entry is consumed and
// (data, true) is returned: the caller must deliver.
func (rm *responseMap) SetData(req *ClientRequest, data []byte) ([]byte, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	e, ok := rm.m[req]
	if !ok {
		return nil, false
	}
	e.hasData = true
	e.data = data
	if e.returned {
		delete(rm.m, req)
		return data, true
	}
	return nil, false
}

// Len returns the number of unresolved requests.
func (rm *responseMap) Len() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.m)
}

// leafMultiset counts outstanding path fetches per leaf. Two concurrent
// fetches of the same leaf must both be counted, which is why this is a
// multiset and not a set.
type leafMultiset struct {
	mu     sync.Mutex
	counts map[uint64]int
}

func newLeafMultiset() *leafMultiset {
	return &leafMultiset{counts: make(map[uint64]int)}
}

// Add counts one outstanding fetch of the leaf.
func (ms *leafMultiset) Add(leaf uint64) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.counts[leaf]++
}

// Remove discounts one outstanding fetch of the leaf.
func (ms *leafMultiset) Remove(leaf uint64) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.counts[leaf] <= 1 {
		delete(ms.counts, leaf)
		return
	}
	ms.counts[leaf]--
}

// DistinctLeaves returns an atomic snapshot of the leaves with at least
// one outstanding fetch. The pruner must work from a snapshot, not a live
// iterator.
func (ms *leafMultiset) DistinctLeaves() map[uint64]struct{} {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make(map[uint64]struct{}, len(ms.counts))
	for leaf := range ms.counts {
		out[leaf] = struct{}{}
	}
	return out
}

// Count returns the outstanding fetches of the leaf.
func (ms *leafMultiset) Count(leaf uint64) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.counts[leaf]
}
