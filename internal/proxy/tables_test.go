package proxy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestTableCoalescing(t *testing.T) {
	rt := newRequestTable()

	a := &ClientRequest{RequestID: 1, BlockID: 7}
	b := &ClientRequest{RequestID: 2, BlockID: 7}
	c := &ClientRequest{RequestID: 3, BlockID: 8}

	assert.True(t, rt.Append(a))
	assert.False(t, rt.Append(b))
	assert.True(t, rt.Append(c), "a different block gets its own real read")

	assert.Equal(t, 2, rt.Pending(7))
}

func TestRequestTableExactlyOneFirstUnderConcurrency(t *testing.T) {
	rt := newRequestTable()

	const goroutines = 32
	var wg sync.WaitGroup
	firsts := make(chan bool, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			firsts <- rt.Append(&ClientRequest{RequestID: uint64(i), BlockID: 9})
		}(i)
	}
	wg.Wait()
	close(firsts)

	real := 0
	for first := range firsts {
		if first {
			real++
		}
	}
	assert.Equal(t, 1, real)
}

func TestRequestTablePopFrontFIFO(t *testing.T) {
	rt := newRequestTable()
	a := &ClientRequest{RequestID: 1, BlockID: 7}
	b := &ClientRequest{RequestID: 2, BlockID: 7}
	rt.Append(a)
	rt.Append(b)

	assert.Same(t, a, rt.PopFront(7))
	assert.Same(t, b, rt.PopFront(7))
	assert.Nil(t, rt.PopFront(7))
}

func TestRequestTablePrune(t *testing.T) {
	rt := newRequestTable()
	rt.Append(&ClientRequest{RequestID: 1, BlockID: 7})
	rt.Append(&ClientRequest{RequestID: 2, BlockID: 8})
	rt.PopFront(7)

	// Block 7's list is empty but the entry lingers until pruned.
	assert.Equal(t, 2, rt.Len())
	rt.Prune()
	assert.Equal(t, 1, rt.Len())

	// A drained-then-pruned block coalesces from scratch.
	assert.True(t, rt.Append(&ClientRequest{RequestID: 3, BlockID: 7}))
}

func TestResponseMapRealReadLandsFirst(t *testing.T) {
	rm := newResponseMap()
	req := &ClientRequest{RequestID: 1, BlockID: 7}
	rm.Register(req)

	// The real read locates the data before this request's own fetch
	// returns: nothing to deliver yet.
	_, deliver := rm.SetData(req, []byte{1, 2, 3, 4})
	assert.False(t, deliver)

	// When the fetch returns, the held data is released.
	data, deliver := rm.SetReturned(req)
	require.True(t, deliver)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
	assert.Equal(t, 0, rm.Len())
}

func TestResponseMapFetchReturnsFirst(t *testing.T) {
	rm := newResponseMap()
	req := &ClientRequest{RequestID: 1, BlockID: 7}
	rm.Register(req)

	_, deliver := rm.SetReturned(req)
	assert.False(t, deliver)

	data, deliver := rm.SetData(req, []byte{9, 9, 9, 9})
	require.True(t, deliver)
	assert.Equal(t, []byte{9, 9, 9, 9}, data)
	assert.Equal(t, 0, rm.Len())
}

func TestResponseMapUnknownRequest(t *testing.T) {
	rm := newResponseMap()
	req := &ClientRequest{RequestID: 1}
	_, deliver := rm.SetReturned(req)
	assert.False(t, deliver)
	_, deliver = rm.SetData(req, nil)
	assert.False(t, deliver)
}

func TestLeafMultisetCounts(t *testing.T) {
	ms := newLeafMultiset()

	ms.Add(3)
	ms.Add(3)
	ms.Add(5)
	assert.Equal(t, 2, ms.Count(3))

	snapshot := ms.DistinctLeaves()
	assert.Len(t, snapshot, 2)

	ms.Remove(3)
	assert.Equal(t, 1, ms.Count(3), "two concurrent fetches of one leaf are counted twice")

	// The earlier snapshot is unaffected by later mutation.
	ms.Remove(3)
	ms.Remove(5)
	assert.Len(t, snapshot, 2)
	assert.Equal(t, 0, ms.Count(3))
	assert.Empty(t, ms.DistinctLeaves())
}
