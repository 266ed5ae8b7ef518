package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veildb/veil/pkg/oram"
)

func TestStashAddFindRemove(t *testing.T) {
	s := NewStash(8)

	s.Add(oram.NewBlock(1, []byte{1, 1, 1, 1}))
	s.Add(oram.NewBlock(2, []byte{2, 2, 2, 2}))
	assert.Equal(t, 2, s.Len())

	b, ok := s.Find(1)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 1, 1, 1}, b.Data)

	s.Remove(1)
	_, ok = s.Find(1)
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestStashAddReplacesSameID(t *testing.T) {
	s := NewStash(8)
	s.Add(oram.NewBlock(1, []byte{1, 1, 1, 1}))
	s.Add(oram.NewBlock(1, []byte{9, 9, 9, 9}))
	assert.Equal(t, 1, s.Len())

	b, _ := s.Find(1)
	assert.Equal(t, []byte{9, 9, 9, 9}, b.Data)
}

func TestStashSnapshot(t *testing.T) {
	s := NewStash(8)
	s.Add(oram.NewBlock(1, []byte{1, 1, 1, 1}))
	s.Add(oram.NewBlock(2, []byte{2, 2, 2, 2}))

	snap := s.Snapshot()
	assert.Len(t, snap, 2)

	// Mutating the stash afterwards does not change the snapshot length.
	s.Remove(1)
	assert.Len(t, snap, 2)
}

func TestStashOverflowAccounting(t *testing.T) {
	s := NewStash(2)
	assert.Equal(t, uint64(0), s.Overflows())
	s.RecordOverflow()
	s.RecordOverflow()
	assert.Equal(t, uint64(2), s.Overflows())
	assert.Equal(t, 2, s.Capacity())
}
