package oram

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumLeavesAndTreeSize(t *testing.T) {
	assert.Equal(t, uint64(8), NumLeaves(3))
	assert.Equal(t, uint64(15), TreeSize(3))
	assert.Equal(t, uint64(2), NumLeaves(1))
	assert.Equal(t, uint64(3), TreeSize(1))
}

func TestNodeIndex(t *testing.T) {
	// Height 3: root is 0, leaves occupy 7..14.
	assert.Equal(t, uint64(0), NodeIndex(5, 0, 3))
	assert.Equal(t, uint64(7), NodeIndex(0, 3, 3))
	assert.Equal(t, uint64(14), NodeIndex(7, 3, 3))

	// Leaf 5 = 0b101: root, right child, its left child, then the leaf.
	assert.Equal(t, uint64(2), NodeIndex(5, 1, 3))
	assert.Equal(t, uint64(5), NodeIndex(5, 2, 3))
	assert.Equal(t, uint64(12), NodeIndex(5, 3, 3))
}

func TestPathIndices(t *testing.T) {
	idx := PathIndices(5, 3)
	assert.Equal(t, []uint64{0, 2, 5, 12}, idx)

	// Consecutive levels must be parent and child.
	for level := 1; level < len(idx); level++ {
		assert.Equal(t, idx[level-1], (idx[level]-1)/2)
	}
}

func TestGreatestCommonLevel(t *testing.T) {
	// Same leaf shares the whole path.
	assert.Equal(t, 3, GreatestCommonLevel(5, 5, 3))

	// Sibling leaves share everything but the leaf level.
	assert.Equal(t, 2, GreatestCommonLevel(0, 1, 3))
	assert.Equal(t, 2, GreatestCommonLevel(6, 7, 3))

	// Opposite halves of the tree share only the root.
	assert.Equal(t, 0, GreatestCommonLevel(0, 4, 3))
	assert.Equal(t, 0, GreatestCommonLevel(3, 7, 3))

	assert.Equal(t, 1, GreatestCommonLevel(0, 2, 3))
}

func TestGreatestCommonLevelMatchesSharedPrefix(t *testing.T) {
	const height = 4
	for p := uint64(0); p < NumLeaves(height); p++ {
		for q := uint64(0); q < NumLeaves(height); q++ {
			gcl := GreatestCommonLevel(p, q, height)
			pPath := PathIndices(p, height)
			qPath := PathIndices(q, height)
			for level := 0; level <= height; level++ {
				if level <= gcl {
					assert.Equal(t, pPath[level], qPath[level])
				} else {
					assert.NotEqual(t, pPath[level], qPath[level])
				}
			}
		}
	}
}
