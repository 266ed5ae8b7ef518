package oram

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// Bucket is a fixed-capacity node of the ORAM tree and the unit of server
// I/O. lastTouched carries the value of the write-back counter at the time
// a flush last placed a block in the bucket; it is atomic so the subtree
// pruner can consult it without taking the bucket lock.
//
// The exported methods lock the bucket individually. A flush that needs a
// whole path to mutate atomically locks every bucket through Path.Lock and
// then uses the Path-level operations, which assume the locks are held.
type Bucket struct {
	mu          sync.Mutex
	slots       []*Block
	lastTouched atomic.Uint64
	blockSize   int
}

// NewBucket creates an empty bucket with z slots for blocks of blockSize
// bytes.
func NewBucket(z, blockSize int) *Bucket {
	return &Bucket{
		slots:     make([]*Block, z),
		blockSize: blockSize,
	}
}

// Capacity returns the number of slots.
func (bkt *Bucket) Capacity() int {
	return len(bkt.slots)
}

// LastTouched returns the write-back counter value of the last placement.
func (bkt *Bucket) LastTouched() uint64 {
	return bkt.lastTouched.Load()
}

// TryAdd places the block in the first free slot and stamps the bucket
// with the given write-back counter value. It returns false when the
// bucket is full.
func (bkt *Bucket) TryAdd(b *Block, counter uint64) bool {
	bkt.mu.Lock()
	defer bkt.mu.Unlock()
	return bkt.tryAddLocked(b, counter)
}

func (bkt *Bucket) tryAddLocked(b *Block, counter uint64) bool {
	for i, s := range bkt.slots {
		if s == nil {
			bkt.slots[i] = b
			bkt.lastTouched.Store(counter)
			return true
		}
	}
	return false
}

// Clear removes every block from the bucket.
func (bkt *Bucket) Clear() {
	bkt.mu.Lock()
	defer bkt.mu.Unlock()
	bkt.clearLocked()
}

func (bkt *Bucket) clearLocked() {
	for i := range bkt.slots {
		bkt.slots[i] = nil
	}
}

// Blocks returns the real blocks currently held by the bucket.
func (bkt *Bucket) Blocks() []*Block {
	bkt.mu.Lock()
	defer bkt.mu.Unlock()
	return bkt.blocksLocked()
}

func (bkt *Bucket) blocksLocked() []*Block {
	var out []*Block
	for _, s := range bkt.slots {
		if s != nil && !s.IsDummy() {
			out = append(out, s)
		}
	}
	return out
}

// Read returns a copy of the payload of the block with the given id.
func (bkt *Bucket) Read(blockID uint64) ([]byte, bool) {
	bkt.mu.Lock()
	defer bkt.mu.Unlock()
	for _, s := range bkt.slots {
		if s != nil && s.ID == blockID {
			d := make([]byte, len(s.Data))
			copy(d, s.Data)
			return d, true
		}
	}
	return nil, false
}

// Modify overwrites the payload of the block with the given id in place.
func (bkt *Bucket) Modify(blockID uint64, data []byte) bool {
	bkt.mu.Lock()
	defer bkt.mu.Unlock()
	for _, s := range bkt.slots {
		if s != nil && s.ID == blockID {
			copy(s.Data, data)
			return true
		}
	}
	return false
}

// Contains reports whether the bucket currently holds the block.
func (bkt *Bucket) Contains(blockID uint64) bool {
	bkt.mu.Lock()
	defer bkt.mu.Unlock()
	for _, s := range bkt.slots {
		if s != nil && s.ID == blockID {
			return true
		}
	}
	return false
}

// BucketBinarySize returns the plaintext size of a serialized bucket:
// an 8-byte timestamp followed by z slots of 8-byte id plus payload.
func BucketBinarySize(z, blockSize int) int {
	return 8 + z*(8+blockSize)
}

// Serialize encodes the bucket as
// lastTouched u64 || z × (blockID u64 || data), big-endian, with empty
// slots written as the dummy sentinel and a zero payload.
func (bkt *Bucket) Serialize() []byte {
	bkt.mu.Lock()
	defer bkt.mu.Unlock()

	buf := make([]byte, BucketBinarySize(len(bkt.slots), bkt.blockSize))
	binary.BigEndian.PutUint64(buf[:8], bkt.lastTouched.Load())
	off := 8
	for _, s := range bkt.slots {
		if s == nil || s.IsDummy() {
			binary.BigEndian.PutUint64(buf[off:off+8], DummyBlockID)
		} else {
			binary.BigEndian.PutUint64(buf[off:off+8], s.ID)
			copy(buf[off+8:off+8+bkt.blockSize], s.Data)
		}
		off += 8 + bkt.blockSize
	}
	return buf
}

// DeserializeBucket decodes a bucket serialized by Serialize.
func DeserializeBucket(data []byte, z, blockSize int) (*Bucket, error) {
	want := BucketBinarySize(z, blockSize)
	if len(data) != want {
		return nil, fmt.Errorf("bucket plaintext is %d bytes, want %d", len(data), want)
	}

	bkt := NewBucket(z, blockSize)
	bkt.lastTouched.Store(binary.BigEndian.Uint64(data[:8]))
	off := 8
	for i := 0; i < z; i++ {
		id := binary.BigEndian.Uint64(data[off : off+8])
		if id != DummyBlockID {
			bkt.slots[i] = NewBlock(id, data[off+8:off+8+blockSize])
		}
		off += 8 + blockSize
	}
	return bkt, nil
}
