// Package crypto encrypts and decrypts ORAM paths with AES-256-GCM and
// draws leaves from the system CSPRNG. Every bucket is encrypted
// independently under a fresh nonce, so a rewritten path is
// indistinguishable on the wire from fresh random bytes.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/veildb/veil/pkg/oram"
)

const (
	// KeySize is the AES-256 key length.
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// ErrAuthentication is returned when a bucket fails GCM authentication.
// A path that does not authenticate means the storage server returned
// bytes the proxy never wrote; callers treat this as fatal.
var ErrAuthentication = errors.New("path authentication failed")

// PathCipher seals and opens buckets and paths for one deployment
// geometry.
type PathCipher struct {
	aead      cipher.AEAD
	height    int
	z         int
	blockSize int
}

// NewPathCipher creates a cipher for the given 32-byte key and tree
// geometry.
func NewPathCipher(key []byte, height, z, blockSize int) (*PathCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key is %d bytes, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &PathCipher{aead: aead, height: height, z: z, blockSize: blockSize}, nil
}

// EncryptedBucketSize returns the wire size of one encrypted bucket for
// the given geometry: nonce, ciphertext and authentication tag. The
// storage server uses this without holding the key.
func EncryptedBucketSize(z, blockSize int) int {
	return nonceSize + oram.BucketBinarySize(z, blockSize) + tagSize
}

// EncryptedBucketSize returns the wire size of one encrypted bucket.
func (c *PathCipher) EncryptedBucketSize() int {
	return EncryptedBucketSize(c.z, c.blockSize)
}

// EncryptedPathSize returns the wire size of one encrypted path blob: the
// relative leaf id in the clear followed by height+1 encrypted buckets.
func (c *PathCipher) EncryptedPathSize() int {
	return 8 + (c.height+1)*c.EncryptedBucketSize()
}

// EncryptBucket seals one bucket under a fresh nonce.
func (c *PathCipher) EncryptBucket(bkt *oram.Bucket) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("draw nonce: %w", err)
	}
	plaintext := bkt.Serialize()
	out := make([]byte, 0, c.EncryptedBucketSize())
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, nil), nil
}

// DecryptBucket opens one encrypted bucket.
func (c *PathCipher) DecryptBucket(data []byte) (*oram.Bucket, error) {
	if len(data) != c.EncryptedBucketSize() {
		return nil, fmt.Errorf("encrypted bucket is %d bytes, want %d: %w",
			len(data), c.EncryptedBucketSize(), ErrAuthentication)
	}
	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", ErrAuthentication)
	}
	return oram.DeserializeBucket(plaintext, c.z, c.blockSize)
}

// EncryptPath seals every bucket of the path, root first, prefixed with
// the relative leaf id the owning server addresses the path by.
func (c *PathCipher) EncryptPath(p *oram.Path, relativeLeaf uint64) ([]byte, error) {
	out := make([]byte, 8, c.EncryptedPathSize())
	binary.BigEndian.PutUint64(out[:8], relativeLeaf)
	for _, bkt := range p.Buckets {
		enc, err := c.EncryptBucket(bkt)
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	return out, nil
}

// DecryptPath opens the height+1 encrypted buckets of a server read
// response and stamps the result with the absolute leaf id.
func (c *PathCipher) DecryptPath(pathBytes []byte, absoluteLeaf uint64) (*oram.Path, error) {
	bucketSize := c.EncryptedBucketSize()
	if len(pathBytes) != (c.height+1)*bucketSize {
		return nil, fmt.Errorf("encrypted path is %d bytes, want %d: %w",
			len(pathBytes), (c.height+1)*bucketSize, ErrAuthentication)
	}
	p := &oram.Path{Leaf: absoluteLeaf, Buckets: make([]*oram.Bucket, c.height+1)}
	for level := 0; level <= c.height; level++ {
		bkt, err := c.DecryptBucket(pathBytes[level*bucketSize : (level+1)*bucketSize])
		if err != nil {
			return nil, fmt.Errorf("bucket at level %d: %w", level, err)
		}
		p.Buckets[level] = bkt
	}
	return p, nil
}

// SplitWritePath separates the clear relative leaf prefix of a write blob
// from its encrypted buckets.
func SplitWritePath(blob []byte) (relativeLeaf uint64, buckets []byte, err error) {
	if len(blob) < 8 {
		return 0, nil, fmt.Errorf("path blob too short")
	}
	return binary.BigEndian.Uint64(blob[:8]), blob[8:], nil
}

// RandomLeaf draws a uniformly random leaf id in [0, numLeaves) from the
// system CSPRNG. Uniformity of the remap is what hides the access
// pattern, so a weak source here is a correctness bug, not a performance
// knob.
func RandomLeaf(numLeaves uint64) uint64 {
	n, err := rand.Int(rand.Reader, new(big.Int).SetUint64(numLeaves))
	if err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return n.Uint64()
}

// NewKey draws a fresh AES-256 key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("draw key: %w", err)
	}
	return key, nil
}
