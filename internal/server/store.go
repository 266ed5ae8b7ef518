// Package server implements the dumb bucket store: a BadgerDB-backed
// tree of encrypted buckets addressed by relative leaf, behind the framed
// proxy↔server protocol. The server never sees a key; every bucket it
// holds is ciphertext the proxy produced.
package server

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/veildb/veil/internal/crypto"
	"github.com/veildb/veil/pkg/oram"
)

var log *logrus.Logger

// StoreConfig configures one bucket store.
type StoreConfig struct {
	Path       string
	TreeHeight int
	BucketSize int
	BlockSize  int
	Logger     *logrus.Logger
}

// BucketStore persists the encrypted buckets of this partition's tree.
// Keys are the heap index of the bucket in the height-H tree over the
// partition's relative leaves.
type BucketStore struct {
	config        StoreConfig
	badgerDB      *badger.DB
	encBucketSize int
	readCounter   uint64
	writeCounter  uint64
}

// NewBucketStore opens (or creates) the store at config.Path.
func NewBucketStore(config StoreConfig) (*BucketStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log = config.Logger

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open bucket store at %s: %w", config.Path, err)
	}

	return &BucketStore{
		config:        config,
		badgerDB:      db,
		encBucketSize: crypto.EncryptedBucketSize(config.BucketSize, config.BlockSize),
	}, nil
}

// PathBytesSize returns the byte length of one stored path: H+1 encrypted
// buckets.
func (s *BucketStore) PathBytesSize() int {
	return (s.config.TreeHeight + 1) * s.encBucketSize
}

func bucketKey(node uint64) []byte {
	key := make([]byte, 9)
	key[0] = 'b'
	binary.BigEndian.PutUint64(key[1:], node)
	return key
}

// ReadPath returns the concatenated encrypted buckets on the path to the
// relative leaf, root first. Every bucket must have been written before
// (the proxy seeds the tree on first deployment).
func (s *BucketStore) ReadPath(relativeLeaf uint64) ([]byte, error) {
	atomic.AddUint64(&s.readCounter, 1)

	if relativeLeaf >= oram.NumLeaves(s.config.TreeHeight) {
		return nil, fmt.Errorf("relative leaf %d out of range", relativeLeaf)
	}

	out := make([]byte, 0, s.PathBytesSize())
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		for _, node := range oram.PathIndices(relativeLeaf, s.config.TreeHeight) {
			item, err := txn.Get(bucketKey(node))
			if err != nil {
				return fmt.Errorf("bucket %d: %w", node, err)
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("bucket %d: %w", node, err)
			}
			out = append(out, value...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read path to leaf %d: %w", relativeLeaf, err)
	}
	return out, nil
}

// WritePaths stores a batch of encrypted path blobs, each prefixed with
// its relative leaf id, replacing every bucket on every path in one
// write batch.
func (s *BucketStore) WritePaths(pathSize int, blob []byte) error {
	if pathSize != 8+s.PathBytesSize() {
		return fmt.Errorf("path blob size %d does not match geometry (want %d)", pathSize, 8+s.PathBytesSize())
	}
	if len(blob)%pathSize != 0 {
		return fmt.Errorf("batch length %d is not a multiple of path size %d", len(blob), pathSize)
	}

	wb := s.badgerDB.NewWriteBatch()
	defer wb.Cancel()

	for off := 0; off < len(blob); off += pathSize {
		relativeLeaf, buckets, err := crypto.SplitWritePath(blob[off : off+pathSize])
		if err != nil {
			return err
		}
		if relativeLeaf >= oram.NumLeaves(s.config.TreeHeight) {
			return fmt.Errorf("relative leaf %d out of range", relativeLeaf)
		}
		for level, node := range oram.PathIndices(relativeLeaf, s.config.TreeHeight) {
			atomic.AddUint64(&s.writeCounter, 1)
			ciphertext := make([]byte, s.encBucketSize)
			copy(ciphertext, buckets[level*s.encBucketSize:(level+1)*s.encBucketSize])
			if err := wb.Set(bucketKey(node), ciphertext); err != nil {
				return fmt.Errorf("stage bucket %d: %w", node, err)
			}
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("commit path batch: %w", err)
	}
	return nil
}

// Counters returns the lifetime read and write bucket operations.
func (s *BucketStore) Counters() (reads, writes uint64) {
	return atomic.LoadUint64(&s.readCounter), atomic.LoadUint64(&s.writeCounter)
}

// Close syncs and closes the underlying database.
func (s *BucketStore) Close() error {
	if err := s.badgerDB.Sync(); err != nil {
		log.Warnf("sync bucket store: %v", err)
	}
	return s.badgerDB.Close()
}
