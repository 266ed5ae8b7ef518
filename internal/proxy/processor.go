package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/queues/arrayqueue"
	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/sirupsen/logrus"

	"github.com/veildb/veil/internal/crypto"
	"github.com/veildb/veil/internal/transport"
	"github.com/veildb/veil/pkg/messages"
	"github.com/veildb/veil/pkg/oram"
)

const (
	// blockLookupRetries bounds the re-read loop that chases a block a
	// concurrent flush is moving between the subtree and the stash.
	blockLookupRetries = 512

	// writeBackAttempts bounds the per-server retries of one write-back
	// batch before the batch is requeued for the next trigger.
	writeBackAttempts = 8
)

// ServerTransport is the one interface the processor consumes for server
// I/O. transport.Pool implements it; tests plug in an in-memory fake.
type ServerTransport interface {
	Exchange(ctx context.Context, addr string, msg transport.Message) (transport.Message, error)
}

// Processor orchestrates the oblivious read path: choosing real or fake
// leaves, fetching and decrypting paths, answering coalesced waiters,
// flushing blocks back down the just-read path and scheduling the batched
// write-back.
type Processor struct {
	log    *logrus.Logger
	cipher *crypto.PathCipher
	net    ServerTransport
	seq    *Sequencer

	height    int
	blockSize int
	threshold uint64

	posmap    *PositionMap
	stash     *Stash
	subtree   *Subtree
	requests  *requestTable
	responses *responseMap
	inflight  *leafMultiset

	writeQueueMu sync.Mutex
	writeQueue   *arrayqueue.Queue

	writeBackCounter atomic.Uint64
	nextWriteBack    atomic.Uint64
	writeBackMu      sync.Mutex
}

// ProcessorConfig wires a processor.
type ProcessorConfig struct {
	Log                *logrus.Logger
	Cipher             *crypto.PathCipher
	Transport          ServerTransport
	Sequencer          *Sequencer
	TreeHeight         int
	BlockSize          int
	WriteBackThreshold int
	StashCapacity      int
	Servers            []string
}

// NewProcessor creates a processor with empty state.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Log == nil {
		cfg.Log = logrus.New()
	}
	p := &Processor{
		log:        cfg.Log,
		cipher:     cfg.Cipher,
		net:        cfg.Transport,
		seq:        cfg.Sequencer,
		height:     cfg.TreeHeight,
		blockSize:  cfg.BlockSize,
		threshold:  uint64(cfg.WriteBackThreshold),
		posmap:     NewPositionMap(cfg.TreeHeight, cfg.Servers),
		stash:      NewStash(cfg.StashCapacity),
		subtree:    NewSubtree(cfg.TreeHeight, len(cfg.Servers)),
		requests:   newRequestTable(),
		responses:  newResponseMap(),
		inflight:   newLeafMultiset(),
		writeQueue: arrayqueue.New(),
	}
	p.nextWriteBack.Store(p.threshold)
	return p
}

// PositionMap exposes the authoritative block→leaf map.
func (p *Processor) PositionMap() *PositionMap { return p.posmap }

// Stash exposes the overflow store.
func (p *Processor) Stash() *Stash { return p.stash }

// Subtree exposes the cached tree image.
func (p *Processor) Subtree() *Subtree { return p.subtree }

// WriteBackCounter returns the logical clock of completed flushes.
func (p *Processor) WriteBackCounter() uint64 { return p.writeBackCounter.Load() }

// Serve runs one client request through its whole lifecycle. It is the
// worker-pool entry point.
func (p *Processor) Serve(ctx context.Context, req *ClientRequest) {
	leaf, fake := p.ReadPath(req)

	resp, err := p.fetchPath(ctx, leaf)
	if err != nil {
		// Only cancellation lands here; the fetch otherwise retries until
		// the deterministic owner answers. Unblock the sequencer head.
		p.inflight.Remove(leaf)
		p.log.WithFields(logrus.Fields{"leaf": leaf}).Errorf("path fetch abandoned: %v", err)
		p.seq.Deliver(req, make([]byte, p.blockSize))
		return
	}

	if !fake {
		// Pin the path until the flush lands so no prune can drop its
		// buckets between the in-place write and the flush re-stamping
		// them.
		p.inflight.Add(leaf)
	}

	if err := p.AnswerRequest(req, resp, leaf, fake); err != nil {
		if !fake {
			p.inflight.Remove(leaf)
		}
		if errors.Is(err, crypto.ErrAuthentication) {
			p.log.Fatalf("storage server %s returned an unauthenticated path: %v", p.posmap.ServerOf(leaf), err)
		}
		p.log.Errorf("answer request %d: %v", req.RequestID, err)
		return
	}

	if !fake {
		p.Flush(leaf)
		p.inflight.Remove(leaf)
		p.WriteBack(ctx)
	}
}

// ReadPath registers the request, decides between a real and a fake read
// and returns the leaf to fetch. The coalescing decision and the
// insertion into the request table are one atomic step, so exactly one of
// any set of concurrent requests for a block becomes the real read.
func (p *Processor) ReadPath(req *ClientRequest) (leaf uint64, fake bool) {
	p.responses.Register(req)

	first := p.requests.Append(req)
	if first {
		if mapped, ok := p.posmap.Get(req.BlockID); ok {
			leaf = mapped
		} else {
			// Never written: the fetch still happens, against a random
			// leaf, to keep this access indistinguishable.
			leaf = crypto.RandomLeaf(p.posmap.NumLeaves())
		}
	} else {
		leaf = crypto.RandomLeaf(p.posmap.NumLeaves())
	}

	p.inflight.Add(leaf)
	return leaf, !first
}

// fetchPath performs the PROXY_READ_REQUEST exchange with the leaf's
// owning server, retrying with backoff until it succeeds or the context
// ends. No locks are held here.
func (p *Processor) fetchPath(ctx context.Context, leaf uint64) (*messages.ServerReadResponse, error) {
	addr := p.posmap.ServerOf(leaf)
	payload, err := (&messages.ProxyReadRequest{RelativeLeaf: p.posmap.RelativeLeaf(leaf)}).Serialize()
	if err != nil {
		return nil, err
	}
	msg := transport.Message{Type: messages.TypeProxyReadRequest, Payload: payload}

	for attempt := 0; ; attempt++ {
		resp, err := p.net.Exchange(ctx, addr, msg)
		if err == nil {
			if resp.Type != messages.TypeServerReadResponse {
				err = fmt.Errorf("unexpected response type %d", resp.Type)
			} else {
				parsed, perr := messages.ParseServerReadResponse(resp.Payload)
				if perr == nil {
					return parsed, nil
				}
				err = perr
			}
		}
		p.log.WithFields(logrus.Fields{
			"server":  addr,
			"attempt": attempt,
		}).Warnf("path read failed: %v", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(transport.Backoff(attempt)):
		}
	}
}

// AnswerRequest merges the fetched path into the subtree and resolves the
// requests waiting on it. For the real read of a coalesced group it
// drains the waiters in FIFO order, applies writes, and remaps the block
// to a fresh random leaf.
func (p *Processor) AnswerRequest(req *ClientRequest, resp *messages.ServerReadResponse, leaf uint64, fake bool) error {
	defer p.inflight.Remove(leaf)

	path, err := p.cipher.DecryptPath(resp.PathBytes, leaf)
	if err != nil {
		return err
	}
	p.subtree.AddPath(path)

	if data, deliver := p.responses.SetReturned(req); deliver {
		// The real read landed first and already populated our data.
		p.seq.Deliver(req, data)
		return nil
	}

	if fake {
		// The eventual real read wakes the waiters, us included.
		return nil
	}

	_, elementExists := p.posmap.Get(req.BlockID)

	for {
		w := p.requests.PopFront(req.BlockID)
		if w == nil {
			break
		}

		var data []byte
		if elementExists {
			data, err = p.readBlock(req.BlockID)
			if err != nil {
				p.log.Errorf("locate block %d: %v", req.BlockID, err)
				data = make([]byte, p.blockSize)
			}
		} else {
			data = make([]byte, p.blockSize)
		}

		if w.Op == RequestWrite {
			if elementExists {
				p.writeBlock(req.BlockID, w.Data)
			} else {
				p.stash.Add(oram.NewBlock(req.BlockID, w.Data))
			}
			elementExists = true
		}

		if out, deliver := p.responses.SetData(w, data); deliver {
			p.seq.Deliver(w, out)
		}
	}

	// The remap is the heart of the scheme: after a real access the
	// block's home is a fresh draw nothing observable depends on.
	p.posmap.Set(req.BlockID, crypto.RandomLeaf(p.posmap.NumLeaves()))
	return nil
}

// readBlock returns a copy of the block's current bytes from the subtree
// or the stash, retrying while a concurrent flush moves it.
func (p *Processor) readBlock(blockID uint64) ([]byte, error) {
	for attempt := 0; attempt < blockLookupRetries; attempt++ {
		if bkt, ok := p.subtree.BucketWithBlock(blockID); ok {
			if data, ok := bkt.Read(blockID); ok {
				return data, nil
			}
			continue
		}
		if b, ok := p.stash.Find(blockID); ok {
			data := make([]byte, len(b.Data))
			copy(data, b.Data)
			return data, nil
		}
	}
	return nil, fmt.Errorf("block %d in neither subtree nor stash", blockID)
}

// writeBlock overwrites the block's bytes wherever it currently lives.
func (p *Processor) writeBlock(blockID uint64, data []byte) {
	for attempt := 0; attempt < blockLookupRetries; attempt++ {
		if bkt, ok := p.subtree.BucketWithBlock(blockID); ok {
			if bkt.Modify(blockID, data) {
				return
			}
			continue
		}
		if b, ok := p.stash.Find(blockID); ok {
			copy(b.Data, data)
			return
		}
	}
	p.log.Errorf("write to block %d lost: block in neither subtree nor stash", blockID)
}

// flushCandidate pairs a block with the bucket it was collected from
// (nil for stash blocks) and its precomputed deepest legal level on the
// flushed path.
type flushCandidate struct {
	block  *oram.Block
	source *oram.Bucket
	level  int
}

// Flush greedily re-places blocks down the just-read path: deepest legal
// placements first, leftovers back to the stash. Invoked after every real
// read on the same leaf.
func (p *Processor) Flush(leaf uint64) {
	counter := p.writeBackCounter.Add(1)

	path, err := p.subtree.GetPath(leaf)
	if err != nil {
		p.log.Errorf("flush leaf %d: %v", leaf, err)
		return
	}

	path.Lock()
	if !p.subtree.PathResident(path) {
		// Pruned between lookup and lock; the old contents are already
		// durable on the server.
		path.Unlock()
		p.log.WithFields(logrus.Fields{"leaf": leaf}).Debug("flush skipped, path pruned")
		return
	}

	// Candidate multiset: stash plus everything on the path, deduped by
	// block id with the subtree copy canonical.
	candidates := make(map[uint64]*flushCandidate)
	for _, b := range p.stash.Snapshot() {
		candidates[b.ID] = &flushCandidate{block: b}
	}
	for level, bkt := range path.Buckets {
		for _, b := range path.BlocksAt(level) {
			candidates[b.ID] = &flushCandidate{block: b, source: bkt}
		}
	}

	path.ClearBuckets(counter)

	heap := binaryheap.NewWith(func(a, b interface{}) int {
		// Deepest placement first.
		return b.(*flushCandidate).level - a.(*flushCandidate).level
	})
	for _, c := range candidates {
		c.level = p.placementLevel(leaf, c.block.ID)
		heap.Push(c)
	}

	for level := p.height; level >= 0; level-- {
		for {
			top, ok := heap.Peek()
			if !ok {
				break
			}
			c := top.(*flushCandidate)
			if c.level != level {
				break
			}
			if !path.Place(level, c.block, counter) {
				break
			}
			heap.Pop()
			p.stash.Remove(c.block.ID)
			p.subtree.MapBlockToBucket(c.block.ID, path.Buckets[level])
		}
	}

	// Whatever could not sink goes back to the stash.
	for {
		top, ok := heap.Pop()
		if !ok {
			break
		}
		c := top.(*flushCandidate)
		if c.source != nil {
			p.subtree.UnmapBlock(c.block.ID, c.source)
		}
		p.stash.Add(c.block)
	}

	path.Unlock()

	if p.stash.Len() > p.stash.Capacity() {
		p.stash.RecordOverflow()
		p.log.WithFields(logrus.Fields{
			"stash":    p.stash.Len(),
			"capacity": p.stash.Capacity(),
		}).Error("stash overflow; tree height or bucket size is undersized for this load")
	}

	p.writeQueueMu.Lock()
	p.writeQueue.Enqueue(leaf)
	p.writeQueueMu.Unlock()
}

// placementLevel returns the deepest level the block may occupy on the
// path to flushLeaf, or -1 when it has no legal slot there. A block
// mapped to a different partition never shares a physical bucket with
// this path.
func (p *Processor) placementLevel(flushLeaf, blockID uint64) int {
	pos, ok := p.posmap.Get(blockID)
	if !ok {
		return -1
	}
	if p.posmap.PartitionOf(pos) != p.posmap.PartitionOf(flushLeaf) {
		return -1
	}
	return oram.GreatestCommonLevel(flushLeaf, pos, p.height)
}

// WriteBack ships a batch of K flushed paths back to their servers once
// the flush counter crosses the next threshold, then prunes the subtree.
// Exactly one caller wins the slot; everyone else returns immediately.
func (p *Processor) WriteBack(ctx context.Context) {
	if p.writeBackCounter.Load() < p.nextWriteBack.Load() {
		return
	}
	if !p.writeBackMu.TryLock() {
		return
	}
	next := p.nextWriteBack.Load()
	if p.writeBackCounter.Load() < next {
		p.writeBackMu.Unlock()
		return
	}
	writeBackTime := next
	p.nextWriteBack.Store(next + p.threshold)
	p.writeBackMu.Unlock()

	// The only place empty coalescing lists are dropped.
	p.requests.Prune()

	var leaves []uint64
	p.writeQueueMu.Lock()
	for i := uint64(0); i < p.threshold; i++ {
		v, ok := p.writeQueue.Dequeue()
		if !ok {
			break
		}
		leaves = append(leaves, v.(uint64))
	}
	p.writeQueueMu.Unlock()
	if len(leaves) == 0 {
		return
	}

	groups := make(map[string][]uint64)
	for _, leaf := range leaves {
		addr := p.posmap.ServerOf(leaf)
		groups[addr] = append(groups[addr], leaf)
	}

	var (
		wg       sync.WaitGroup
		returnMu sync.Mutex
		allOK    = true
	)
	for addr, group := range groups {
		wg.Add(1)
		go func(addr string, group []uint64) {
			defer wg.Done()
			ok := p.writeBackToServer(ctx, addr, group)
			returnMu.Lock()
			if !ok {
				allOK = false
			}
			returnMu.Unlock()
		}(addr, group)
	}
	wg.Wait()

	if !allOK {
		// All-or-nothing: no pruning on a partial batch; the leaves ride
		// along with the next trigger.
		p.log.Error("write-back batch failed, requeueing without pruning")
		p.writeQueueMu.Lock()
		for _, leaf := range leaves {
			p.writeQueue.Enqueue(leaf)
		}
		p.writeQueueMu.Unlock()
		return
	}

	protected := p.inflight.DistinctLeaves()
	for _, leaf := range leaves {
		p.subtree.DeleteNodes(leaf, writeBackTime, protected)
	}
}

// writeBackToServer encrypts the group's paths and ships them as one
// PROXY_WRITE_REQUEST, retrying with backoff.
func (p *Processor) writeBackToServer(ctx context.Context, addr string, leaves []uint64) bool {
	var blob []byte
	for _, leaf := range leaves {
		path, err := p.subtree.GetPath(leaf)
		if err != nil {
			p.log.Errorf("write-back leaf %d: %v", leaf, err)
			continue
		}
		enc, err := p.cipher.EncryptPath(path, p.posmap.RelativeLeaf(leaf))
		if err != nil {
			p.log.Errorf("encrypt path to leaf %d: %v", leaf, err)
			return false
		}
		blob = append(blob, enc...)
	}
	if len(blob) == 0 {
		return true
	}

	payload, err := (&messages.ProxyWriteRequest{
		PathSize: uint32(p.cipher.EncryptedPathSize()),
		Paths:    blob,
	}).Serialize()
	if err != nil {
		p.log.Errorf("serialize write-back: %v", err)
		return false
	}
	msg := transport.Message{Type: messages.TypeProxyWriteRequest, Payload: payload}

	for attempt := 0; attempt < writeBackAttempts; attempt++ {
		resp, err := p.net.Exchange(ctx, addr, msg)
		if err == nil && resp.Type == messages.TypeServerWriteResponse {
			if parsed, perr := messages.ParseServerWriteResponse(resp.Payload); perr == nil && parsed.OK {
				return true
			}
			err = fmt.Errorf("server rejected write")
		}
		p.log.WithFields(logrus.Fields{
			"server":  addr,
			"attempt": attempt,
		}).Warnf("write-back failed: %v", err)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(transport.Backoff(attempt)):
		}
	}
	return false
}
