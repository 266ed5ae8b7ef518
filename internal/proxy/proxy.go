package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/veildb/veil/internal/config"
	"github.com/veildb/veil/internal/crypto"
	"github.com/veildb/veil/internal/transport"
	"github.com/veildb/veil/internal/workerpool"
	"github.com/veildb/veil/pkg/messages"
	"github.com/veildb/veil/pkg/oram"
)

// initBatchSize is the number of empty paths seeded per write request
// when initializing a fresh deployment.
const initBatchSize = 32

// Proxy is the client-facing front end: it accepts framed client
// connections, claims sequencer slots and hands requests to the processor
// on the worker pool.
type Proxy struct {
	cfg    config.Config
	log    *logrus.Logger
	cipher *crypto.PathCipher

	seq       *Sequencer
	processor *Processor
	workers   *workerpool.Pool
	servers   *transport.Pool

	listener net.Listener
	cancel   context.CancelFunc
}

// New wires a proxy from the deployment configuration.
func New(cfg config.Config, log *logrus.Logger) (*Proxy, error) {
	if log == nil {
		log = logrus.New()
	}
	key, err := cfg.Key()
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewPathCipher(key, cfg.TreeHeight, cfg.BucketSize, cfg.BlockSize)
	if err != nil {
		return nil, err
	}

	servers := transport.NewPool(log)
	seq := NewSequencer(log, nil)
	processor := NewProcessor(ProcessorConfig{
		Log:                log,
		Cipher:             cipher,
		Transport:          servers,
		Sequencer:          seq,
		TreeHeight:         cfg.TreeHeight,
		BlockSize:          cfg.BlockSize,
		WriteBackThreshold: cfg.WriteBackThreshold,
		StashCapacity:      cfg.StashCapacity,
		Servers:            cfg.Servers,
	})

	return &Proxy{
		cfg:       cfg,
		log:       log,
		cipher:    cipher,
		seq:       seq,
		processor: processor,
		workers:   workerpool.New(workerpool.Config{Workers: cfg.Workers}),
		servers:   servers,
	}, nil
}

// Processor exposes the engine, mostly to the metrics ticker.
func (p *Proxy) Processor() *Processor { return p.processor }

// Addr returns the bound listen address once Start has succeeded.
func (p *Proxy) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Start seeds the tree when configured, binds the listener and begins
// serving. It returns once the proxy is accepting connections.
func (p *Proxy) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	if p.cfg.InitTree {
		if err := p.InitTree(ctx); err != nil {
			return fmt.Errorf("initialize tree: %w", err)
		}
	}

	listener, err := net.Listen("tcp", p.cfg.ProxyListen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", p.cfg.ProxyListen, err)
	}
	p.listener = listener
	p.log.WithFields(logrus.Fields{"addr": listener.Addr().String()}).Info("proxy listening")

	go p.seq.Run()
	go p.acceptLoop(ctx)
	return nil
}

// Stop tears the proxy down: no new connections, queued work drained.
func (p *Proxy) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.listener != nil {
		p.listener.Close()
	}
	p.workers.Close()
	p.seq.Close()
	p.servers.Close()
}

func (p *Proxy) acceptLoop(ctx context.Context) {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			p.log.Debugf("accept: %v", err)
			return
		}
		go p.handleConn(ctx, conn)
	}
}

// handleConn reads framed client requests off one connection until it
// closes or misbehaves. A malformed frame drops the connection, never the
// proxy.
func (p *Proxy) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	for {
		msg, err := transport.ReadMessage(conn)
		if err != nil {
			p.log.WithFields(logrus.Fields{"client": remote}).Debugf("client channel closed: %v", err)
			return
		}

		req, err := p.parseRequest(msg)
		if err != nil {
			p.log.WithFields(logrus.Fields{"client": remote}).Warnf("dropping client connection: %v", err)
			return
		}

		p.seq.Enqueue(req)
		p.workers.Submit(func() {
			p.processor.Serve(ctx, req)
		})
	}
}

func (p *Proxy) parseRequest(msg transport.Message) (*ClientRequest, error) {
	switch msg.Type {
	case messages.TypeClientReadRequest:
		r, err := messages.ParseClientReadRequest(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("parse read request: %w", err)
		}
		return &ClientRequest{
			RequestID:  r.RequestID,
			BlockID:    r.BlockID,
			Op:         RequestRead,
			ClientAddr: r.ClientAddr,
		}, nil
	case messages.TypeClientWriteRequest:
		r, err := messages.ParseClientWriteRequest(msg.Payload, p.cfg.BlockSize)
		if err != nil {
			return nil, fmt.Errorf("parse write request: %w", err)
		}
		return &ClientRequest{
			RequestID:  r.RequestID,
			BlockID:    r.BlockID,
			Op:         RequestWrite,
			Data:       r.Data,
			ClientAddr: r.ClientAddr,
		}, nil
	default:
		return nil, fmt.Errorf("unexpected message type %d on client channel", msg.Type)
	}
}

// InitTree seeds every storage server with encrypted empty paths so the
// first real fetch of any leaf decrypts cleanly. Shared upper buckets are
// rewritten once per leaf, which is redundant but harmless: they stay
// empty.
func (p *Proxy) InitTree(ctx context.Context) error {
	posmap := p.processor.PositionMap()
	numLeaves := posmap.NumLeaves()

	var (
		blob  []byte
		count int
		addr  string
	)
	flush := func() error {
		if count == 0 {
			return nil
		}
		payload, err := (&messages.ProxyWriteRequest{
			PathSize: uint32(p.cipher.EncryptedPathSize()),
			Paths:    blob,
		}).Serialize()
		if err != nil {
			return err
		}
		resp, err := p.servers.Exchange(ctx, addr, transport.Message{
			Type:    messages.TypeProxyWriteRequest,
			Payload: payload,
		})
		if err != nil {
			return err
		}
		parsed, err := messages.ParseServerWriteResponse(resp.Payload)
		if err != nil {
			return err
		}
		if !parsed.OK {
			return fmt.Errorf("server %s rejected init batch", addr)
		}
		blob = blob[:0]
		count = 0
		return nil
	}

	for leaf := uint64(0); leaf < numLeaves; leaf++ {
		server := posmap.ServerOf(leaf)
		if server != addr {
			if err := flush(); err != nil {
				return err
			}
			addr = server
		}
		path := oram.NewEmptyPath(leaf, p.cfg.TreeHeight, p.cfg.BucketSize, p.cfg.BlockSize)
		enc, err := p.cipher.EncryptPath(path, posmap.RelativeLeaf(leaf))
		if err != nil {
			return err
		}
		blob = append(blob, enc...)
		count++
		if count >= initBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	p.log.WithFields(logrus.Fields{"leaves": numLeaves}).Info("tree initialized")
	return nil
}
