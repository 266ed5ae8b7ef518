package server

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/veildb/veil/internal/config"
	"github.com/veildb/veil/internal/transport"
	"github.com/veildb/veil/pkg/messages"
)

// Server speaks the proxy↔server protocol in front of one BucketStore.
type Server struct {
	cfg   config.Config
	store *BucketStore
	log   *logrus.Logger

	listener net.Listener
	cancel   context.CancelFunc
}

// New opens the bucket store and prepares a server.
func New(cfg config.Config, logger *logrus.Logger) (*Server, error) {
	if logger == nil {
		logger = logrus.New()
	}
	store, err := NewBucketStore(StoreConfig{
		Path:       cfg.DataDir,
		TreeHeight: cfg.TreeHeight,
		BucketSize: cfg.BucketSize,
		BlockSize:  cfg.BlockSize,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, store: store, log: logger}, nil
}

// Store exposes the bucket store, mostly for tests.
func (s *Server) Store() *BucketStore { return s.store }

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener and begins serving proxy connections.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", s.cfg.ServerListen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ServerListen, err)
	}
	s.listener = listener
	s.log.WithFields(logrus.Fields{"addr": listener.Addr().String()}).Info("storage server listening")

	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and the store.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if err := s.store.Close(); err != nil {
		s.log.Warnf("close bucket store: %v", err)
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.log.Debugf("accept: %v", err)
			return
		}
		go s.handleConn(conn)
	}
}

// handleConn serves one proxy connection until it closes or misbehaves.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	for {
		msg, err := transport.ReadMessage(conn)
		if err != nil {
			s.log.WithFields(logrus.Fields{"proxy": remote}).Debugf("proxy channel closed: %v", err)
			return
		}

		var reply transport.Message
		switch msg.Type {
		case messages.TypeProxyReadRequest:
			reply, err = s.handleRead(msg.Payload)
		case messages.TypeProxyWriteRequest:
			reply, err = s.handleWrite(msg.Payload)
		default:
			s.log.WithFields(logrus.Fields{"proxy": remote}).Warnf("unexpected message type %d", msg.Type)
			return
		}
		if err != nil {
			s.log.WithFields(logrus.Fields{"proxy": remote}).Errorf("serve request: %v", err)
			return
		}

		if err := transport.WriteMessage(conn, reply); err != nil {
			s.log.WithFields(logrus.Fields{"proxy": remote}).Debugf("write response: %v", err)
			return
		}
	}
}

func (s *Server) handleRead(payload []byte) (transport.Message, error) {
	req, err := messages.ParseProxyReadRequest(payload)
	if err != nil {
		return transport.Message{}, err
	}
	pathBytes, err := s.store.ReadPath(req.RelativeLeaf)
	if err != nil {
		return transport.Message{}, err
	}
	out, err := (&messages.ServerReadResponse{
		RelativeLeaf: req.RelativeLeaf,
		PathBytes:    pathBytes,
	}).Serialize()
	if err != nil {
		return transport.Message{}, err
	}
	return transport.Message{Type: messages.TypeServerReadResponse, Payload: out}, nil
}

func (s *Server) handleWrite(payload []byte) (transport.Message, error) {
	ok := true
	req, err := messages.ParseProxyWriteRequest(payload)
	if err != nil {
		return transport.Message{}, err
	}
	if err := s.store.WritePaths(int(req.PathSize), req.Paths); err != nil {
		s.log.Errorf("write paths: %v", err)
		ok = false
	}
	out, err := (&messages.ServerWriteResponse{OK: ok}).Serialize()
	if err != nil {
		return transport.Message{}, err
	}
	return transport.Message{Type: messages.TypeServerWriteResponse, Payload: out}, nil
}
