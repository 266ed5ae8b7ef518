package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veildb/veil/internal/transport"
	"github.com/veildb/veil/pkg/messages"
)

const sequencerQueueSize = 1024

// ReplyFunc delivers one framed response to a client address. The default
// dials the address and writes the message; tests substitute a capture.
type ReplyFunc func(addr string, msg transport.Message) error

// Sequencer guarantees that responses reach clients in the exact order
// their requests were enqueued, no matter the order the processor
// resolves them in. One dedicated worker serves the queue head, parked on
// a condition variable until the head's answer arrives.
type Sequencer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[*ClientRequest]*seqEntry

	queue chan *ClientRequest
	reply ReplyFunc
	log   *logrus.Logger
}

type seqEntry struct {
	ready bool
	data  []byte
}

// NewSequencer creates a sequencer delivering through reply. A nil reply
// installs the dial-back default.
func NewSequencer(log *logrus.Logger, reply ReplyFunc) *Sequencer {
	if log == nil {
		log = logrus.New()
	}
	if reply == nil {
		reply = dialBackReply
	}
	s := &Sequencer{
		entries: make(map[*ClientRequest]*seqEntry),
		queue:   make(chan *ClientRequest, sequencerQueueSize),
		reply:   reply,
		log:     log,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Enqueue claims the next ordering slot for the request. Must be called
// before the processor starts working on it.
func (s *Sequencer) Enqueue(req *ClientRequest) {
	s.mu.Lock()
	s.entries[req] = &seqEntry{}
	s.mu.Unlock()
	s.queue <- req
}

// Deliver hands the processor's answer for a request to the sequencer.
func (s *Sequencer) Deliver(req *ClientRequest, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[req]
	if !ok {
		return
	}
	e.ready = true
	e.data = data
	s.cond.Broadcast()
}

// Run consumes the queue until Close. It owns the sequencer's single
// worker goroutine.
func (s *Sequencer) Run() {
	for req := range s.queue {
		s.mu.Lock()
		e := s.entries[req]
		for e != nil && !e.ready {
			s.cond.Wait()
		}
		var data []byte
		if e != nil {
			data = e.data
		}
		delete(s.entries, req)
		s.mu.Unlock()

		s.respond(req, data)
	}
}

// Close stops the worker once the queue drains.
func (s *Sequencer) Close() {
	close(s.queue)
}

func (s *Sequencer) respond(req *ClientRequest, data []byte) {
	var (
		payload []byte
		msgType messages.Type
		err     error
	)
	if req.Op == RequestRead {
		msgType = messages.TypeProxyReadResponse
		payload, err = (&messages.ProxyReadResponse{RequestID: req.RequestID, Data: data}).Serialize()
	} else {
		msgType = messages.TypeProxyWriteResponse
		payload, err = (&messages.ProxyWriteResponse{RequestID: req.RequestID, OK: true}).Serialize()
	}
	if err != nil {
		s.log.WithFields(logrus.Fields{"requestID": req.RequestID}).Errorf("serialize response: %v", err)
		return
	}

	// A client that went away gets its response dropped silently; the
	// oblivious access already completed.
	if err := s.reply(req.ClientAddr, transport.Message{Type: msgType, Payload: payload}); err != nil {
		s.log.WithFields(logrus.Fields{
			"requestID": req.RequestID,
			"client":    req.ClientAddr,
		}).Debugf("response dropped: %v", err)
	}
}

func dialBackReply(addr string, msg transport.Message) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	return transport.WriteMessage(conn, msg)
}
