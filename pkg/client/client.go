// Package client is the veil client library: it frames read and write
// requests to the proxy and collects the dialed-back responses on its own
// listener.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veildb/veil/internal/transport"
	"github.com/veildb/veil/pkg/messages"
)

const dialTimeout = 5 * time.Second

// Client issues block reads and writes against one proxy. Safe for
// concurrent use; responses are matched to callers by request id.
type Client struct {
	proxyAddr string
	blockSize int
	log       *logrus.Logger

	listener net.Listener
	nextID   atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan transport.Message
}

// New starts the client's response listener on listenAddr (host:port;
// use port 0 for an ephemeral port on a concrete host, since the proxy
// dials the address back verbatim).
func New(proxyAddr, listenAddr string, blockSize int, log *logrus.Logger) (*Client, error) {
	if log == nil {
		log = logrus.New()
	}
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	c := &Client{
		proxyAddr: proxyAddr,
		blockSize: blockSize,
		log:       log,
		listener:  listener,
		pending:   make(map[uint64]chan transport.Message),
	}
	go c.acceptLoop()
	return c, nil
}

// Close stops the response listener.
func (c *Client) Close() {
	c.listener.Close()
}

func (c *Client) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}
		go c.handleResponse(conn)
	}
}

func (c *Client) handleResponse(conn net.Conn) {
	defer conn.Close()
	msg, err := transport.ReadMessage(conn)
	if err != nil {
		c.log.Debugf("read response: %v", err)
		return
	}

	var requestID uint64
	switch msg.Type {
	case messages.TypeProxyReadResponse:
		r, err := messages.ParseProxyReadResponse(msg.Payload)
		if err != nil {
			c.log.Warnf("parse read response: %v", err)
			return
		}
		requestID = r.RequestID
	case messages.TypeProxyWriteResponse:
		r, err := messages.ParseProxyWriteResponse(msg.Payload)
		if err != nil {
			c.log.Warnf("parse write response: %v", err)
			return
		}
		requestID = r.RequestID
	default:
		c.log.Warnf("unexpected response type %d", msg.Type)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// Read returns the current contents of the block. A block that was never
// written reads as zeros.
func (c *Client) Read(ctx context.Context, blockID uint64) ([]byte, error) {
	id := c.nextID.Add(1)
	payload, err := (&messages.ClientReadRequest{
		RequestID:  id,
		BlockID:    blockID,
		ClientAddr: c.listener.Addr().String(),
	}).Serialize()
	if err != nil {
		return nil, err
	}

	msg, err := c.roundTrip(ctx, id, transport.Message{
		Type:    messages.TypeClientReadRequest,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	resp, err := messages.ParseProxyReadResponse(msg.Payload)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Write stores data (exactly the deployment block size) under the block
// id.
func (c *Client) Write(ctx context.Context, blockID uint64, data []byte) error {
	if len(data) != c.blockSize {
		return fmt.Errorf("data is %d bytes, want %d", len(data), c.blockSize)
	}
	id := c.nextID.Add(1)
	payload, err := (&messages.ClientWriteRequest{
		RequestID:  id,
		BlockID:    blockID,
		Data:       data,
		ClientAddr: c.listener.Addr().String(),
	}).Serialize()
	if err != nil {
		return err
	}

	msg, err := c.roundTrip(ctx, id, transport.Message{
		Type:    messages.TypeClientWriteRequest,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	resp, err := messages.ParseProxyWriteResponse(msg.Payload)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("write to block %d rejected", blockID)
	}
	return nil
}

// roundTrip registers the pending request, sends it and waits for the
// dialed-back response.
func (c *Client) roundTrip(ctx context.Context, id uint64, msg transport.Message) (transport.Message, error) {
	ch := make(chan transport.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	conn, err := net.DialTimeout("tcp", c.proxyAddr, dialTimeout)
	if err != nil {
		return transport.Message{}, fmt.Errorf("dial proxy: %w", err)
	}
	if err := transport.WriteMessage(conn, msg); err != nil {
		conn.Close()
		return transport.Message{}, fmt.Errorf("send request: %w", err)
	}
	conn.Close()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}
