package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultDialTimeout = 5 * time.Second
	maxIdlePerServer   = 8
)

// Pool manages reusable TCP connections to the storage servers. A
// connection is checked out for the duration of one request/response
// exchange, so concurrent exchanges to the same server each get their own
// connection.
type Pool struct {
	mu          sync.Mutex
	idle        map[string][]net.Conn
	dialTimeout time.Duration
	log         *logrus.Logger
	closed      bool
}

// NewPool creates a connection pool.
func NewPool(log *logrus.Logger) *Pool {
	if log == nil {
		log = logrus.New()
	}
	return &Pool{
		idle:        make(map[string][]net.Conn),
		dialTimeout: defaultDialTimeout,
		log:         log,
	}
}

// Exchange sends one message to the server and reads one response,
// reusing an idle connection when available. On any I/O error the
// connection is discarded.
func (p *Pool) Exchange(ctx context.Context, addr string, msg Message) (Message, error) {
	conn, err := p.get(ctx, addr)
	if err != nil {
		return Message{}, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}

	if err := WriteMessage(conn, msg); err != nil {
		conn.Close()
		return Message{}, fmt.Errorf("send to %s: %w", addr, err)
	}
	resp, err := ReadMessage(conn)
	if err != nil {
		conn.Close()
		return Message{}, fmt.Errorf("receive from %s: %w", addr, err)
	}

	p.put(addr, conn)
	return resp, nil
}

func (p *Pool) get(ctx context.Context, addr string) (net.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("connection pool is closed")
	}
	conns := p.idle[addr]
	if n := len(conns); n > 0 {
		conn := conns[n-1]
		p.idle[addr] = conns[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	d := net.Dialer{Timeout: p.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	p.log.WithFields(logrus.Fields{"server": addr}).Debug("server connection established")
	return conn, nil
}

func (p *Pool) put(addr string, conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.idle[addr]) >= maxIdlePerServer {
		conn.Close()
		return
	}
	p.idle[addr] = append(p.idle[addr], conn)
}

// Close discards every idle connection. Connections currently checked out
// are closed by their exchange when it completes.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, conns := range p.idle {
		for _, c := range conns {
			c.Close()
		}
	}
	p.idle = make(map[string][]net.Conn)
}

// Backoff returns the delay before retry number attempt (0-based):
// 100ms doubling up to a 5s cap.
func Backoff(attempt int) time.Duration {
	d := 100 * time.Millisecond
	for i := 0; i < attempt && d < 5*time.Second; i++ {
		d *= 2
	}
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
