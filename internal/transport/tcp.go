// ABOUTME: Plain TCP transport for the Snapcast stream port
// ABOUTME: Uses connection deadlines to bound each read and write
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// DialFunc opens a connection; net.Dialer.DialContext by default
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// TCP is a Transport over a stream socket
type TCP struct {
	dial DialFunc

	mu   sync.RWMutex
	conn net.Conn
}

// NewTCP creates a TCP transport. A nil dial uses a net.Dialer with keepalive.
func NewTCP(dial DialFunc) *TCP {
	if dial == nil {
		d := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 15 * time.Second}
		dial = d.DialContext
	}
	return &TCP{dial: dial}
}

// Connect dials host:port, replacing any previous connection
func (t *TCP) Connect(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := t.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (t *TCP) current() (net.Conn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

// Read reads whatever is available, waiting at most timeout
func (t *TCP) Read(p []byte, timeout time.Duration) (int, error) {
	conn, err := t.current()
	if err != nil {
		return 0, err
	}

	conn.SetReadDeadline(deadline(timeout))
	n, err := conn.Read(p)
	if n > 0 {
		return n, nil
	}
	if err == nil {
		return 0, io.ErrNoProgress
	}
	if isTimeout(err) {
		return 0, ErrTimeout
	}
	return 0, fmt.Errorf("read: %w", err)
}

// Write writes all of p or fails
func (t *TCP) Write(p []byte, timeout time.Duration) (int, error) {
	conn, err := t.current()
	if err != nil {
		return 0, err
	}

	conn.SetWriteDeadline(deadline(timeout))
	n, err := conn.Write(p)
	if err != nil {
		if isTimeout(err) {
			return n, ErrTimeout
		}
		return n, fmt.Errorf("write: %w", err)
	}
	return n, nil
}

// Close closes the connection
func (t *TCP) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
