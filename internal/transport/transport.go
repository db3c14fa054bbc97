// ABOUTME: Byte-stream transport abstraction used by the stream session
// ABOUTME: Reads and writes take a per-call timeout instead of blocking forever
package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"time"
)

var (
	// ErrTimeout is returned when a read or write deadline expires
	ErrTimeout = errors.New("transport: timeout")
	// ErrNotConnected is returned before Connect or after Close
	ErrNotConnected = errors.New("transport: not connected")
)

// Transport moves Snapcast messages to and from a server
type Transport interface {
	// Connect dials host:port
	Connect(ctx context.Context, host string, port int) error
	// Read returns at least one byte, or an error. A zero timeout blocks.
	Read(p []byte, timeout time.Duration) (int, error)
	// Write sends one complete message
	Write(p []byte, timeout time.Duration) (int, error)
	Close() error
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// isTimeout reports whether err is a deadline expiry
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
