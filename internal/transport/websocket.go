// ABOUTME: WebSocket transport for the Snapcast HTTP stream endpoint
// ABOUTME: Each binary frame carries exactly one Snapcast message
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Resonate-Protocol/snapcast-go/internal/protocol"
	"github.com/gorilla/websocket"
)

// DefaultStreamPath is where snapserver accepts binary stream clients
const DefaultStreamPath = "/stream"

// WebSocket is a Transport over a websocket connection. A gorilla connection
// cannot survive a read deadline, so frames are pumped by a reader goroutine
// and Read waits on a channel instead.
type WebSocket struct {
	path       string
	maxMessage int
	dialer     *websocket.Dialer

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	frames  chan []byte
	done    chan struct{}
	readErr error
	pending []byte
}

// NewWebSocket creates a websocket transport. An empty path uses DefaultStreamPath;
// frames larger than maxMessage bytes fail the connection (0 means
// protocol.DefaultMaxMessageSize).
func NewWebSocket(path string, maxMessage int) *WebSocket {
	if path == "" {
		path = DefaultStreamPath
	}
	if maxMessage <= 0 {
		maxMessage = protocol.DefaultMaxMessageSize
	}
	return &WebSocket{
		path:       path,
		maxMessage: maxMessage,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

// Connect opens ws://host:port/path
func (w *WebSocket) Connect(ctx context.Context, host string, port int) error {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: w.path}

	conn, _, err := w.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	conn.SetReadLimit(int64(w.maxMessage))

	w.Close()

	frames := make(chan []byte, 64)
	done := make(chan struct{})

	w.mu.Lock()
	w.conn = conn
	w.frames = frames
	w.done = done
	w.readErr = nil
	w.pending = nil
	w.mu.Unlock()

	go w.readFrames(conn, frames, done)
	return nil
}

// readFrames forwards binary frames until the connection fails
func (w *WebSocket) readFrames(conn *websocket.Conn, frames chan<- []byte, done <-chan struct{}) {
	defer close(frames)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			if w.conn == conn {
				w.readErr = err
			}
			w.mu.Unlock()
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		select {
		case frames <- data:
		case <-done:
			return
		}
	}
}

// Read copies buffered frame bytes into p, waiting at most timeout for a frame
func (w *WebSocket) Read(p []byte, timeout time.Duration) (int, error) {
	w.mu.Lock()
	if w.conn == nil {
		w.mu.Unlock()
		return 0, ErrNotConnected
	}
	if len(w.pending) > 0 {
		n := copy(p, w.pending)
		w.pending = w.pending[n:]
		w.mu.Unlock()
		return n, nil
	}
	frames, done := w.frames, w.done
	w.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case data, ok := <-frames:
		if !ok {
			return 0, w.failure()
		}
		n := copy(p, data)
		if n < len(data) {
			w.mu.Lock()
			w.pending = data[n:]
			w.mu.Unlock()
		}
		return n, nil
	case <-expired:
		return 0, ErrTimeout
	case <-done:
		return 0, ErrNotConnected
	}
}

func (w *WebSocket) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.readErr == nil {
		return io.EOF
	}
	return fmt.Errorf("read: %w", w.readErr)
}

// Write sends p as a single binary frame
func (w *WebSocket) Write(p []byte, timeout time.Duration) (int, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	conn.SetWriteDeadline(deadline(timeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		if isTimeout(err) {
			return 0, ErrTimeout
		}
		return 0, fmt.Errorf("write: %w", err)
	}
	return len(p), nil
}

// Close closes the connection and stops the reader
func (w *WebSocket) Close() error {
	w.mu.Lock()
	conn, done := w.conn, w.done
	w.conn = nil
	w.done = nil
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	close(done)
	return conn.Close()
}
