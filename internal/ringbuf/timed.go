// ABOUTME: Single-producer/single-consumer ring of timestamped chunks
// ABOUTME: Hand-off between the network receive loop and the playout scheduler
package ringbuf

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Resonate-Protocol/snapcast-go/internal/timeval"
	"github.com/smallnest/ringbuffer"
)

const (
	// ChunkHeaderSize is the per-record overhead: stamp + payload length + kind
	ChunkHeaderSize = timeval.Size + 4 + 1

	// MaxCapacity bounds a single buffer allocation
	MaxCapacity = 64 << 20
)

var (
	ErrInvalidCapacity = errors.New("ringbuf: invalid capacity")
	ErrInvalidArgument = errors.New("ringbuf: invalid argument")
	ErrInvalidChunk    = errors.New("ringbuf: invalid chunk handle")
	ErrChunkTooLarge   = errors.New("ringbuf: chunk larger than buffer capacity")
	ErrWriteInFlight   = errors.New("ringbuf: a write chunk is already acquired")
	ErrWouldTruncate   = errors.New("ringbuf: destination smaller than pending chunk")
	ErrTimeout         = errors.New("ringbuf: wait budget elapsed")
	ErrClosed          = errors.New("ringbuf: closed")
	ErrCorrupt         = errors.New("ringbuf: corrupt record")
)

// Kind tags what a record carries
type Kind uint8

const (
	// KindAudio is a block of audio; its stamp is the local playout time
	KindAudio Kind = iota
	// KindCodecHeader opens a stream epoch; the payload is the codec-header body
	KindCodecHeader
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindCodecHeader:
		return "codec-header"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Record describes a chunk handed out by ReadRecord
type Record struct {
	Len   int
	Stamp timeval.Value
	Kind  Kind
}

// Chunk is a write reservation. Fill Data (it may be shortened, not grown)
// and set Stamp and Kind, then hand it back with ReleaseWriteChunk.
type Chunk struct {
	Stamp timeval.Value
	Kind  Kind
	Data  []byte

	owner *TimedRingBuffer
}

// TimedRingBuffer stores variable-length chunks, each tagged with a timestamp.
// One goroutine writes, one goroutine reads.
type TimedRingBuffer struct {
	mu       sync.Mutex
	rb       *ringbuffer.RingBuffer
	capacity int
	changed  chan struct{}
	closed   bool
	chunks   int

	// write side
	wbuf     []byte
	inflight *Chunk
	reserved int

	// read side: a chunk taken off the ring but not yet handed out
	rbuf        []byte
	pending     []byte
	pendingMeta Record
	held        int
}

// New allocates a ring with the given total capacity in bytes
func New(capacity int) (*TimedRingBuffer, error) {
	if capacity <= ChunkHeaderSize || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidCapacity, capacity)
	}

	return &TimedRingBuffer{
		rb:       ringbuffer.New(capacity).SetBlocking(false),
		capacity: capacity,
		changed:  make(chan struct{}),
		wbuf:     make([]byte, capacity),
		rbuf:     make([]byte, capacity),
	}, nil
}

// AcquireWriteChunk reserves room for a payload of size bytes, waiting up to
// wait for the reader to free space. ErrTimeout is returned when the budget
// runs out.
func (b *TimedRingBuffer) AcquireWriteChunk(ctx context.Context, size int, wait time.Duration) (*Chunk, error) {
	if size <= 0 {
		return nil, ErrInvalidArgument
	}
	need := ChunkHeaderSize + size
	if need > b.capacity {
		return nil, fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, need, b.capacity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inflight != nil {
		return nil, ErrWriteInFlight
	}

	err := b.waitLocked(ctx, wait, func() bool {
		return b.inflight == nil && b.freeLocked() >= need
	})
	if err != nil {
		return nil, err
	}

	b.reserved = need
	b.inflight = &Chunk{
		Data:  b.wbuf[ChunkHeaderSize:need],
		owner: b,
	}
	return b.inflight, nil
}

// ReleaseWriteChunk commits c and makes it visible to the reader
func (b *TimedRingBuffer) ReleaseWriteChunk(c *Chunk) error {
	if c == nil {
		return ErrInvalidChunk
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if c.owner != b || b.inflight != c {
		return ErrInvalidChunk
	}
	n := len(c.Data)
	if n == 0 || ChunkHeaderSize+n > b.reserved {
		return ErrInvalidChunk
	}

	rec := b.wbuf[:ChunkHeaderSize+n]
	copy(rec[ChunkHeaderSize:], c.Data)
	c.Stamp.Put(rec[0:timeval.Size])
	binary.LittleEndian.PutUint32(rec[timeval.Size:timeval.Size+4], uint32(n))
	rec[timeval.Size+4] = byte(c.Kind)

	written, err := b.rb.Write(rec)
	if err != nil || written != len(rec) {
		// Space was reserved, so this only happens if the ring was tampered with
		b.rb.Reset()
		b.chunks = 0
		b.endWriteLocked(c)
		return fmt.Errorf("%w: wrote %d of %d bytes: %v", ErrCorrupt, written, len(rec), err)
	}

	b.chunks++
	b.endWriteLocked(c)
	return nil
}

func (b *TimedRingBuffer) endWriteLocked(c *Chunk) {
	c.owner = nil
	b.inflight = nil
	b.reserved = 0
	b.broadcastLocked()
}

// Read copies the next chunk's payload into p. See ReadChunk.
func (b *TimedRingBuffer) Read(ctx context.Context, p []byte, wait time.Duration) (int, error) {
	n, _, err := b.ReadChunk(ctx, p, wait)
	return n, err
}

// ReadChunk copies the next chunk's payload into p and returns its length and
// stamp. It returns (0, zero, nil) when no chunk arrives within wait.
//
// If p cannot hold the whole chunk nothing is consumed and ErrWouldTruncate
// is returned; call again with at least PendingLen bytes.
func (b *TimedRingBuffer) ReadChunk(ctx context.Context, p []byte, wait time.Duration) (int, timeval.Value, error) {
	rec, err := b.ReadRecord(ctx, p, wait)
	return rec.Len, rec.Stamp, err
}

// ReadRecord is ReadChunk that also reports the record kind. A zero Record
// with a nil error means the wait budget elapsed.
func (b *TimedRingBuffer) ReadRecord(ctx context.Context, p []byte, wait time.Duration) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending == nil {
		err := b.waitLocked(ctx, wait, func() bool { return b.chunks > 0 })
		if errors.Is(err, ErrTimeout) {
			return Record{}, nil
		}
		if err != nil {
			return Record{}, err
		}
		if err := b.receiveLocked(); err != nil {
			return Record{}, err
		}
	}

	if len(p) < len(b.pending) {
		return Record{}, ErrWouldTruncate
	}

	copy(p, b.pending)
	rec := b.pendingMeta
	b.pending = nil
	b.pendingMeta = Record{}
	b.held = 0
	b.broadcastLocked()
	return rec, nil
}

// receiveLocked moves the oldest record off the ring into the pending slot
func (b *TimedRingBuffer) receiveLocked() error {
	var hdr [ChunkHeaderSize]byte
	n, err := b.rb.Read(hdr[:])
	if err != nil || n != ChunkHeaderSize {
		b.resetLocked()
		return fmt.Errorf("%w: short header (%d bytes): %v", ErrCorrupt, n, err)
	}

	stamp := timeval.Decode(hdr[0:timeval.Size])
	size := int(binary.LittleEndian.Uint32(hdr[timeval.Size : timeval.Size+4]))
	kind := Kind(hdr[timeval.Size+4])
	if size <= 0 || size > len(b.rbuf) {
		b.resetLocked()
		return fmt.Errorf("%w: payload length %d", ErrCorrupt, size)
	}

	n, err = b.rb.Read(b.rbuf[:size])
	if err != nil || n != size {
		b.resetLocked()
		return fmt.Errorf("%w: short payload (%d of %d bytes): %v", ErrCorrupt, n, size, err)
	}

	b.chunks--
	b.pending = b.rbuf[:size]
	b.pendingMeta = Record{Len: size, Stamp: stamp, Kind: kind}
	b.held = ChunkHeaderSize + size
	return nil
}

// WriteChunk copies data into a new audio chunk stamped with stamp. It returns
// 0 without error when no space frees up within wait.
func (b *TimedRingBuffer) WriteChunk(ctx context.Context, stamp timeval.Value, data []byte, wait time.Duration) (int, error) {
	return b.write(ctx, KindAudio, stamp, data, wait)
}

// WriteCodecHeader queues a codec-header body so the reader sees it in order
// with the audio around it
func (b *TimedRingBuffer) WriteCodecHeader(ctx context.Context, body []byte, wait time.Duration) (int, error) {
	return b.write(ctx, KindCodecHeader, timeval.Value{}, body, wait)
}

func (b *TimedRingBuffer) write(ctx context.Context, kind Kind, stamp timeval.Value, data []byte, wait time.Duration) (int, error) {
	c, err := b.AcquireWriteChunk(ctx, len(data), wait)
	if errors.Is(err, ErrTimeout) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	copy(c.Data, data)
	c.Stamp = stamp
	c.Kind = kind
	if err := b.ReleaseWriteChunk(c); err != nil {
		return 0, err
	}
	return len(data), nil
}

// WriteWithoutReplacement writes data as an unstamped audio chunk. Unread data
// is never overwritten: if there is no room within wait, 0 is returned.
func (b *TimedRingBuffer) WriteWithoutReplacement(ctx context.Context, data []byte, wait time.Duration) (int, error) {
	return b.WriteChunk(ctx, timeval.Value{}, data, wait)
}

// ChunksAvailable returns the number of committed, unread chunks
func (b *TimedRingBuffer) ChunksAvailable() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.chunks
	if b.pending != nil {
		n++
	}
	return n
}

// Free returns the number of bytes a new record could use right now
func (b *TimedRingBuffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freeLocked()
}

// Capacity returns the total size in bytes
func (b *TimedRingBuffer) Capacity() int {
	return b.capacity
}

// PendingLen returns the payload size of a chunk left behind by ErrWouldTruncate
func (b *TimedRingBuffer) PendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Reset discards every unread chunk and returns how many were dropped.
// An acquired write chunk is left alone.
func (b *TimedRingBuffer) Reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.chunks
	if b.pending != nil {
		n++
	}
	b.resetLocked()
	return n
}

// Close wakes every blocked caller with ErrClosed
func (b *TimedRingBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		b.broadcastLocked()
	}
}

func (b *TimedRingBuffer) resetLocked() {
	b.rb.Reset()
	b.chunks = 0
	b.pending = nil
	b.pendingMeta = Record{}
	b.held = 0
	b.broadcastLocked()
}

func (b *TimedRingBuffer) freeLocked() int {
	return b.rb.Free() - b.reserved - b.held
}

func (b *TimedRingBuffer) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// waitLocked blocks until ready() holds, the budget elapses, ctx is done or
// the buffer is closed. Must be called with b.mu held; the lock is released
// while sleeping.
func (b *TimedRingBuffer) waitLocked(ctx context.Context, wait time.Duration, ready func() bool) error {
	if b.closed {
		return ErrClosed
	}
	if ready() {
		return nil
	}
	if wait <= 0 {
		return ErrTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		changed := b.changed
		b.mu.Unlock()

		var err error
		select {
		case <-changed:
		case <-timer.C:
			err = ErrTimeout
		case <-ctx.Done():
			err = ctx.Err()
		}

		b.mu.Lock()
		if b.closed {
			return ErrClosed
		}
		if ready() {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
