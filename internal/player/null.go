// ABOUTME: Headless sink that discards audio in real time
// ABOUTME: Paces writes like a device so the scheduler sees realistic backlog
package player

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/snapcast-go/internal/protocol"
)

// NullSink accepts audio at the configured rate and throws it away
type NullSink struct {
	maxAhead time.Duration
	now      func() time.Time
	sleep    func(time.Duration)

	mu     sync.Mutex
	format protocol.SampleFormat
	until  time.Time

	written atomic.Uint64
	volume  atomic.Int32
	muted   atomic.Bool
}

// NewNullSink creates a sink that lets at most maxAhead of audio queue up
func NewNullSink(maxAhead time.Duration) *NullSink {
	if maxAhead <= 0 {
		maxAhead = DefaultDeviceBuffer
	}
	n := &NullSink{maxAhead: maxAhead, now: time.Now, sleep: time.Sleep}
	n.volume.Store(100)
	return n
}

func (n *NullSink) Configure(f protocol.SampleFormat) error {
	if !f.Valid() {
		return fmt.Errorf("%w: %s", protocol.ErrMalformed, f)
	}
	n.mu.Lock()
	n.format = f
	n.until = n.now()
	n.mu.Unlock()
	return nil
}

// Write blocks while more than maxAhead is queued, then accepts p whole
func (n *NullSink) Write(p []byte) (int, error) {
	n.mu.Lock()
	f := n.format
	if !f.Valid() {
		n.mu.Unlock()
		return 0, ErrNotConfigured
	}
	now := n.now()
	if n.until.Before(now) {
		n.until = now
	}
	ahead := n.until.Sub(now)
	n.mu.Unlock()

	if ahead > n.maxAhead {
		n.sleep(ahead - n.maxAhead)
	}

	frames := f.BytesToFrames(len(p))
	n.mu.Lock()
	n.until = n.until.Add(time.Duration(frames) * time.Second / time.Duration(f.Rate))
	n.mu.Unlock()

	n.written.Add(uint64(len(p)))
	return len(p), nil
}

func (n *NullSink) Buffered() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.format.Valid() {
		return 0
	}
	ahead := n.until.Sub(n.now())
	if ahead <= 0 {
		return 0
	}
	frames := int64(ahead) * int64(n.format.Rate) / int64(time.Second)
	return n.format.FramesToBytes(frames)
}

func (n *NullSink) SetVolume(volume int) { n.volume.Store(int32(clampVolume(volume))) }
func (n *NullSink) SetMuted(muted bool)  { n.muted.Store(muted) }
func (n *NullSink) Close() error         { return nil }

// Volume returns the last volume set
func (n *NullSink) Volume() int { return int(n.volume.Load()) }

// Muted returns the last mute state set
func (n *NullSink) Muted() bool { return n.muted.Load() }

// Written returns the total bytes accepted
func (n *NullSink) Written() uint64 { return n.written.Load() }
