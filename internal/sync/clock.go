// ABOUTME: Clock synchronization from Snapcast time round trips
// ABOUTME: Median of a bounded sample window maps server timestamps to local playout time
package sync

import (
	"slices"
	"sync"
	"time"

	"github.com/Resonate-Protocol/snapcast-go/internal/timeval"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultWindow is the number of offset samples kept for the median
	DefaultWindow = 100

	goodRTT    = 50 * time.Millisecond
	staleAfter = 5 * time.Second
)

// Quality represents sync quality
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	}
	return "lost"
}

// Config controls a ClockSync
type Config struct {
	Window int
	Clock  timeval.Clock
	Logger logrus.FieldLogger
}

// Stats is a snapshot of the synchronizer
type Stats struct {
	Offset   timeval.Value
	RTT      timeval.Value
	Quality  Quality
	Samples  int
	Total    uint64
	BufferMs int32
	Latency  int32
}

// ClockSync estimates the server-minus-client clock offset
type ClockSync struct {
	mu     sync.RWMutex
	clock  timeval.Clock
	log    logrus.FieldLogger
	window []int64 // offset samples in microseconds
	sorted []int64
	next   int
	count  int
	total  uint64

	offset   timeval.Value
	rtt      timeval.Value
	quality  Quality
	lastSync timeval.Value
	bufferMs int32
	latency  int32

	// provisional offset used until the first time reply
	anchor   timeval.Value
	anchored bool
}

// NewClockSync creates a new clock synchronizer
func NewClockSync(cfg Config) *ClockSync {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = timeval.MonotonicClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "clocksync")
	}

	return &ClockSync{
		clock:   cfg.Clock,
		log:     cfg.Logger,
		window:  make([]int64, cfg.Window),
		sorted:  make([]int64, 0, cfg.Window),
		quality: QualityLost,
	}
}

// ProcessTimeResponse handles the server's echo of a time probe.
// sent is the server's send stamp from the echo header, c2s the latency the
// server measured for our probe, received our local clock at arrival.
func (cs *ClockSync) ProcessTimeResponse(sent, c2s, received timeval.Value) timeval.Value {
	s2c := received.Sub(sent)
	sample := c2s.Sub(s2c).Div(2)
	rtt := c2s.Add(s2c)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.rtt = rtt
	if rtt.Duration() < goodRTT {
		cs.quality = QualityGood
	} else {
		cs.quality = QualityDegraded
	}

	prev := cs.offset
	median := cs.addLocked(sample)

	if cs.total <= 3 {
		cs.log.WithFields(logrus.Fields{
			"c2s":    c2s,
			"s2c":    s2c,
			"sample": sample,
		}).Debug("Time sample")
	}
	if cs.total == 1 {
		cs.log.WithFields(logrus.Fields{"offset": median, "rtt": rtt}).Info("Initial sync")
	} else {
		cs.log.Debugf("Offset %v (%+dms), %d samples, rtt %v",
			median, median.Sub(prev).Millis(), cs.count, rtt)
	}
	return median
}

func (cs *ClockSync) addLocked(sample timeval.Value) timeval.Value {
	cs.window[cs.next] = sample.Micros()
	cs.next = (cs.next + 1) % len(cs.window)
	if cs.count < len(cs.window) {
		cs.count++
	}
	cs.total++
	cs.lastSync = cs.clock.Now()

	cs.sorted = append(cs.sorted[:0], cs.window[:cs.count]...)
	slices.Sort(cs.sorted)
	cs.offset = timeval.FromMicros(cs.sorted[cs.count/2])
	return cs.offset
}

// Offset returns the current median offset, zero before the first sample
func (cs *ClockSync) Offset() timeval.Value {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.offset
}

// Synced reports whether at least one sample has been taken
func (cs *ClockSync) Synced() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.count > 0
}

// SetServerSettings stores the buffer and latency pushed by the server
func (cs *ClockSync) SetServerSettings(bufferMs, latency int32) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.bufferMs = bufferMs
	cs.latency = latency
}

// BufferMs returns the end-to-end buffer from the last server settings
func (cs *ClockSync) BufferMs() int32 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.bufferMs
}

// ToLocalPlayout converts a server chunk timestamp to the local time it must be heard
func (cs *ClockSync) ToLocalPlayout(server timeval.Value) timeval.Value {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return server.Sub(cs.offset).Add(timeval.FromMillis(int64(cs.bufferMs)))
}

// PlayoutTime stamps a chunk that reached us at local time arrival. Once
// synced this is ToLocalPlayout. Before the first time reply the first chunk
// seen fixes a provisional offset, so playback starts bufferMs after arrival
// and later chunks keep their spacing on the server timeline.
func (cs *ClockSync) PlayoutTime(server, arrival timeval.Value) timeval.Value {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	offset := cs.offset
	if cs.count == 0 {
		if !cs.anchored {
			cs.anchor = server.Sub(arrival)
			cs.anchored = true
			cs.log.WithField("anchor", cs.anchor).Debug("Not synced yet, playing relative to arrival")
		}
		offset = cs.anchor
	}
	return server.Sub(offset).Add(timeval.FromMillis(int64(cs.bufferMs)))
}

// Reset forgets every sample; server settings are kept
func (cs *ClockSync) Reset() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	clear(cs.window)
	cs.next = 0
	cs.count = 0
	cs.offset = timeval.Value{}
	cs.rtt = timeval.Value{}
	cs.quality = QualityLost
	cs.anchor = timeval.Value{}
	cs.anchored = false
}

// CheckQuality updates quality based on time since last sync
func (cs *ClockSync) CheckQuality() Quality {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.count == 0 || cs.clock.Now().Sub(cs.lastSync).Duration() > staleAfter {
		cs.quality = QualityLost
	}
	return cs.quality
}

// GetStats returns sync statistics
func (cs *ClockSync) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return Stats{
		Offset:   cs.offset,
		RTT:      cs.rtt,
		Quality:  cs.quality,
		Samples:  cs.count,
		Total:    cs.total,
		BufferMs: cs.bufferMs,
		Latency:  cs.latency,
	}
}
