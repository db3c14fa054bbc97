// ABOUTME: Snapcast stream session: connect, frame messages, feed the chunk ring
// ABOUTME: One goroutine reads the transport and sends clock probes between polls
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/snapcast-go/internal/protocol"
	"github.com/Resonate-Protocol/snapcast-go/internal/ringbuf"
	clocksync "github.com/Resonate-Protocol/snapcast-go/internal/sync"
	"github.com/Resonate-Protocol/snapcast-go/internal/timeval"
	"github.com/Resonate-Protocol/snapcast-go/internal/transport"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Session states
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateStreaming    = "streaming"
)

const (
	eventConnect    = "connect"
	eventConnected  = "connected"
	eventDisconnect = "disconnect"
)

const (
	DefaultPort         = 1704
	DefaultRingCapacity = 512 * 1024
	DefaultReadTimeout  = 5 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultWriteTimeout = time.Second
	DefaultSyncInterval = time.Second
	DefaultChunkWait    = 50 * time.Millisecond
	DefaultMaxMalformed = 10

	minSyncInterval = time.Second
)

var (
	// ErrProtocol means the server kept sending messages we cannot parse
	ErrProtocol = errors.New("session: protocol error")
	// ErrNotStreaming is returned by Run and SendClientInfo outside the streaming state
	ErrNotStreaming = errors.New("session: not streaming")
)

// Config holds session configuration
type Config struct {
	Host      string
	Port      int
	Transport transport.Transport
	Hello     protocol.Hello
	Clock     timeval.Clock
	Sync      *clocksync.ClockSync
	Logger    logrus.FieldLogger

	RingCapacity   int
	MaxMessageSize int
	ReadTimeout    time.Duration
	PollInterval   time.Duration
	WriteTimeout   time.Duration
	SyncInterval   time.Duration
	ChunkWait      time.Duration
	MaxMalformed   int

	OnSettings   func(protocol.ServerSettings)
	OnStreamTags func(protocol.StreamTags)
}

// Stats counts what the read loop has seen
type Stats struct {
	Messages      uint64
	Chunks        uint64
	ChunksGated   uint64
	ChunksDropped uint64
	CodecHeaders  uint64
	Malformed     uint64
	TimeProbes    uint64
	TimeReplies   uint64
}

type counters struct {
	messages, chunks, gated, dropped, codecHeaders, malformed, probes, replies atomic.Uint64
}

// Session is one client connection to a snapserver
type Session struct {
	cfg   Config
	log   logrus.FieldLogger
	clock timeval.Clock
	sync  *clocksync.ClockSync
	ring  *ringbuf.TimedRingBuffer
	fsm   *fsm.FSM

	// read loop state, owned by the Run goroutine
	rx        []byte
	rxLen     int
	malformed int
	probe     *rate.Limiter

	txMu  sync.Mutex
	tx    []byte
	msgID uint16

	codecSeen atomic.Bool
	codec     atomic.Pointer[string]
	settings  atomic.Pointer[protocol.ServerSettings]
	stats     counters

	// stopCtx lives for one connection; Stop cancels it
	runMu   sync.Mutex
	stopCtx context.Context
	stop    context.CancelFunc
}

// New creates a session and its chunk ring
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Clock == nil {
		cfg.Clock = timeval.MonotonicClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "session")
	}
	if cfg.Sync == nil {
		cfg.Sync = clocksync.NewClockSync(clocksync.Config{Clock: cfg.Clock, Logger: cfg.Logger})
	}
	if cfg.RingCapacity == 0 {
		cfg.RingCapacity = DefaultRingCapacity
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.SyncInterval < minSyncInterval {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.ChunkWait == 0 {
		cfg.ChunkWait = DefaultChunkWait
	}
	if cfg.MaxMalformed == 0 {
		cfg.MaxMalformed = DefaultMaxMalformed
	}
	if cfg.MaxMessageSize < protocol.HeaderSize {
		return nil, fmt.Errorf("session: max message size %d below header size", cfg.MaxMessageSize)
	}

	ring, err := ringbuf.New(cfg.RingCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk ring: %w", err)
	}

	s := &Session{
		cfg:   cfg,
		log:   cfg.Logger,
		clock: cfg.Clock,
		sync:  cfg.Sync,
		ring:  ring,
		rx:    make([]byte, cfg.MaxMessageSize),
		tx:    make([]byte, 0, 512),
	}

	s.fsm = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: eventConnected, Src: []string{StateConnecting}, Dst: StateStreaming},
			{Name: eventDisconnect, Src: []string{StateConnecting, StateStreaming}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst}).Debug("Session state")
			},
		},
	)

	return s, nil
}

// Connect dials the server and announces this client. On failure the session
// stays disconnected and the error is returned.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.fsm.Event(ctx, eventConnect); err != nil {
		return fmt.Errorf("connect from state %s: %w", s.fsm.Current(), err)
	}

	stopCtx, stop := context.WithCancel(context.Background())
	s.runMu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.stopCtx, s.stop = stopCtx, stop
	s.runMu.Unlock()

	s.codecSeen.Store(false)
	s.codec.Store(nil)
	s.rxLen = 0
	s.malformed = 0
	s.sync.Reset()
	s.ring.Reset()

	log := s.log.WithFields(logrus.Fields{"host": s.cfg.Host, "port": s.cfg.Port})
	log.Info("Connecting")

	if err := s.cfg.Transport.Connect(ctx, s.cfg.Host, s.cfg.Port); err != nil {
		s.fsm.Event(context.Background(), eventDisconnect)
		return fmt.Errorf("connect to %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}

	if err := s.send(s.cfg.Hello, s.cfg.WriteTimeout); err != nil {
		s.cfg.Transport.Close()
		s.fsm.Event(context.Background(), eventDisconnect)
		return fmt.Errorf("failed to send hello: %w", err)
	}

	// Burst of one: the first probe goes out as soon as Run starts
	s.probe = rate.NewLimiter(rate.Every(s.cfg.SyncInterval), 1)

	if err := s.fsm.Event(ctx, eventConnected); err != nil {
		s.cfg.Transport.Close()
		return err
	}
	log.Info("Connected")
	return nil
}

// Run reads messages until ctx is cancelled, Stop is called or the stream
// fails. It always leaves the session disconnected.
func (s *Session) Run(ctx context.Context) error {
	if !s.fsm.Is(StateStreaming) {
		return ErrNotStreaming
	}

	s.runMu.Lock()
	stopCtx := s.stopCtx
	s.runMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	if stopCtx.Err() != nil {
		cancel()
	}
	stopAfter := context.AfterFunc(stopCtx, cancel)

	defer func() {
		stopAfter()
		cancel()
		s.cfg.Transport.Close()
		s.fsm.Event(context.Background(), eventDisconnect)
		s.log.Info("Disconnected")
	}()

	lastRx := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.maybeProbe(); err != nil {
			return err
		}

		need, h, err := s.needed()
		if err != nil {
			return err
		}

		if s.rxLen < need {
			idle := time.Since(lastRx)
			if idle >= s.cfg.ReadTimeout {
				return fmt.Errorf("no data for %v: %w", idle.Round(time.Millisecond), transport.ErrTimeout)
			}
			poll := min(s.cfg.PollInterval, s.cfg.ReadTimeout-idle)

			n, err := s.cfg.Transport.Read(s.rx[s.rxLen:need], poll)
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if err != nil {
				return err
			}
			s.rxLen += n
			lastRx = time.Now()
			continue
		}

		s.rxLen = 0
		if err := s.dispatch(ctx, h, s.rx[protocol.HeaderSize:need]); err != nil {
			return err
		}
	}
}

// needed returns how many bytes of s.rx make up the next step: a header, or
// the full message once the header is known.
func (s *Session) needed() (int, protocol.Header, error) {
	if s.rxLen < protocol.HeaderSize {
		return protocol.HeaderSize, protocol.Header{}, nil
	}
	h, err := protocol.ParseHeader(s.rx[:s.rxLen])
	if err != nil {
		return 0, h, err
	}
	if err := h.Validate(s.cfg.MaxMessageSize); err != nil {
		return 0, h, err
	}
	return h.MessageSize(), h, nil
}

func (s *Session) maybeProbe() error {
	if !s.probe.Allow() {
		return nil
	}
	if err := s.send(protocol.Time{}, s.cfg.PollInterval); err != nil {
		return fmt.Errorf("failed to send time probe: %w", err)
	}
	s.stats.probes.Add(1)
	return nil
}

func (s *Session) dispatch(ctx context.Context, h protocol.Header, payload []byte) error {
	received := s.clock.Now()
	s.stats.messages.Add(1)

	msg, err := protocol.Decode(h, payload)
	if errors.Is(err, protocol.ErrUnknownType) {
		s.log.Debugf("Ignoring message type %d", uint16(h.Type))
		return nil
	}
	if err != nil {
		s.malformed++
		s.stats.malformed.Add(1)
		s.log.WithFields(logrus.Fields{"type": h.Type, "size": h.Size}).Warnf("Discarding malformed message: %v", err)
		if s.malformed > s.cfg.MaxMalformed {
			return fmt.Errorf("%w: %d malformed messages in a row: %v", ErrProtocol, s.malformed, err)
		}
		return nil
	}
	s.malformed = 0

	switch m := msg.(type) {
	case protocol.CodecHeader:
		return s.handleCodecHeader(ctx, m, payload)
	case protocol.WireChunk:
		return s.handleWireChunk(ctx, m, received)
	case protocol.Time:
		s.stats.replies.Add(1)
		s.sync.ProcessTimeResponse(h.Sent, m.Latency, received)
	case protocol.ServerSettings:
		s.handleSettings(m)
	case protocol.StreamTags:
		s.log.WithField("tags", m.Tags).Info("Stream tags")
		if s.cfg.OnStreamTags != nil {
			s.cfg.OnStreamTags(m)
		}
	default:
		s.log.Debugf("Ignoring %s message", h.Type)
	}
	return nil
}

// handleCodecHeader starts a new stream epoch. The whole codec-header body
// goes into the ring as a codec-header record so the consumer sees it in order.
func (s *Session) handleCodecHeader(ctx context.Context, m protocol.CodecHeader, body []byte) error {
	dropped := s.ring.Reset()
	s.stats.codecHeaders.Add(1)

	s.log.WithFields(logrus.Fields{
		"codec":   m.Codec,
		"size":    len(m.Payload),
		"dropped": dropped,
	}).Info("Codec header")

	n, err := s.ring.WriteCodecHeader(ctx, body, s.cfg.ChunkWait)
	if err != nil {
		return fmt.Errorf("failed to queue codec header: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("failed to queue codec header: %w", ringbuf.ErrTimeout)
	}

	codec := m.Codec
	s.codec.Store(&codec)
	s.codecSeen.Store(true)
	return nil
}

func (s *Session) handleWireChunk(ctx context.Context, m protocol.WireChunk, received timeval.Value) error {
	if !s.codecSeen.Load() {
		s.stats.gated.Add(1)
		return nil
	}
	if len(m.Payload) == 0 {
		return nil
	}

	c, err := s.ring.AcquireWriteChunk(ctx, len(m.Payload), s.cfg.ChunkWait)
	switch {
	case errors.Is(err, ringbuf.ErrTimeout):
		if s.stats.dropped.Add(1)%100 == 1 {
			s.log.Warnf("Chunk ring full, dropped %d chunks so far", s.stats.dropped.Load())
		}
		return nil
	case errors.Is(err, ringbuf.ErrChunkTooLarge):
		s.stats.dropped.Add(1)
		s.log.WithField("size", len(m.Payload)).Warn("Chunk larger than ring, dropping")
		return nil
	case err != nil:
		return err
	}

	copy(c.Data, m.Payload)
	c.Stamp = s.sync.PlayoutTime(m.Timestamp, received)
	if err := s.ring.ReleaseWriteChunk(c); err != nil {
		return err
	}
	s.stats.chunks.Add(1)
	return nil
}

func (s *Session) handleSettings(m protocol.ServerSettings) {
	s.sync.SetServerSettings(m.BufferMs, m.Latency)
	s.settings.Store(&m)

	s.log.WithFields(logrus.Fields{
		"buffer_ms": m.BufferMs,
		"latency":   m.Latency,
		"volume":    m.Volume,
		"muted":     m.Muted,
	}).Info("Server settings")

	if s.cfg.OnSettings != nil {
		s.cfg.OnSettings(m)
	}
}

// send serializes msg and writes it, stamping the header right before the write
func (s *Session) send(msg protocol.Message, timeout time.Duration) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.msgID++
	buf, err := protocol.Marshal(s.tx[:0], msg, s.msgID, s.clock.Now())
	if err != nil {
		return err
	}
	s.tx = buf

	_, err = s.cfg.Transport.Write(buf, timeout)
	return err
}

// SendClientInfo reports local volume (0-100) and mute state to the server
func (s *Session) SendClientInfo(volume int, muted bool) error {
	if !s.fsm.Is(StateStreaming) {
		return ErrNotStreaming
	}
	return s.send(protocol.ClientInfo{Volume: volume, Muted: muted}, s.cfg.WriteTimeout)
}

// Stop ends the current connection. A running Run returns, and a Run started
// after Stop but before the next Connect returns at once.
func (s *Session) Stop() {
	s.runMu.Lock()
	stop := s.stop
	s.runMu.Unlock()
	if stop != nil {
		stop()
	}
}

// Close stops the session and releases the ring; consumers blocked on it wake up
func (s *Session) Close() {
	s.Stop()
	s.cfg.Transport.Close()
	s.ring.Close()
}

// Ring returns the chunk ring. The session keeps ownership.
func (s *Session) Ring() *ringbuf.TimedRingBuffer {
	return s.ring
}

// Sync returns the clock synchronizer
func (s *Session) Sync() *clocksync.ClockSync {
	return s.sync
}

// State returns the current connection state
func (s *Session) State() string {
	return s.fsm.Current()
}

// Codec returns the codec of the current stream epoch, empty before a codec header
func (s *Session) Codec() string {
	if c := s.codec.Load(); c != nil {
		return *c
	}
	return ""
}

// Settings returns the last server settings
func (s *Session) Settings() (protocol.ServerSettings, bool) {
	if p := s.settings.Load(); p != nil {
		return *p, true
	}
	return protocol.ServerSettings{}, false
}

// Stats returns a snapshot of the session counters
func (s *Session) Stats() Stats {
	return Stats{
		Messages:      s.stats.messages.Load(),
		Chunks:        s.stats.chunks.Load(),
		ChunksGated:   s.stats.gated.Load(),
		ChunksDropped: s.stats.dropped.Load(),
		CodecHeaders:  s.stats.codecHeaders.Load(),
		Malformed:     s.stats.malformed.Load(),
		TimeProbes:    s.stats.probes.Load(),
		TimeReplies:   s.stats.replies.Load(),
	}
}
