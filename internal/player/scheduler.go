// ABOUTME: Playout scheduler: drains the chunk ring into the sink on the server timeline
// ABOUTME: Pads with silence when early and drops leading frames when late
package player

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/snapcast-go/internal/protocol"
	"github.com/Resonate-Protocol/snapcast-go/internal/ringbuf"
	"github.com/Resonate-Protocol/snapcast-go/internal/timeval"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPipelineLatency = 20 * time.Millisecond
	DefaultPadTolerance    = 2 * time.Millisecond
	DefaultDropTolerance   = 10 * time.Millisecond
	DefaultReadWait        = 100 * time.Millisecond
	DefaultMaxPad          = 100 * time.Millisecond
	DefaultMaxLead         = 15 * time.Second

	initialReadBuffer = 8 * 1024
	silenceBlock      = 4096
)

// Action is what the scheduler does with the next chunk
type Action int

const (
	ActionPlay Action = iota
	ActionPad
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionPlay:
		return "play"
	case ActionPad:
		return "pad"
	case ActionDrop:
		return "drop"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Tolerances bound how far playout may drift before correcting
type Tolerances struct {
	Pad  time.Duration
	Drop time.Duration
}

// Decision is the correction for one chunk
type Decision struct {
	Action    Action
	Delta     time.Duration
	PadFrames int64
	DropBytes int
}

// Decide compares a chunk's target playout time with when it would play if
// written now (predicted = now + everything already queued). A positive gap
// beyond tol.Pad is filled with silence; a negative gap beyond tol.Drop drops
// that many leading frames, never more than length bytes.
func Decide(f protocol.SampleFormat, target, predicted timeval.Value, length int, tol Tolerances) Decision {
	delta := target.Sub(predicted).Duration()

	switch {
	case delta > tol.Pad:
		return Decision{
			Action:    ActionPad,
			Delta:     delta,
			PadFrames: durationToFrames(f, delta),
		}
	case delta < -tol.Drop:
		drop := f.FramesToBytes(durationToFrames(f, -delta))
		return Decision{
			Action:    ActionDrop,
			Delta:     delta,
			DropBytes: min(drop, length),
		}
	}
	return Decision{Action: ActionPlay, Delta: delta}
}

func durationToFrames(f protocol.SampleFormat, d time.Duration) int64 {
	return d.Microseconds() * int64(f.Rate) / 1_000_000
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	Ring   *ringbuf.TimedRingBuffer
	Sink   Sink
	Clock  timeval.Clock
	Logger logrus.FieldLogger

	// PipelineLatency covers output buffering below the sink
	PipelineLatency time.Duration
	PadTolerance    time.Duration
	DropTolerance   time.Duration
	ReadWait        time.Duration

	// MaxPad bounds the silence written before the drift is measured again
	MaxPad time.Duration
	// MaxLead is how far ahead a chunk may be before it is thrown away
	MaxLead time.Duration
}

// SchedulerStats tracks scheduler metrics
type SchedulerStats struct {
	Format      protocol.SampleFormat
	Played      uint64
	Padded      uint64 // frames of silence inserted
	Dropped     uint64 // bytes dropped as late
	LateChunks  uint64 // chunks dropped whole
	EarlyChunks uint64 // chunks further ahead than MaxLead
	Underruns   uint64
	Discarded   uint64 // chunks with no playable format
	SinkErrors  uint64
	LastDelta   time.Duration
}

type schedulerCounters struct {
	format atomic.Pointer[protocol.SampleFormat]
	delta  atomic.Int64

	played, padded, dropped, late, early, underruns, discarded, sinkErrors atomic.Uint64
}

// Scheduler reads chunks from the ring and writes them to the sink. The ring
// belongs to the session; the scheduler only borrows it while running.
type Scheduler struct {
	cfg   SchedulerConfig
	ring  *ringbuf.TimedRingBuffer
	sink  Sink
	clock timeval.Clock
	log   logrus.FieldLogger
	tol   Tolerances

	// owned by the Run goroutine
	buf       []byte
	silence   []byte
	format    protocol.SampleFormat
	playable  bool
	padFrames int64
	starved   bool

	// a chunk waiting for its padding to be written
	held    bool
	heldLen int
	heldAt  timeval.Value

	stats schedulerCounters
}

// NewScheduler creates a playout scheduler
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Ring == nil || cfg.Sink == nil {
		return nil, errors.New("player: ring and sink are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeval.MonotonicClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "scheduler")
	}
	if cfg.PipelineLatency == 0 {
		cfg.PipelineLatency = DefaultPipelineLatency
	}
	if cfg.PadTolerance == 0 {
		cfg.PadTolerance = DefaultPadTolerance
	}
	if cfg.DropTolerance == 0 {
		cfg.DropTolerance = DefaultDropTolerance
	}
	if cfg.ReadWait == 0 {
		cfg.ReadWait = DefaultReadWait
	}
	if cfg.MaxPad == 0 {
		cfg.MaxPad = DefaultMaxPad
	}
	if cfg.MaxLead == 0 {
		cfg.MaxLead = DefaultMaxLead
	}

	return &Scheduler{
		cfg:     cfg,
		ring:    cfg.Ring,
		sink:    cfg.Sink,
		clock:   cfg.Clock,
		log:     cfg.Logger,
		tol:     Tolerances{Pad: cfg.PadTolerance, Drop: cfg.DropTolerance},
		buf:     make([]byte, initialReadBuffer),
		silence: make([]byte, silenceBlock),
	}, nil
}

// Run plays chunks until ctx is done or the ring is closed
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if s.held {
			done, err := s.play(ctx, s.heldAt, s.buf[:s.heldLen])
			if err != nil {
				return err
			}
			s.held = !done
			continue
		}

		rec, err := s.ring.ReadRecord(ctx, s.buf, s.cfg.ReadWait)
		switch {
		case errors.Is(err, ringbuf.ErrWouldTruncate):
			s.buf = make([]byte, s.ring.PendingLen())
			continue
		case errors.Is(err, ringbuf.ErrClosed):
			return nil
		case err != nil:
			return err
		case rec.Len == 0:
			if s.playable && !s.starved {
				s.starved = true
				s.stats.underruns.Add(1)
				s.log.Debug("Chunk ring empty")
			}
			continue
		}
		s.starved = false

		if rec.Kind == ringbuf.KindCodecHeader {
			s.configure(s.buf[:rec.Len])
			continue
		}
		done, err := s.play(ctx, rec.Stamp, s.buf[:rec.Len])
		if err != nil {
			return err
		}
		if !done {
			s.held, s.heldLen, s.heldAt = true, rec.Len, rec.Stamp
		}
	}
}

// configure handles the codec-header record that opens each stream epoch.
// A header that cannot be read leaves the current format in place.
func (s *Scheduler) configure(body []byte) {
	ch, err := protocol.BindCodecHeader(body)
	if err != nil {
		s.log.Warnf("Bad codec header chunk: %v", err)
		return
	}
	format, err := protocol.ParseSampleFormat(ch.Codec, ch.Payload)
	if err != nil {
		s.log.WithField("codec", ch.Codec).Warnf("Cannot determine sample format: %v", err)
		return
	}

	s.playable = false
	s.padFrames = 0
	s.format = format
	s.stats.format.Store(&format)

	log := s.log.WithFields(logrus.Fields{
		"codec":    format.Codec,
		"rate":     format.Rate,
		"bits":     format.Bits,
		"channels": format.Channels,
	})
	if format.Codec != "pcm" {
		log.Warn("Codec is not decoded here, discarding audio")
		return
	}
	if err := s.sink.Configure(format); err != nil {
		log.Errorf("Failed to configure sink: %v", err)
		return
	}
	s.playable = true
	log.Info("Stream format")
}

// pending is how long until audio written now would reach the speaker
func (s *Scheduler) pending() time.Duration {
	frames := s.format.BytesToFrames(s.sink.Buffered()) + s.padFrames
	return time.Duration(frames)*time.Second/time.Duration(s.format.Rate) + s.cfg.PipelineLatency
}

// play writes one chunk, correcting drift first. It returns false when only
// part of the padding went out; the chunk is then offered again next cycle,
// measured against the clock and sink backlog at that point.
func (s *Scheduler) play(ctx context.Context, target timeval.Value, data []byte) (bool, error) {
	if !s.playable {
		s.stats.discarded.Add(1)
		return true, nil
	}

	// Unstamped audio has no place on the timeline and goes straight out
	if !target.IsZero() {
		predicted := s.clock.Now().Add(timeval.FromDuration(s.pending()))
		d := Decide(s.format, target, predicted, len(data), s.tol)
		s.stats.delta.Store(d.Delta.Microseconds())

		switch d.Action {
		case ActionPad:
			if d.Delta > s.cfg.MaxLead {
				s.stats.early.Add(1)
				s.log.Warnf("Chunk %v ahead, discarding", d.Delta)
				return true, nil
			}
			pad := min(d.PadFrames, durationToFrames(s.format, s.cfg.MaxPad))
			s.padFrames += pad
			s.stats.padded.Add(uint64(pad))
			s.log.Debugf("Early by %v, padding %d frames", d.Delta, pad)
			if err := s.writeSilence(ctx); err != nil {
				return true, err
			}
			if pad < d.PadFrames {
				return false, nil
			}
		case ActionDrop:
			data = data[d.DropBytes:]
			s.stats.dropped.Add(uint64(d.DropBytes))
			if len(data) == 0 {
				s.stats.late.Add(1)
			}
			s.log.Debugf("Late by %v, dropping %d bytes", -d.Delta, d.DropBytes)
		}
	}

	if err := s.writeSilence(ctx); err != nil {
		return true, err
	}
	if len(data) == 0 {
		return true, nil
	}
	if _, err := s.sink.Write(data); err != nil {
		s.stats.sinkErrors.Add(1)
		return true, fmt.Errorf("sink write: %w", err)
	}
	s.stats.played.Add(1)
	return true, nil
}

// writeSilence flushes owed padding to the sink in small blocks
func (s *Scheduler) writeSilence(ctx context.Context) error {
	for s.padFrames > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(s.format.FramesToBytes(s.padFrames), len(s.silence)-len(s.silence)%s.format.FrameSize())
		if n == 0 {
			s.padFrames = 0
			return nil
		}
		written, err := s.sink.Write(s.silence[:n])
		if err != nil {
			s.stats.sinkErrors.Add(1)
			return fmt.Errorf("sink write: %w", err)
		}
		if written == 0 {
			return nil
		}
		s.padFrames -= s.format.BytesToFrames(written)
	}
	return nil
}

// Stats returns a snapshot of the scheduler counters
func (s *Scheduler) Stats() SchedulerStats {
	st := SchedulerStats{
		Played:      s.stats.played.Load(),
		Padded:      s.stats.padded.Load(),
		Dropped:     s.stats.dropped.Load(),
		LateChunks:  s.stats.late.Load(),
		EarlyChunks: s.stats.early.Load(),
		Underruns:   s.stats.underruns.Load(),
		Discarded:   s.stats.discarded.Load(),
		SinkErrors:  s.stats.sinkErrors.Load(),
		LastDelta:   time.Duration(s.stats.delta.Load()) * time.Microsecond,
	}
	if f := s.stats.format.Load(); f != nil {
		st.Format = *f
	}
	return st
}
