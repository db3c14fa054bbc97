// ABOUTME: Main player application orchestration
// ABOUTME: Runs the stream session with reconnects alongside the playout scheduler
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/snapcast-go/internal/player"
	"github.com/Resonate-Protocol/snapcast-go/internal/protocol"
	"github.com/Resonate-Protocol/snapcast-go/internal/session"
	clocksync "github.com/Resonate-Protocol/snapcast-go/internal/sync"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultReconnectDelay    = time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
)

// Config holds player configuration
type Config struct {
	Session   session.Config
	Scheduler player.SchedulerConfig
	Sink      player.Sink
	Logger    logrus.FieldLogger

	// Volume is the initial local volume (0-100)
	Volume            int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Stats is a snapshot across the pipeline
type Stats struct {
	Connected  bool
	State      string
	Reconnects uint64
	Session    session.Stats
	Scheduler  player.SchedulerStats
	Sync       clocksync.Stats
	RingChunks int
	RingFree   int
}

// Player represents the main player application
type Player struct {
	config    Config
	log       logrus.FieldLogger
	session   *session.Session
	scheduler *player.Scheduler
	sink      player.Sink

	volume     atomic.Int32
	muted      atomic.Bool
	connected  atomic.Bool
	reconnects atomic.Uint64
}

// New wires a session, its ring and a scheduler around sink
func New(config Config) (*Player, error) {
	if config.Sink == nil {
		return nil, errors.New("app: sink is required")
	}
	if config.Logger == nil {
		config.Logger = logrus.WithField("component", "player")
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.MaxReconnectDelay < config.ReconnectDelay {
		config.MaxReconnectDelay = max(DefaultMaxReconnectDelay, config.ReconnectDelay)
	}

	p := &Player{
		config: config,
		log:    config.Logger,
		sink:   config.Sink,
	}
	p.volume.Store(int32(max(0, min(100, config.Volume))))

	onSettings := config.Session.OnSettings
	config.Session.OnSettings = func(s protocol.ServerSettings) {
		p.applySettings(s)
		if onSettings != nil {
			onSettings(s)
		}
	}

	sess, err := session.New(config.Session)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	schedCfg := config.Scheduler
	schedCfg.Ring = sess.Ring()
	schedCfg.Sink = config.Sink
	if schedCfg.Clock == nil {
		schedCfg.Clock = config.Session.Clock
	}
	sched, err := player.NewScheduler(schedCfg)
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	p.session = sess
	p.scheduler = sched
	p.sink.SetVolume(int(p.volume.Load()))
	return p, nil
}

// Run plays until ctx is cancelled. Connection failures are retried with
// backoff; only a scheduler or sink failure ends Run early.
func (p *Player) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.scheduler.Run(ctx)
	})
	g.Go(func() error {
		return p.connectLoop(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Player) connectLoop(ctx context.Context) error {
	delay := p.config.ReconnectDelay

	for {
		err := p.session.Connect(ctx)
		if err == nil {
			delay = p.config.ReconnectDelay
			p.connected.Store(true)
			// Let the server know our local volume for this connection
			if err := p.session.SendClientInfo(int(p.volume.Load()), p.muted.Load()); err != nil {
				p.log.Debugf("Failed to send client info: %v", err)
			}
			err = p.session.Run(ctx)
			p.connected.Store(false)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.reconnects.Add(1)
		p.log.WithError(err).Warnf("Stream lost, reconnecting in %v", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, p.config.MaxReconnectDelay)
	}
}

// applySettings follows the server-side volume for this client
func (p *Player) applySettings(s protocol.ServerSettings) {
	volume := max(0, min(100, int(s.Volume)))
	p.volume.Store(int32(volume))
	p.muted.Store(s.Muted)
	p.sink.SetVolume(volume)
	p.sink.SetMuted(s.Muted)
}

// SetVolume sets the local volume (0-100) and reports it to the server
func (p *Player) SetVolume(volume int) {
	volume = max(0, min(100, volume))
	p.volume.Store(int32(volume))
	p.sink.SetVolume(volume)
	p.reportClientInfo()
}

// Mute sets the local mute state and reports it to the server
func (p *Player) Mute(muted bool) {
	p.muted.Store(muted)
	p.sink.SetMuted(muted)
	p.reportClientInfo()
}

func (p *Player) reportClientInfo() {
	err := p.session.SendClientInfo(int(p.volume.Load()), p.muted.Load())
	if err != nil && !errors.Is(err, session.ErrNotStreaming) {
		p.log.Warnf("Failed to send client info: %v", err)
	}
}

// Volume returns the current volume and mute state
func (p *Player) Volume() (int, bool) {
	return int(p.volume.Load()), p.muted.Load()
}

// Stats returns a snapshot of pipeline statistics
func (p *Player) Stats() Stats {
	ring := p.session.Ring()
	return Stats{
		Connected:  p.connected.Load(),
		State:      p.session.State(),
		Reconnects: p.reconnects.Load(),
		Session:    p.session.Stats(),
		Scheduler:  p.scheduler.Stats(),
		Sync:       p.session.Sync().GetStats(),
		RingChunks: ring.ChunksAvailable(),
		RingFree:   ring.Free(),
	}
}

// Session returns the stream session
func (p *Player) Session() *session.Session {
	return p.session
}

// Close releases the session, its ring and the sink
func (p *Player) Close() error {
	p.session.Close()
	return p.sink.Close()
}
