// ABOUTME: Tests for player application orchestration
// ABOUTME: Reconnect backoff, server volume, client info and end-to-end playout
package app

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Resonate-Protocol/snapcast-go/internal/player"
	"github.com/Resonate-Protocol/snapcast-go/internal/protocol"
	"github.com/Resonate-Protocol/snapcast-go/internal/session"
	"github.com/Resonate-Protocol/snapcast-go/internal/timeval"
	"github.com/Resonate-Protocol/snapcast-go/internal/transport"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

// server is the far end of a net.Pipe; it records what the client sends
type server struct {
	conn net.Conn
	mu   sync.Mutex
	seen []protocol.Message
}

func (s *server) readLoop() {
	hdr := make([]byte, protocol.HeaderSize)
	for {
		if _, err := io.ReadFull(s.conn, hdr); err != nil {
			return
		}
		h, _ := protocol.ParseHeader(hdr)
		body := make([]byte, h.Size)
		if _, err := io.ReadFull(s.conn, body); err != nil {
			return
		}
		if msg, err := protocol.Decode(h, body); err == nil {
			s.mu.Lock()
			s.seen = append(s.seen, msg)
			s.mu.Unlock()
		}
	}
}

func (s *server) clientInfos() []protocol.ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.ClientInfo
	for _, m := range s.seen {
		if ci, ok := m.(protocol.ClientInfo); ok {
			out = append(out, ci)
		}
	}
	return out
}

func (s *server) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	raw, err := protocol.Encode(nil, protocol.Header{Sent: timeval.Now()}, msg)
	require.NoError(t, err)
	_, err = s.conn.Write(raw)
	require.NoError(t, err)
}

type rig struct {
	p       *Player
	sink    *player.NullSink
	servers chan *server
	dials   atomic.Int32
}

// newRig builds a player whose first failDials dial attempts are refused
func newRig(t *testing.T, failDials int32) *rig {
	t.Helper()
	r := &rig{servers: make(chan *server, 8), sink: player.NewNullSink(0)}

	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if r.dials.Add(1) <= failDials {
			return nil, errors.New("connection refused")
		}
		client, conn := net.Pipe()
		srv := &server{conn: conn}
		go srv.readLoop()
		r.servers <- srv
		t.Cleanup(func() { conn.Close() })
		return client, nil
	}

	logger, _ := test.NewNullLogger()
	p, err := New(Config{
		Session: session.Config{
			Host:         "snapserver",
			Transport:    transport.NewTCP(dial),
			Hello:        session.NewHello("app-test", 1, "app-test-id", ""),
			Logger:       logger,
			RingCapacity: 256 * 1024,
			ReadTimeout:  2 * time.Second,
			PollInterval: 10 * time.Millisecond,
		},
		Scheduler:      player.SchedulerConfig{Logger: logger, ReadWait: 10 * time.Millisecond},
		Sink:           r.sink,
		Logger:         logger,
		Volume:         80,
		ReconnectDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	r.p = p
	return r
}

func (r *rig) run(t *testing.T) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.p.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func (r *rig) nextServer(t *testing.T) *server {
	t.Helper()
	select {
	case srv := <-r.servers:
		return srv
	case <-time.After(waitFor):
		t.Fatal("client never connected")
		return nil
	}
}

func TestNewRequiresSink(t *testing.T) {
	_, err := New(Config{Session: session.Config{Transport: transport.NewTCP(nil)}})
	assert.Error(t, err)
}

func TestInitialVolumeAppliedToSink(t *testing.T) {
	r := newRig(t, 0)
	assert.Equal(t, 80, r.sink.Volume())
	vol, muted := r.p.Volume()
	assert.Equal(t, 80, vol)
	assert.False(t, muted)
}

func TestReconnectsAfterFailures(t *testing.T) {
	r := newRig(t, 2)
	r.run(t)

	srv := r.nextServer(t)
	require.Eventually(t, func() bool { return r.p.Stats().Connected }, waitFor, tick)
	assert.Equal(t, uint64(2), r.p.Stats().Reconnects)
	assert.Equal(t, session.StateStreaming, r.p.Stats().State)

	// First thing after connecting: our volume
	require.Eventually(t, func() bool { return len(srv.clientInfos()) == 1 }, waitFor, tick)
	assert.Equal(t, protocol.ClientInfo{Volume: 80}, srv.clientInfos()[0])

	// Losing the server triggers a fresh connection
	srv.conn.Close()
	r.nextServer(t)
	require.Eventually(t, func() bool {
		st := r.p.Stats()
		return st.Connected && st.Reconnects == 3
	}, waitFor, tick)
}

func TestServerSettingsDriveSink(t *testing.T) {
	r := newRig(t, 0)
	r.run(t)
	srv := r.nextServer(t)

	srv.send(t, protocol.ServerSettings{BufferMs: 500, Latency: 0, Volume: 30, Muted: true})
	require.Eventually(t, func() bool { return r.sink.Muted() }, waitFor, tick)
	assert.Equal(t, 30, r.sink.Volume())
	vol, muted := r.p.Volume()
	assert.Equal(t, 30, vol)
	assert.True(t, muted)
}

func TestLocalVolumeReportedToServer(t *testing.T) {
	r := newRig(t, 0)

	// Not connected yet: applied locally, nothing to report to
	r.p.SetVolume(55)
	assert.Equal(t, 55, r.sink.Volume())

	r.run(t)
	srv := r.nextServer(t)
	require.Eventually(t, func() bool { return len(srv.clientInfos()) == 1 }, waitFor, tick)

	r.p.Mute(true)
	require.Eventually(t, func() bool { return len(srv.clientInfos()) == 2 }, waitFor, tick)
	assert.Equal(t, protocol.ClientInfo{Volume: 55, Muted: true}, srv.clientInfos()[1])
	assert.True(t, r.sink.Muted())
}

func TestEndToEndPlayout(t *testing.T) {
	r := newRig(t, 0)
	r.run(t)
	srv := r.nextServer(t)

	wav := []byte("RIFF\x24\x00\x00\x00WAVEfmt \x10\x00\x00\x00\x01\x00\x02\x00\x80\xbb\x00\x00\x00\xee\x02\x00\x04\x00\x10\x00data\x00\x00\x00\x00")
	srv.send(t, protocol.CodecHeader{Codec: "pcm", Payload: wav})

	// no time sync ever completes, so the first chunk anchors playout at arrival + bufferMs
	srv.send(t, protocol.ServerSettings{BufferMs: 200, Volume: 100})

	start := timeval.Now().Add(timeval.FromMillis(100))
	for i := 0; i < 5; i++ {
		ts := start.Add(timeval.FromMillis(int64(20 * i)))
		srv.send(t, protocol.WireChunk{Timestamp: ts, Payload: make([]byte, 3840)})
	}

	require.Eventually(t, func() bool { return r.p.Stats().Scheduler.Played == 5 }, waitFor, tick)
	st := r.p.Stats()
	assert.Equal(t, uint64(5), st.Session.Chunks)
	assert.Equal(t, 48000, st.Scheduler.Format.Rate)
	assert.Greater(t, st.Scheduler.Padded, uint64(0))
	assert.GreaterOrEqual(t, r.sink.Written(), uint64(5*3840))
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	r := newRig(t, 0)
	cancel, errc := r.run(t)
	r.nextServer(t)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
}
