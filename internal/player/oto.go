// ABOUTME: Speaker output using the oto library
// ABOUTME: Streams PCM through a pipe into one persistent player with software volume
package player

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/snapcast-go/internal/protocol"
	"github.com/ebitengine/oto/v3"
	"github.com/sirupsen/logrus"
)

// DefaultDeviceBuffer is how much audio oto may hold ahead of the speaker
const DefaultDeviceBuffer = 50 * time.Millisecond

// OtoSink plays through the system audio device. oto allows one context per
// process, so the rate and channel count are fixed by the first Configure.
type OtoSink struct {
	log          logrus.FieldLogger
	deviceBuffer time.Duration

	mu         sync.Mutex
	otoCtx     *oto.Context
	player     *oto.Player
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	format     protocol.SampleFormat
	out        []byte

	volume atomic.Int32
	muted  atomic.Bool
}

// NewOtoSink creates an unconfigured speaker sink
func NewOtoSink(logger logrus.FieldLogger, deviceBuffer time.Duration) *OtoSink {
	if logger == nil {
		logger = logrus.WithField("component", "oto")
	}
	if deviceBuffer <= 0 {
		deviceBuffer = DefaultDeviceBuffer
	}
	o := &OtoSink{log: logger, deviceBuffer: deviceBuffer}
	o.volume.Store(100)
	return o
}

// Configure opens the device on first use. Later calls may change the bit
// depth (conversion is done here) but not the rate or channel count.
func (o *OtoSink) Configure(f protocol.SampleFormat) error {
	if !f.Valid() {
		return fmt.Errorf("%w: %s", protocol.ErrMalformed, f)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.otoCtx != nil {
		if o.format.Rate != f.Rate || o.format.Channels != f.Channels {
			return fmt.Errorf("%w: %s -> %s", ErrFormatChange, o.format, f)
		}
		o.format = f
		return nil
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   f.Rate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   o.deviceBuffer,
	})
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	o.otoCtx = ctx
	o.format = f
	o.pipeReader, o.pipeWriter = io.Pipe()

	o.player = ctx.NewPlayer(o.pipeReader)
	o.player.SetBufferSize(int(f.MsToFrames(o.deviceBuffer.Milliseconds())) * 2 * f.Channels)
	o.player.Play()

	o.log.WithFields(logrus.Fields{
		"rate":     f.Rate,
		"channels": f.Channels,
		"bits":     f.Bits,
	}).Info("Audio output initialized")
	return nil
}

// Write converts p to 16-bit with volume applied and blocks until the player
// has taken it.
func (o *OtoSink) Write(p []byte) (int, error) {
	o.mu.Lock()
	w, f := o.pipeWriter, o.format
	o.mu.Unlock()
	if w == nil {
		return 0, ErrNotConfigured
	}

	n := len(p) - len(p)%f.FrameSize()
	o.out = toS16(o.out[:0], p[:n], f, getVolumeMultiplier(int(o.volume.Load()), o.muted.Load()))
	if _, err := w.Write(o.out); err != nil {
		return 0, fmt.Errorf("pipe write failed: %w", err)
	}
	return n, nil
}

// Buffered converts the player's 16-bit backlog into input-format bytes
func (o *OtoSink) Buffered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player == nil {
		return 0
	}
	frames := o.player.BufferedSize() / (2 * o.format.Channels)
	return frames * o.format.FrameSize()
}

// SetVolume sets the volume (0-100)
func (o *OtoSink) SetVolume(volume int) {
	volume = clampVolume(volume)
	o.volume.Store(int32(volume))
	o.log.Debugf("Volume set to %d", volume)
}

// SetMuted sets mute state
func (o *OtoSink) SetMuted(muted bool) {
	o.muted.Store(muted)
	o.log.Debugf("Muted: %v", muted)
}

// Close releases output resources; a blocked Write returns with an error
func (o *OtoSink) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pipeWriter != nil {
		o.pipeWriter.Close()
	}
	if o.player != nil {
		o.player.Close()
	}
	if o.pipeReader != nil {
		o.pipeReader.Close()
	}
	if o.otoCtx != nil {
		return o.otoCtx.Suspend()
	}
	return nil
}
