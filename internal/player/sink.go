// ABOUTME: Audio sink contract used by the playout scheduler
// ABOUTME: PCM volume scaling and 16-bit conversion shared by the sinks
package player

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/Resonate-Protocol/snapcast-go/internal/protocol"
)

var (
	// ErrNotConfigured is returned by Write before a valid Configure
	ErrNotConfigured = errors.New("player: sink not configured")
	// ErrFormatChange is returned when a sink cannot switch to a new rate or channel count
	ErrFormatChange = errors.New("player: sink cannot change format")
)

// Sink plays PCM frames. Configure, Write and Buffered are called from the
// scheduler goroutine only; SetVolume and SetMuted may be called from anywhere.
type Sink interface {
	// Configure prepares the sink for frames in format f
	Configure(f protocol.SampleFormat) error
	// Write queues PCM bytes in the configured format, blocking while the
	// device buffer is full. It returns the input bytes accepted.
	Write(p []byte) (int, error)
	// Buffered reports input-format bytes accepted but not yet played
	Buffered() int
	// SetVolume sets the volume (0-100)
	SetVolume(volume int)
	SetMuted(muted bool)
	Close() error
}

func clampVolume(volume int) int {
	return max(0, min(100, volume))
}

// getVolumeMultiplier calculates volume multiplier
func getVolumeMultiplier(volume int, muted bool) float64 {
	if muted {
		return 0.0
	}
	return float64(volume) / 100.0
}

// toS16 appends src, little-endian PCM in format f, to dst as 16-bit
// little-endian samples scaled by mult. 24-bit samples sit sign-extended in
// 4-byte containers.
func toS16(dst, src []byte, f protocol.SampleFormat, mult float64) []byte {
	size := f.SampleSize()
	if size == 0 {
		return dst
	}
	count := len(src) / size

	for i := 0; i < count; i++ {
		b := src[i*size:]
		var s int32
		switch f.Bits {
		case 16:
			s = int32(int16(binary.LittleEndian.Uint16(b)))
		case 24:
			s = int32(binary.LittleEndian.Uint32(b)<<8) >> 16
		case 32:
			s = int32(binary.LittleEndian.Uint32(b)) >> 16
		}
		dst = binary.LittleEndian.AppendUint16(dst, uint16(scale(s, mult)))
	}
	return dst
}

// scale applies the volume multiplier with clipping to the int16 range
func scale(s int32, mult float64) int16 {
	if mult == 1 {
		return int16(s)
	}
	v := math.Round(float64(s) * mult)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
