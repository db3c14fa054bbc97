// ABOUTME: Sample format extraction from codec-header payloads
// ABOUTME: Frame/time conversions used by the playout scheduler
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-audio/wav"
)

// SampleFormat describes decoded PCM frames
type SampleFormat struct {
	Codec    string
	Rate     int
	Bits     int
	Channels int
}

// SampleSize is the bytes per sample; 24-bit samples travel in 4 bytes
func (f SampleFormat) SampleSize() int {
	if f.Bits == 24 {
		return 4
	}
	return (f.Bits + 7) / 8
}

// FrameSize is the bytes per frame across all channels
func (f SampleFormat) FrameSize() int {
	return f.SampleSize() * f.Channels
}

// MsToFrames converts a duration in milliseconds to a frame count
func (f SampleFormat) MsToFrames(ms int64) int64 {
	return ms * int64(f.Rate) / 1000
}

// FramesToMs converts a frame count to whole milliseconds
func (f SampleFormat) FramesToMs(frames int64) int64 {
	if f.Rate == 0 {
		return 0
	}
	return frames * 1000 / int64(f.Rate)
}

// BytesToFrames converts a byte count to whole frames
func (f SampleFormat) BytesToFrames(n int) int64 {
	fs := f.FrameSize()
	if fs == 0 {
		return 0
	}
	return int64(n / fs)
}

// FramesToBytes converts a frame count to bytes
func (f SampleFormat) FramesToBytes(frames int64) int {
	return int(frames) * f.FrameSize()
}

// Valid reports whether the format can drive a sink
func (f SampleFormat) Valid() bool {
	return f.Rate > 0 && f.Channels > 0 && (f.Bits == 16 || f.Bits == 24 || f.Bits == 32)
}

func (f SampleFormat) String() string {
	return fmt.Sprintf("%s %d:%d:%d", f.Codec, f.Rate, f.Bits, f.Channels)
}

const opusMarker = 0x4F505553

// ParseSampleFormat inspects a codec header to find the stream's PCM layout
func ParseSampleFormat(codec string, header []byte) (SampleFormat, error) {
	switch codec {
	case "pcm":
		return parseRIFF(header)
	case "opus":
		return parseOpus(header)
	case "flac":
		return parseStreamInfo(header)
	}
	return SampleFormat{}, fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
}

func parseRIFF(header []byte) (SampleFormat, error) {
	d := wav.NewDecoder(bytes.NewReader(header))
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return SampleFormat{}, fmt.Errorf("%w: riff header: %v", ErrMalformed, err)
	}
	f := SampleFormat{
		Codec:    "pcm",
		Rate:     int(d.SampleRate),
		Bits:     int(d.BitDepth),
		Channels: int(d.NumChans),
	}
	if !f.Valid() {
		return SampleFormat{}, fmt.Errorf("%w: riff header: %s", ErrMalformed, f)
	}
	return f, nil
}

// parseOpus reads the 12-byte pseudo header: marker, rate, bits, channels
func parseOpus(header []byte) (SampleFormat, error) {
	if len(header) < 12 || binary.LittleEndian.Uint32(header[0:4]) != opusMarker {
		return SampleFormat{}, fmt.Errorf("%w: opus header", ErrMalformed)
	}
	return SampleFormat{
		Codec:    "opus",
		Rate:     int(binary.LittleEndian.Uint32(header[4:8])),
		Bits:     int(binary.LittleEndian.Uint16(header[8:10])),
		Channels: int(binary.LittleEndian.Uint16(header[10:12])),
	}, nil
}

// parseStreamInfo reads the FLAC STREAMINFO block that follows the fLaC marker
func parseStreamInfo(header []byte) (SampleFormat, error) {
	// marker(4) + block header(4) + STREAMINFO(34)
	if len(header) < 42 || string(header[0:4]) != "fLaC" || header[4]&0x7f != 0 {
		return SampleFormat{}, fmt.Errorf("%w: flac streaminfo", ErrMalformed)
	}
	si := header[8:]
	rate := int(si[10])<<12 | int(si[11])<<4 | int(si[12])>>4
	channels := int((si[12]>>1)&0x07) + 1
	bits := int((si[12]&0x01)<<4|si[13]>>4) + 1
	return SampleFormat{Codec: "flac", Rate: rate, Bits: bits, Channels: channels}, nil
}
