// ABOUTME: Tests for Snapcast message framing and payload binding
// ABOUTME: Covers header layout, bounds checks, JSON settings and sample formats
package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/Resonate-Protocol/snapcast-go/internal/timeval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderLayout(t *testing.T) {
	h := Header{
		Type:     TypeTime,
		ID:       0x0102,
		RefersTo: 0x0304,
		Sent:     timeval.Value{Sec: 1, Usec: 2},
		Received: timeval.Value{Sec: 3, Usec: 4},
		Size:     8,
	}
	b := make([]byte, HeaderSize)
	h.Put(b)

	want := []byte{
		0x04, 0x00, // type
		0x02, 0x01, // id
		0x04, 0x03, // refersTo
		0x01, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, // sent
		0x03, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, // received
		0x08, 0x00, 0x00, 0x00, // size
	}
	assert.Equal(t, want, b)

	parsed, err := ParseHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
	assert.Equal(t, HeaderSize+8, parsed.MessageSize())
}

func TestParseHeaderShort(t *testing.T) {
	_, err := ParseHeader(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestHeaderValidate(t *testing.T) {
	h := Header{Type: TypeWireChunk, Size: 1000}
	assert.NoError(t, h.Validate(HeaderSize+1000))
	assert.ErrorIs(t, h.Validate(HeaderSize+999), ErrFrameTooLarge)

	huge := Header{Size: 0xffffffff}
	assert.ErrorIs(t, huge.Validate(DefaultMaxMessageSize), ErrFrameTooLarge)
}

func TestBindCodecHeader(t *testing.T) {
	raw, err := Marshal(nil, CodecHeader{Codec: "flac", Payload: []byte{1, 2, 3}}, 0, timeval.Value{})
	require.NoError(t, err)

	h, err := ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeCodecHeader, h.Type)

	ch, err := BindCodecHeader(raw[HeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, "flac", ch.Codec)
	assert.Equal(t, []byte{1, 2, 3}, ch.Payload)

	// The payload is a view into the receive buffer
	raw[len(raw)-1] = 9
	assert.Equal(t, byte(9), ch.Payload[2])
}

func TestBindCodecHeaderRejectsOverrun(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"name length past end", []byte{0xff, 0x00, 0x00, 0x00, 'p', 'c', 'm'}},
		{"missing payload length", []byte{0x03, 0x00, 0x00, 0x00, 'p', 'c', 'm', 0x01}},
		{"payload length past end", []byte{0x03, 0x00, 0x00, 0x00, 'p', 'c', 'm', 0x05, 0x00, 0x00, 0x00, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, err := BindCodecHeader(tt.b)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Empty(t, ch.Codec)
			assert.Nil(t, ch.Payload)
		})
	}
}

func TestBindWireChunk(t *testing.T) {
	b := make([]byte, 0, 32)
	b = binary.LittleEndian.AppendUint32(b, 7)
	b = binary.LittleEndian.AppendUint32(b, 250000)
	b = binary.LittleEndian.AppendUint32(b, 4)
	b = append(b, 0xaa, 0xbb, 0xcc, 0xdd)

	wc, err := BindWireChunk(b)
	require.NoError(t, err)
	assert.Equal(t, timeval.Value{Sec: 7, Usec: 250000}, wc.Timestamp)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd}, wc.Payload)

	_, err = BindWireChunk(b[:len(b)-1])
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = BindWireChunk(b[:10])
	assert.ErrorIs(t, err, ErrMalformed)
}

func settingsPayload(doc string) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(doc)))
	return append(b, doc...)
}

func TestDecodeServerSettings(t *testing.T) {
	s, err := DecodeServerSettings(settingsPayload(`{"bufferMs":1000,"latency":20,"volume":85,"muted":true}`))
	require.NoError(t, err)
	assert.Equal(t, ServerSettings{BufferMs: 1000, Latency: 20, Volume: 85, Muted: true}, s)
}

func TestDecodeServerSettingsMissingKey(t *testing.T) {
	docs := map[string]string{
		"bufferMs": `{"latency":0,"volume":100,"muted":false}`,
		"latency":  `{"bufferMs":1000,"volume":100,"muted":false}`,
		"volume":   `{"bufferMs":1000,"latency":0,"muted":false}`,
		"muted":    `{"bufferMs":1000,"latency":0,"volume":100}`,
	}
	for key, doc := range docs {
		_, err := DecodeServerSettings(settingsPayload(doc))
		assert.ErrorIs(t, err, ErrMissingField, key)
		assert.ErrorContains(t, err, key)
	}
}

func TestDecodeServerSettingsBadJSON(t *testing.T) {
	_, err := DecodeServerSettings(settingsPayload(`{"bufferMs":`))
	assert.ErrorIs(t, err, ErrMalformed)

	// Length prefix larger than the body
	b := settingsPayload(`{}`)
	b[0] = 50
	_, err = DecodeServerSettings(b)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeStreamTags(t *testing.T) {
	tags, err := DecodeStreamTags(settingsPayload(`{"STREAM":"default","artist":"Someone","track":3}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"STREAM": "default", "artist": "Someone", "track": "3"}, tags.Tags)

	_, err = DecodeStreamTags(settingsPayload(`[1,2]`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMarshalStampsSent(t *testing.T) {
	sent := timeval.Value{Sec: 100, Usec: 5}
	raw, err := Marshal(nil, Time{}, 42, sent)
	require.NoError(t, err)
	require.Len(t, raw, HeaderSize+timeval.Size)

	h, err := ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeTime, h.Type)
	assert.Equal(t, uint16(42), h.ID)
	assert.Equal(t, sent, h.Sent)
	assert.Equal(t, uint32(timeval.Size), h.Size)
}

func TestHelloJSON(t *testing.T) {
	hello := Hello{
		Arch:                      "amd64",
		ClientName:                "Snapclient",
		HostName:                  "kitchen",
		ID:                        "00:11:22:33:44:55",
		Instance:                  1,
		MAC:                       "00:11:22:33:44:55",
		OS:                        "linux",
		SnapStreamProtocolVersion: ProtocolVersion,
		Version:                   "0.17.1",
	}
	raw, err := Marshal(nil, hello, 0, timeval.Value{})
	require.NoError(t, err)

	h, err := ParseHeader(raw)
	require.NoError(t, err)
	doc := raw[HeaderSize+4:]
	assert.Equal(t, int(h.Size), len(doc)+4)
	assert.JSONEq(t, `{"Arch":"amd64","ClientName":"Snapclient","HostName":"kitchen",
		"ID":"00:11:22:33:44:55","Instance":1,"MAC":"00:11:22:33:44:55","OS":"linux",
		"SnapStreamProtocolVersion":2,"Version":"0.17.1"}`, string(doc))

	msg, err := Decode(h, raw[HeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, hello, msg)
}

func TestDecodeDispatch(t *testing.T) {
	msgs := []Message{
		Base{},
		CodecHeader{Codec: "pcm", Payload: []byte("RIFF")},
		WireChunk{Timestamp: timeval.Value{Sec: 3}, Payload: []byte{1, 2}},
		ServerSettings{BufferMs: 500, Latency: 10, Volume: 50},
		Time{Latency: timeval.Value{Usec: 1500}},
		StreamTags{Tags: map[string]string{"STREAM": "x"}},
		ClientInfo{Volume: 40, Muted: true},
	}

	for _, m := range msgs {
		t.Run(m.Type().String(), func(t *testing.T) {
			raw, err := Marshal(nil, m, 1, timeval.Value{})
			require.NoError(t, err)
			h, err := ParseHeader(raw)
			require.NoError(t, err)
			got, err := Decode(h, raw[HeaderSize:])
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(Header{Type: MessageType(99)}, nil)
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode(Header{Type: TypeTime, Size: 8}, make([]byte, 4))
	assert.ErrorIs(t, err, ErrMalformed)

	msg, err := Decode(Header{Type: TypeCodecHeader, Size: 2}, []byte{9, 9})
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Nil(t, msg)
}

func riffHeader(rate, bits, channels int) []byte {
	b := []byte("RIFF")
	b = binary.LittleEndian.AppendUint32(b, 36)
	b = append(b, "WAVEfmt "...)
	b = binary.LittleEndian.AppendUint32(b, 16)
	b = binary.LittleEndian.AppendUint16(b, 1)
	b = binary.LittleEndian.AppendUint16(b, uint16(channels))
	b = binary.LittleEndian.AppendUint32(b, uint32(rate))
	b = binary.LittleEndian.AppendUint32(b, uint32(rate*channels*bits/8))
	b = binary.LittleEndian.AppendUint16(b, uint16(channels*bits/8))
	b = binary.LittleEndian.AppendUint16(b, uint16(bits))
	b = append(b, "data"...)
	return binary.LittleEndian.AppendUint32(b, 0)
}

func TestParseSampleFormatPCM(t *testing.T) {
	f, err := ParseSampleFormat("pcm", riffHeader(48000, 16, 2))
	require.NoError(t, err)
	assert.Equal(t, SampleFormat{Codec: "pcm", Rate: 48000, Bits: 16, Channels: 2}, f)
	assert.Equal(t, 4, f.FrameSize())

	_, err = ParseSampleFormat("pcm", []byte("not a riff header at all"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseSampleFormatOpus(t *testing.T) {
	b := binary.LittleEndian.AppendUint32(nil, opusMarker)
	b = binary.LittleEndian.AppendUint32(b, 48000)
	b = binary.LittleEndian.AppendUint16(b, 16)
	b = binary.LittleEndian.AppendUint16(b, 2)

	f, err := ParseSampleFormat("opus", b)
	require.NoError(t, err)
	assert.Equal(t, SampleFormat{Codec: "opus", Rate: 48000, Bits: 16, Channels: 2}, f)

	_, err = ParseSampleFormat("opus", b[:8])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseSampleFormatFLAC(t *testing.T) {
	b := []byte("fLaC")
	b = append(b, 0x80, 0x00, 0x00, 0x22) // last block, STREAMINFO, 34 bytes
	si := make([]byte, 34)
	// 44100 Hz, 2 channels, 16 bits: 20 bits rate | 3 bits ch-1 | 5 bits bps-1
	packed := uint32(44100)<<12 | uint32(1)<<9 | uint32(15)<<4
	binary.BigEndian.PutUint32(si[10:14], packed)
	b = append(b, si...)

	f, err := ParseSampleFormat("flac", b)
	require.NoError(t, err)
	assert.Equal(t, SampleFormat{Codec: "flac", Rate: 44100, Bits: 16, Channels: 2}, f)
}

func TestParseSampleFormatUnsupported(t *testing.T) {
	_, err := ParseSampleFormat("ogg", nil)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestSampleFormatConversions(t *testing.T) {
	f := SampleFormat{Rate: 48000, Bits: 24, Channels: 2}
	assert.Equal(t, 4, f.SampleSize())
	assert.Equal(t, 8, f.FrameSize())
	assert.Equal(t, int64(480), f.MsToFrames(10))
	assert.Equal(t, int64(10), f.FramesToMs(480))
	assert.Equal(t, 3840, f.FramesToBytes(480))
	assert.Equal(t, int64(480), f.BytesToFrames(3843))
}
