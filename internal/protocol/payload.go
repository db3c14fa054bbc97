// ABOUTME: Bounds-checked payload binding for binary and JSON message bodies
// ABOUTME: Binary views alias the receive buffer instead of copying it
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/Resonate-Protocol/snapcast-go/internal/timeval"
	"github.com/tidwall/gjson"
)

// reader walks a payload and fails on any length that overruns it
type reader struct {
	b   []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.b) - r.off
}

func (r *reader) uint32(field string) (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("%w: %s: need 4 bytes, have %d", ErrMalformed, field, r.remaining())
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) time(field string) (timeval.Value, error) {
	if r.remaining() < timeval.Size {
		return timeval.Value{}, fmt.Errorf("%w: %s: need %d bytes, have %d", ErrMalformed, field, timeval.Size, r.remaining())
	}
	v := timeval.Decode(r.b[r.off:])
	r.off += timeval.Size
	return v, nil
}

// bytes returns a length-prefixed slice of the underlying buffer
func (r *reader) bytes(field string) ([]byte, error) {
	n, err := r.uint32(field + " length")
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.remaining()) {
		return nil, fmt.Errorf("%w: %s declares %d bytes, %d remain", ErrMalformed, field, n, r.remaining())
	}
	v := r.b[r.off : r.off+int(n) : r.off+int(n)]
	r.off += int(n)
	return v, nil
}

// BindCodecHeader parses a codec-header payload. The returned Payload aliases b.
func BindCodecHeader(b []byte) (CodecHeader, error) {
	r := reader{b: b}
	codec, err := r.bytes("codec name")
	if err != nil {
		return CodecHeader{}, err
	}
	payload, err := r.bytes("codec header")
	if err != nil {
		return CodecHeader{}, err
	}
	return CodecHeader{Codec: string(codec), Payload: payload}, nil
}

// BindWireChunk parses an audio-chunk payload. The returned Payload aliases b.
func BindWireChunk(b []byte) (WireChunk, error) {
	r := reader{b: b}
	ts, err := r.time("chunk timestamp")
	if err != nil {
		return WireChunk{}, err
	}
	payload, err := r.bytes("chunk payload")
	if err != nil {
		return WireChunk{}, err
	}
	return WireChunk{Timestamp: ts, Payload: payload}, nil
}

// BindTime parses a time message payload
func BindTime(b []byte) (Time, error) {
	r := reader{b: b}
	v, err := r.time("latency")
	if err != nil {
		return Time{}, err
	}
	return Time{Latency: v}, nil
}

// jsonBody strips the 4-byte length prefix and checks the document parses
func jsonBody(b []byte) ([]byte, error) {
	r := reader{b: b}
	doc, err := r.bytes("json")
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	return doc, nil
}

var serverSettingsKeys = []string{"bufferMs", "latency", "volume", "muted"}

// DecodeServerSettings parses a server-settings payload. Every key is required.
func DecodeServerSettings(b []byte) (ServerSettings, error) {
	doc, err := jsonBody(b)
	if err != nil {
		return ServerSettings{}, err
	}

	res := gjson.GetManyBytes(doc, serverSettingsKeys...)
	for i, key := range serverSettingsKeys {
		if !res[i].Exists() {
			return ServerSettings{}, fmt.Errorf("%w: server settings %q", ErrMissingField, key)
		}
	}

	return ServerSettings{
		BufferMs: int32(res[0].Int()),
		Latency:  int32(res[1].Int()),
		Volume:   uint16(res[2].Uint()),
		Muted:    res[3].Bool(),
	}, nil
}

// DecodeStreamTags parses a stream-tags payload into flat strings
func DecodeStreamTags(b []byte) (StreamTags, error) {
	doc, err := jsonBody(b)
	if err != nil {
		return StreamTags{}, err
	}

	root := gjson.ParseBytes(doc)
	if !root.IsObject() {
		return StreamTags{}, fmt.Errorf("%w: stream tags are not an object", ErrMalformed)
	}

	tags := make(map[string]string)
	root.ForEach(func(k, v gjson.Result) bool {
		tags[k.String()] = v.String()
		return true
	})
	return StreamTags{Tags: tags}, nil
}

// DecodeHello parses a hello payload. Decode calls it for any incoming hello.
func DecodeHello(b []byte) (Hello, error) {
	doc, err := jsonBody(b)
	if err != nil {
		return Hello{}, err
	}
	root := gjson.ParseBytes(doc)
	return Hello{
		Arch:                      root.Get("Arch").String(),
		ClientName:                root.Get("ClientName").String(),
		HostName:                  root.Get("HostName").String(),
		ID:                        root.Get("ID").String(),
		Instance:                  int(root.Get("Instance").Int()),
		MAC:                       root.Get("MAC").String(),
		OS:                        root.Get("OS").String(),
		SnapStreamProtocolVersion: int(root.Get("SnapStreamProtocolVersion").Int()),
		Version:                   root.Get("Version").String(),
	}, nil
}

// DecodeClientInfo parses a client-info payload
func DecodeClientInfo(b []byte) (ClientInfo, error) {
	doc, err := jsonBody(b)
	if err != nil {
		return ClientInfo{}, err
	}
	res := gjson.GetManyBytes(doc, "volume", "muted")
	if !res[0].Exists() {
		return ClientInfo{}, fmt.Errorf("%w: client info %q", ErrMissingField, "volume")
	}
	return ClientInfo{Volume: int(res[0].Int()), Muted: res[1].Bool()}, nil
}

// Decode turns a header and its payload into a typed message. Binary payloads
// alias the given slice.
func Decode(h Header, payload []byte) (Message, error) {
	if len(payload) < int(h.Size) {
		return nil, fmt.Errorf("%w: %s payload has %d of %d bytes", ErrMalformed, h.Type, len(payload), h.Size)
	}
	payload = payload[:h.Size]

	switch h.Type {
	case TypeBase:
		return Base{}, nil
	case TypeCodecHeader:
		return typed(BindCodecHeader(payload))
	case TypeWireChunk:
		return typed(BindWireChunk(payload))
	case TypeServerSettings:
		return typed(DecodeServerSettings(payload))
	case TypeTime:
		return typed(BindTime(payload))
	case TypeHello:
		return typed(DecodeHello(payload))
	case TypeStreamTags:
		return typed(DecodeStreamTags(payload))
	case TypeClientInfo:
		return typed(DecodeClientInfo(payload))
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint16(h.Type))
}

// typed keeps a failed decode from surfacing as a non-nil zero message
func typed[T Message](m T, err error) (Message, error) {
	if err != nil {
		return nil, err
	}
	return m, nil
}
