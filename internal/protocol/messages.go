// ABOUTME: Snapcast binary protocol message type definitions
// ABOUTME: One struct per message type behind the sealed Message interface
package protocol

import (
	"errors"
	"fmt"

	"github.com/Resonate-Protocol/snapcast-go/internal/timeval"
)

// MessageType identifies the payload that follows a header
type MessageType uint16

const (
	TypeBase           MessageType = 0
	TypeCodecHeader    MessageType = 1
	TypeWireChunk      MessageType = 2
	TypeServerSettings MessageType = 3
	TypeTime           MessageType = 4
	TypeHello          MessageType = 5
	TypeStreamTags     MessageType = 6
	TypeClientInfo     MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case TypeBase:
		return "base"
	case TypeCodecHeader:
		return "codec-header"
	case TypeWireChunk:
		return "wire-chunk"
	case TypeServerSettings:
		return "server-settings"
	case TypeTime:
		return "time"
	case TypeHello:
		return "hello"
	case TypeStreamTags:
		return "stream-tags"
	case TypeClientInfo:
		return "client-info"
	}
	return fmt.Sprintf("unknown(%d)", uint16(t))
}

// ProtocolVersion is the stream protocol version announced in Hello
const ProtocolVersion = 2

var (
	// ErrShortHeader means fewer than HeaderSize bytes are available; read more and retry
	ErrShortHeader = errors.New("protocol: short header")
	// ErrFrameTooLarge means the peer announced a message larger than we accept
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	// ErrMalformed means a payload is inconsistent with its declared lengths
	ErrMalformed = errors.New("protocol: malformed payload")
	// ErrMissingField means a required JSON key is absent
	ErrMissingField = errors.New("protocol: missing field")
	// ErrUnknownType is returned for message types outside the known set
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrUnsupportedCodec is returned by ParseSampleFormat for codecs it cannot inspect
	ErrUnsupportedCodec = errors.New("protocol: unsupported codec")
)

// Message is a decoded typed payload
type Message interface {
	Type() MessageType
	appendPayload(dst []byte) ([]byte, error)
}

// Base carries no payload
type Base struct{}

// CodecHeader announces the codec of the following stream. Payload aliases
// the receive buffer when produced by BindCodecHeader.
type CodecHeader struct {
	Codec   string
	Payload []byte
}

// WireChunk is one block of encoded audio stamped with server time. Payload
// aliases the receive buffer when produced by BindWireChunk.
type WireChunk struct {
	Timestamp timeval.Value
	Payload   []byte
}

// ServerSettings carries the playback parameters pushed by the server
type ServerSettings struct {
	BufferMs int32  `json:"bufferMs"`
	Latency  int32  `json:"latency"`
	Volume   uint16 `json:"volume"`
	Muted    bool   `json:"muted"`
}

// Time is a clock probe. In a request the value is unused; in the server's
// echo it holds the client-to-server latency.
type Time struct {
	Latency timeval.Value
}

// Hello is the capability announcement sent right after connecting
type Hello struct {
	Arch                      string `json:"Arch"`
	ClientName                string `json:"ClientName"`
	HostName                  string `json:"HostName"`
	ID                        string `json:"ID"`
	Instance                  int    `json:"Instance"`
	MAC                       string `json:"MAC"`
	OS                        string `json:"OS"`
	SnapStreamProtocolVersion int    `json:"SnapStreamProtocolVersion"`
	Version                   string `json:"Version"`
}

// StreamTags carries stream metadata as flat key/value pairs
type StreamTags struct {
	Tags map[string]string
}

// ClientInfo reports local volume and mute state to the server
type ClientInfo struct {
	Volume int  `json:"volume"`
	Muted  bool `json:"muted"`
}

func (Base) Type() MessageType           { return TypeBase }
func (CodecHeader) Type() MessageType    { return TypeCodecHeader }
func (WireChunk) Type() MessageType      { return TypeWireChunk }
func (ServerSettings) Type() MessageType { return TypeServerSettings }
func (Time) Type() MessageType           { return TypeTime }
func (Hello) Type() MessageType          { return TypeHello }
func (StreamTags) Type() MessageType     { return TypeStreamTags }
func (ClientInfo) Type() MessageType     { return TypeClientInfo }
