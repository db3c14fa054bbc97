// ABOUTME: Fixed 26-byte message header shared by every Snapcast message
// ABOUTME: Little-endian layout with no padding
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/Resonate-Protocol/snapcast-go/internal/timeval"
)

const (
	// HeaderSize is the encoded header length
	HeaderSize = 26

	// DefaultMaxMessageSize bounds HeaderSize+Size of an incoming message
	DefaultMaxMessageSize = 64 * 1024
)

// Header precedes every payload on the wire
type Header struct {
	Type     MessageType
	ID       uint16
	RefersTo uint16
	Sent     timeval.Value
	Received timeval.Value
	Size     uint32
}

// ParseHeader decodes the first HeaderSize bytes of b
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Type:     MessageType(binary.LittleEndian.Uint16(b[0:2])),
		ID:       binary.LittleEndian.Uint16(b[2:4]),
		RefersTo: binary.LittleEndian.Uint16(b[4:6]),
		Sent:     timeval.Decode(b[6:14]),
		Received: timeval.Decode(b[14:22]),
		Size:     binary.LittleEndian.Uint32(b[22:26]),
	}, nil
}

// MessageSize is the full on-wire length including the header
func (h Header) MessageSize() int {
	return HeaderSize + int(h.Size)
}

// Validate rejects messages that would not fit in a receive buffer of maxMessageSize
func (h Header) Validate(maxMessageSize int) error {
	if int64(HeaderSize)+int64(h.Size) > int64(maxMessageSize) {
		return fmt.Errorf("%w: %s message of %d bytes exceeds %d", ErrFrameTooLarge, h.Type, h.Size, maxMessageSize)
	}
	return nil
}

// Put writes the header into b[:HeaderSize]
func (h Header) Put(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], uint16(h.Type))
	binary.LittleEndian.PutUint16(b[2:4], h.ID)
	binary.LittleEndian.PutUint16(b[4:6], h.RefersTo)
	h.Sent.Put(b[6:14])
	h.Received.Put(b[14:22])
	binary.LittleEndian.PutUint32(b[22:26], h.Size)
}
