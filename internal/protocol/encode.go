// ABOUTME: Message serialization: header plus typed payload
// ABOUTME: The sent stamp is supplied by the caller right before transmission
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/Resonate-Protocol/snapcast-go/internal/timeval"
)

// Marshal appends msg to dst with a fresh header. sent should be taken
// immediately before the bytes are handed to the transport.
func Marshal(dst []byte, msg Message, id uint16, sent timeval.Value) ([]byte, error) {
	return Encode(dst, Header{ID: id, Sent: sent}, msg)
}

// Encode appends msg to dst using h for everything except Type and Size,
// which are derived from msg.
func Encode(dst []byte, h Header, msg Message) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)

	out, err := msg.appendPayload(dst)
	if err != nil {
		return dst[:start], fmt.Errorf("encode %s: %w", msg.Type(), err)
	}

	h.Type = msg.Type()
	h.Size = uint32(len(out) - start - HeaderSize)
	h.Put(out[start : start+HeaderSize])
	return out, nil
}

func appendUint32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

func appendTime(dst []byte, v timeval.Value) []byte {
	var b [timeval.Size]byte
	v.Put(b[:])
	return append(dst, b[:]...)
}

func appendPrefixed(dst []byte, b []byte) []byte {
	dst = appendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func appendJSON(dst []byte, v any) ([]byte, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return dst, err
	}
	return appendPrefixed(dst, doc), nil
}

func (Base) appendPayload(dst []byte) ([]byte, error) {
	return dst, nil
}

func (m CodecHeader) appendPayload(dst []byte) ([]byte, error) {
	dst = appendPrefixed(dst, []byte(m.Codec))
	return appendPrefixed(dst, m.Payload), nil
}

func (m WireChunk) appendPayload(dst []byte) ([]byte, error) {
	dst = appendTime(dst, m.Timestamp)
	return appendPrefixed(dst, m.Payload), nil
}

func (m ServerSettings) appendPayload(dst []byte) ([]byte, error) {
	return appendJSON(dst, m)
}

func (m Time) appendPayload(dst []byte) ([]byte, error) {
	return appendTime(dst, m.Latency), nil
}

func (m Hello) appendPayload(dst []byte) ([]byte, error) {
	return appendJSON(dst, m)
}

func (m StreamTags) appendPayload(dst []byte) ([]byte, error) {
	tags := m.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	return appendJSON(dst, tags)
}

func (m ClientInfo) appendPayload(dst []byte) ([]byte, error) {
	return appendJSON(dst, m)
}
