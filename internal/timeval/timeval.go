// ABOUTME: Fixed-point seconds/microseconds time values
// ABOUTME: Used for wire timestamps, chunk stamps and clock deltas
package timeval

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	usecPerSec  = 1_000_000
	usecPerMsec = 1_000

	// Size is the encoded size of a Value on the wire (sec + usec, int32 each)
	Size = 8
)

// Value is a time value split into seconds and microseconds.
// Usec is always in [0, 1_000_000) once normalized.
type Value struct {
	Sec  int32
	Usec int32
}

// New returns the normalized value for sec/usec
func New(sec, usec int32) Value {
	return FromMicros(int64(sec)*usecPerSec + int64(usec))
}

// FromMicros builds a value from a signed microsecond count
func FromMicros(us int64) Value {
	sec := us / usecPerSec
	usec := us % usecPerSec
	if usec < 0 {
		sec--
		usec += usecPerSec
	}
	return Value{Sec: int32(sec), Usec: int32(usec)}
}

// FromMillis builds a value from a signed millisecond count
func FromMillis(ms int64) Value {
	return FromMicros(ms * usecPerMsec)
}

// FromDuration converts a time.Duration, truncating to microseconds
func FromDuration(d time.Duration) Value {
	return FromMicros(d.Microseconds())
}

// Micros returns the total number of microseconds
func (v Value) Micros() int64 {
	return int64(v.Sec)*usecPerSec + int64(v.Usec)
}

// Millis returns the value in whole milliseconds (floored for normalized values)
func (v Value) Millis() int64 {
	return int64(v.Sec)*1000 + int64(v.Usec)/usecPerMsec
}

// Duration converts to a time.Duration
func (v Value) Duration() time.Duration {
	return time.Duration(v.Micros()) * time.Microsecond
}

// Add returns v + o
func (v Value) Add(o Value) Value {
	r := Value{Sec: v.Sec + o.Sec, Usec: v.Usec + o.Usec}
	return r.normalize()
}

// Sub returns v - o, borrowing from seconds when microseconds go negative
func (v Value) Sub(o Value) Value {
	r := Value{Sec: v.Sec - o.Sec, Usec: v.Usec - o.Usec}
	return r.normalize()
}

// Div divides the total microsecond count by n (truncated toward zero).
// Panics if n is zero, like integer division.
func (v Value) Div(n int32) Value {
	return FromMicros(v.Micros() / int64(n))
}

// Compare returns -1, 0 or +1
func (v Value) Compare(o Value) int {
	a, b := v.normalize(), o.normalize()
	switch {
	case a.Sec < b.Sec:
		return -1
	case a.Sec > b.Sec:
		return 1
	case a.Usec < b.Usec:
		return -1
	case a.Usec > b.Usec:
		return 1
	}
	return 0
}

// Before reports whether v is earlier than o
func (v Value) Before(o Value) bool {
	return v.Compare(o) < 0
}

// IsZero reports whether both fields are zero
func (v Value) IsZero() bool {
	return v.Sec == 0 && v.Usec == 0
}

func (v Value) String() string {
	n := v.normalize()
	if n.Sec < 0 {
		// -0.5s is stored as {-1, 500000}
		us := -n.Micros()
		return fmt.Sprintf("-%d.%06d", us/usecPerSec, us%usecPerSec)
	}
	return fmt.Sprintf("%d.%06d", n.Sec, n.Usec)
}

// Put writes the value little-endian into b[:Size]
func (v Value) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(v.Sec))
	binary.LittleEndian.PutUint32(b[4:8], uint32(v.Usec))
}

// Decode reads a value from b[:Size]. The wire fields are normalized on the way in.
func Decode(b []byte) Value {
	sec := int32(binary.LittleEndian.Uint32(b[0:4]))
	usec := int32(binary.LittleEndian.Uint32(b[4:8]))
	return New(sec, usec)
}

func (v Value) normalize() Value {
	if v.Usec >= 0 && v.Usec < usecPerSec {
		return v
	}
	return FromMicros(int64(v.Sec)*usecPerSec + int64(v.Usec))
}
