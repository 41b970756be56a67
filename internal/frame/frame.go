// Package frame implements the length-prefixed framing used on the radio's
// serial line: 0x94 0xC3, a big-endian u16 payload length, then the payload.
//
// Bytes outside of frames are the device's debug console output. The Decoder
// reports them as diagnostic text lines and never as frames.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
)

const (
	Start1 byte = 0x94
	Start2 byte = 0xC3

	// HeaderLen is the size of the magic plus length prefix
	HeaderLen = 4

	// MaxPayloadLimit is the largest length the u16 prefix can declare
	MaxPayloadLimit = 0xFFFF

	// DefaultMaxPayload matches the radio firmware's packet buffer
	DefaultMaxPayload = 512

	// maxLineLen bounds a diagnostic line that never sees a newline
	maxLineLen = 256
)

var (
	ErrPayloadTooLarge = errors.New("frame payload too large")
)

// Frame is one complete payload delimited by a valid header
type Frame struct {
	Payload []byte
}

// Len returns the on-wire size of the frame
func (f Frame) Len() int {
	return HeaderLen + len(f.Payload)
}

// Bytes returns the wire encoding of the frame
func (f Frame) Bytes() []byte {
	out := make([]byte, HeaderLen+len(f.Payload))
	out[0] = Start1
	out[1] = Start2
	binary.BigEndian.PutUint16(out[2:4], uint16(len(f.Payload)))
	copy(out[HeaderLen:], f.Payload)
	return out
}

// Encode builds a wire frame around payload
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLimit {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return Frame{Payload: payload}.Bytes(), nil
}

// Option configures a Decoder
type Option func(*Decoder) error

// WithMaxPayload rejects headers declaring more than n bytes. Such headers are
// treated as noise and scanning resumes one byte later.
func WithMaxPayload(n int) Option {
	return func(d *Decoder) error {
		if n <= 0 || n > MaxPayloadLimit {
			return fmt.Errorf("max payload must be between 1 and %d, got %d", MaxPayloadLimit, n)
		}
		d.maxPayload = n
		return nil
	}
}

// WithDiagnostics sets the callback receiving out-of-band text lines
func WithDiagnostics(fn func(line string)) Option {
	return func(d *Decoder) error {
		d.onLine = fn
		return nil
	}
}

// Decoder is an incremental frame parser. Partial frames are carried across
// Feed calls. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf        []byte
	line       []byte
	pending    []Frame
	maxPayload int
	onLine     func(string)
}

// NewDecoder creates a decoder with the natural u16 bound unless overridden
func NewDecoder(opts ...Option) (*Decoder, error) {
	d := &Decoder{
		buf:        make([]byte, 0, 1024),
		maxPayload: MaxPayloadLimit,
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Feed appends p to the decoder's buffer and parses every complete frame
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)

	i := 0
	for i < len(d.buf) {
		rest := d.buf[i:]

		if rest[0] != Start1 {
			// Skip straight to the next candidate magic byte
			n := bytes.IndexByte(rest, Start1)
			if n < 0 {
				n = len(rest)
			}
			d.noise(rest[:n])
			i += n
			continue
		}

		if len(rest) < 2 {
			break
		}
		if rest[1] != Start2 {
			d.noise(rest[:1])
			i++
			continue
		}

		if len(rest) < HeaderLen {
			break
		}
		length := int(binary.BigEndian.Uint16(rest[2:4]))
		if length > d.maxPayload {
			d.noise(rest[:1])
			i++
			continue
		}

		if len(rest) < HeaderLen+length {
			break
		}

		d.flushLine()
		payload := make([]byte, length)
		copy(payload, rest[HeaderLen:HeaderLen+length])
		d.pending = append(d.pending, Frame{Payload: payload})
		i += HeaderLen + length
	}

	d.buf = append(d.buf[:0], d.buf[i:]...)
}

// Frames yields and consumes the frames completed by previous Feed calls
func (d *Decoder) Frames() iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		for len(d.pending) > 0 {
			f := d.pending[0]
			d.pending = d.pending[1:]
			if !yield(f) {
				return
			}
		}
		d.pending = nil
	}
}

// Buffered returns the number of bytes held waiting for a frame to complete
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Flush emits any partial diagnostic line
func (d *Decoder) Flush() {
	d.flushLine()
}

// Reset drops all buffered state, used when the underlying stream restarts
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.line = d.line[:0]
	d.pending = nil
}

func (d *Decoder) noise(p []byte) {
	for _, b := range p {
		switch b {
		case '\n':
			d.flushLine()
		case '\r':
		default:
			d.line = append(d.line, b)
			if len(d.line) >= maxLineLen {
				d.flushLine()
			}
		}
	}
}

func (d *Decoder) flushLine() {
	if len(d.line) == 0 {
		return
	}
	line := string(bytes.TrimSpace(d.line))
	d.line = d.line[:0]
	if line != "" && d.onLine != nil {
		d.onLine(line)
	}
}
