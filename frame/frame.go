// Package frame implements the wire codec for pattygo's length-prefixed
// messages: a fixed 8-byte little-endian header (id, size) followed by a
// payload of size-8 bytes.
package frame

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// HeaderSize is the number of bytes on the wire before the payload.
const HeaderSize = 8

// DefaultMaxSize is the max frame size enforced by ReadFrame when the
// caller does not configure one explicitly.
const DefaultMaxSize = 1 << 20 // 1MiB

// ErrFrameUnderflow is returned by ExtractTail when the payload is
// shorter than the requested fixed-layout value.
var ErrFrameUnderflow = errors.New("frame: payload shorter than requested type")

// ErrInvalidFrame is returned by ReadFrame when the header declares a
// size smaller than HeaderSize or larger than the configured maximum.
var ErrInvalidFrame = errors.New("frame: invalid header size")

// Frame is a single message: an opaque id interpreted by the
// application, and a payload of arbitrary bytes.
type Frame struct {
	ID      uint32
	Payload []byte
}

// New creates a frame with an empty payload.
func New(id uint32) *Frame {
	return &Frame{ID: id}
}

// Size returns the total wire size including the header.
func (f *Frame) Size() uint32 {
	return HeaderSize + uint32(len(f.Payload))
}

// AppendEncoded appends the wire representation of f to dst and
// returns the extended slice.
func (f *Frame) AppendEncoded(dst []byte) []byte {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], f.ID)
	binary.LittleEndian.PutUint32(hdr[4:8], f.Size())
	dst = append(dst, hdr[:]...)
	dst = append(dst, f.Payload...)
	return dst
}

// Encode writes the wire representation of f to w.
func (f *Frame) Encode(w io.Writer) error {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], f.ID)
	binary.LittleEndian.PutUint32(hdr[4:8], f.Size())
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.WithStack(err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// ReadFrame reads exactly one frame from r: 8 header bytes, then
// size-8 payload bytes. maxSize bounds the accepted frame size; pass 0
// to use DefaultMaxSize.
func ReadFrame(r io.Reader, maxSize uint32) (*Frame, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errors.WithStack(err)
	}

	id := binary.LittleEndian.Uint32(hdr[0:4])
	size := binary.LittleEndian.Uint32(hdr[4:8])
	if size < HeaderSize || size > maxSize {
		return nil, ErrInvalidFrame
	}

	f := &Frame{ID: id}
	if n := size - HeaderSize; n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return f, nil
}

// Append writes the raw bytes of a fixed-layout value onto the end of
// the frame's payload, maintaining size/payload consistency. T must
// have a fixed memory layout (no pointers, slices, strings, maps).
func Append[T any](f *Frame, v T) {
	size := binary.Size(v)
	offset := len(f.Payload)
	f.Payload = append(f.Payload, make([]byte, size)...)
	buf := f.Payload[offset:]
	writeFixed(buf, v)
}

// ExtractTail copies the last sizeof(T) bytes of the payload into out
// and shrinks the payload accordingly. Returns ErrFrameUnderflow if
// the payload is shorter than sizeof(T).
func ExtractTail[T any](f *Frame, out *T) error {
	size := binary.Size(*out)
	if len(f.Payload) < size {
		return ErrFrameUnderflow
	}
	offset := len(f.Payload) - size
	readFixed(f.Payload[offset:], out)
	f.Payload = f.Payload[:offset]
	return nil
}

// writeFixed encodes v's fixed-layout bytes into buf using native
// (little-endian) byte order, matching the wire's endianness rule:
// source and peer share platform, so no conversion is performed beyond
// what binary.Write already does for the requested order.
func writeFixed(buf []byte, v any) {
	w := &sliceWriter{buf: buf}
	_ = binary.Write(w, binary.LittleEndian, v)
}

func readFixed(buf []byte, out any) {
	r := &sliceReader{buf: buf}
	_ = binary.Read(r, binary.LittleEndian, out)
}

// sliceWriter/sliceReader let Append/ExtractTail reuse encoding/binary's
// fixed-layout (de)serialization without an intermediate bytes.Buffer
// allocation per call.
type sliceWriter struct {
	buf []byte
	off int
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.off:], p)
	w.off += n
	return n, nil
}

type sliceReader struct {
	buf []byte
	off int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	n := copy(p, r.buf[r.off:])
	r.off += n
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}
