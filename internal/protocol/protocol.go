// Package protocol implements the wire codec: a length-prefixed request
// frame carrying an argument vector, and a length-prefixed, tagged-value
// response frame. All multi-byte integers are written and read in the
// host's native byte order (spec.md §4.7) via encoding/binary's
// NativeEndian — there is no cross-host compatibility requirement in this
// spec (persistence and replication are both explicit non-goals).
package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

// Response value tags.
const (
	TagNil = iota
	TagError
	TagString
	TagInteger
	TagDouble
	TagArray
)

// Error codes carried by TagError responses.
const (
	ErrUnknown = iota + 1
	ErrTooBig
	ErrBadType
	ErrBadArgument
)

const (
	// MaxMessage is the largest accepted request payload, in bytes,
	// excluding the 4-byte length prefix.
	MaxMessage = 32 << 20
	// MaxArgs is the largest accepted argument count for a single request.
	MaxArgs = 200 * 1000
)

// ErrMessageTooLong is returned by ExtractFrame when a declared frame
// length exceeds MaxMessage; callers must close the connection, not reply.
var ErrMessageTooLong = errors.New("protocol: declared message length exceeds the maximum")

// ErrTruncated is returned by ParseArgs when the payload ends before the
// argument count or a string's declared length says it should.
var ErrTruncated = errors.New("protocol: truncated request")

// ErrTooManyArgs is returned by ParseArgs when the declared argument count
// exceeds MaxArgs.
var ErrTooManyArgs = errors.New("protocol: too many arguments")

var order = binary.NativeEndian

// ExtractFrame looks for one complete length-prefixed frame at the start of
// buf. It returns the frame's payload (not including the 4-byte length
// prefix) and the total number of bytes it occupies in buf (prefix
// included). ok is false when buf doesn't yet hold a complete frame — the
// caller should wait for more bytes, not treat this as an error. A
// declared length over MaxMessage is reported via err and must close the
// connection per spec.md §4.7/§8.
func ExtractFrame(buf []byte) (payload []byte, total int, ok bool, err error) {
	if len(buf) < 4 {
		return nil, 0, false, nil
	}
	length := order.Uint32(buf)
	if length > MaxMessage {
		return nil, 0, false, ErrMessageTooLong
	}
	if 4+int(length) > len(buf) {
		return nil, 0, false, nil
	}
	return buf[4 : 4+length], 4 + int(length), true, nil
}

// ParseArgs decodes a request payload (the part after the frame's own
// length prefix) into its argument vector: a 4-byte count followed by that
// many (4-byte length, raw bytes) strings. It fails cleanly on any short
// read — unlike the original's `!readu32(...) < 0` typo (spec.md §9),
// which always evaluated true and never actually detected truncation.
func ParseArgs(payload []byte) ([][]byte, error) {
	if len(payload) < 4 {
		return nil, ErrTruncated
	}
	n := order.Uint32(payload)
	payload = payload[4:]
	if n > MaxArgs {
		return nil, ErrTooManyArgs
	}

	out := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(payload) < 4 {
			return nil, ErrTruncated
		}
		l := order.Uint32(payload)
		payload = payload[4:]
		if uint64(l) > uint64(len(payload)) {
			return nil, ErrTruncated
		}
		out = append(out, payload[:l])
		payload = payload[l:]
	}
	if len(payload) != 0 {
		return nil, ErrTruncated
	}
	return out, nil
}

// Writer accumulates a single response's bytes. The zero value is ready to
// use.
type Writer struct {
	buf []byte
}

// Bytes returns the accumulated bytes so far.
func (w *Writer) Bytes() []byte { return w.buf }

// Reset discards any accumulated bytes.
func (w *Writer) Reset() { w.buf = w.buf[:0] }

func (w *Writer) putUint32(v uint32) {
	var b [4]byte
	order.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) putUint64(v uint64) {
	var b [8]byte
	order.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Nil appends a TAG_NIL value.
func (w *Writer) Nil() {
	w.buf = append(w.buf, TagNil)
}

// String appends a TAG_STRING value.
func (w *Writer) String(s []byte) {
	w.buf = append(w.buf, TagString)
	w.putUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// Integer appends a TAG_INTEGER value.
func (w *Writer) Integer(v int64) {
	w.buf = append(w.buf, TagInteger)
	w.putUint64(uint64(v))
}

// Double appends a TAG_DOUBLE value.
func (w *Writer) Double(v float64) {
	w.buf = append(w.buf, TagDouble)
	w.putUint64(math.Float64bits(v))
}

// Error appends a TAG_ERROR value.
func (w *Writer) Error(code uint32, msg string) {
	w.buf = append(w.buf, TagError)
	w.putUint32(code)
	w.putUint32(uint32(len(msg)))
	w.buf = append(w.buf, msg...)
}

// Array appends a TAG_ARRAY header for n already-known elements; the
// caller is responsible for appending exactly n values right after.
func (w *Writer) Array(n uint32) {
	w.buf = append(w.buf, TagArray)
	w.putUint32(n)
}

// BeginArray appends a TAG_ARRAY header with a placeholder count, for
// callers that don't know the element count up front (e.g. zquery's
// range scan). It returns a context to pass to EndArray.
func (w *Writer) BeginArray() int {
	w.buf = append(w.buf, TagArray)
	ctx := len(w.buf)
	w.putUint32(0)
	return ctx
}

// EndArray backfills the element count recorded by a prior BeginArray.
func (w *Writer) EndArray(ctx int, n uint32) {
	order.PutUint32(w.buf[ctx:ctx+4], n)
}

// BeginResponse reserves space for the response's own 4-byte length
// prefix and returns a context to pass to EndResponse.
func (w *Writer) BeginResponse() int {
	ctx := len(w.buf)
	w.putUint32(0)
	return ctx
}

// EndResponse backfills the response's length prefix. If the accumulated
// body exceeds MaxMessage, the body is discarded and replaced with an
// ERR_TOO_BIG error, matching spec.md §4.7's "errors mid-response cause
// the response buffer to be truncated to the header and rewritten."
func (w *Writer) EndResponse(ctx int) {
	size := len(w.buf) - ctx - 4
	if size > MaxMessage {
		w.buf = w.buf[:ctx+4]
		w.Error(ErrTooBig, "response too big")
		size = len(w.buf) - ctx - 4
	}
	order.PutUint32(w.buf[ctx:ctx+4], uint32(size))
}
