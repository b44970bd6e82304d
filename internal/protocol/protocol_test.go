package protocol

import (
	"encoding/binary"
	"testing"
)

func buildFrame(args ...string) []byte {
	var payload []byte
	var n [4]byte
	binary.NativeEndian.PutUint32(n[:], uint32(len(args)))
	payload = append(payload, n[:]...)
	for _, a := range args {
		var l [4]byte
		binary.NativeEndian.PutUint32(l[:], uint32(len(a)))
		payload = append(payload, l[:]...)
		payload = append(payload, a...)
	}

	var frame []byte
	var total [4]byte
	binary.NativeEndian.PutUint32(total[:], uint32(len(payload)))
	frame = append(frame, total[:]...)
	frame = append(frame, payload...)
	return frame
}

func TestExtractFrameWaitsForCompleteFrame(t *testing.T) {
	full := buildFrame("set", "k", "v")
	for i := 0; i < len(full); i++ {
		_, _, ok, err := ExtractFrame(full[:i])
		if err != nil {
			t.Fatalf("partial frame of %d bytes returned error: %v", i, err)
		}
		if ok {
			t.Fatalf("partial frame of %d bytes reported complete", i)
		}
	}
	payload, total, ok, err := ExtractFrame(full)
	if err != nil || !ok {
		t.Fatalf("complete frame not recognized: ok=%v err=%v", ok, err)
	}
	if total != len(full) {
		t.Fatalf("total = %d, want %d", total, len(full))
	}
	args, err := ParseArgs(payload)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if len(args) != 3 || string(args[0]) != "set" || string(args[1]) != "k" || string(args[2]) != "v" {
		t.Fatalf("args = %v, want [set k v]", args)
	}
}

func TestExtractFrameOversizedIsProtocolError(t *testing.T) {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], MaxMessage+1)
	_, _, ok, err := ExtractFrame(buf[:])
	if ok {
		t.Fatalf("oversized frame reported ok")
	}
	if err != ErrMessageTooLong {
		t.Fatalf("err = %v, want ErrMessageTooLong", err)
	}
}

func TestParseArgsTruncatedCount(t *testing.T) {
	if _, err := ParseArgs([]byte{1, 2}); err != ErrTruncated {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestParseArgsTooManyArgs(t *testing.T) {
	var n [4]byte
	binary.NativeEndian.PutUint32(n[:], MaxArgs+1)
	if _, err := ParseArgs(n[:]); err != ErrTooManyArgs {
		t.Fatalf("err = %v, want ErrTooManyArgs", err)
	}
}

func TestParseArgsTruncatedStringBody(t *testing.T) {
	var n, l [4]byte
	binary.NativeEndian.PutUint32(n[:], 1)
	binary.NativeEndian.PutUint32(l[:], 10)
	payload := append(append([]byte{}, n[:]...), l[:]...)
	payload = append(payload, "short"...)
	if _, err := ParseArgs(payload); err != ErrTruncated {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestWriterRoundTripsStringResponse(t *testing.T) {
	var w Writer
	ctx := w.BeginResponse()
	w.String([]byte("hello"))
	w.EndResponse(ctx)

	buf := w.Bytes()
	size := binary.NativeEndian.Uint32(buf)
	if int(size) != len(buf)-4 {
		t.Fatalf("response length = %d, want %d", size, len(buf)-4)
	}
	if buf[4] != TagString {
		t.Fatalf("tag = %d, want TagString", buf[4])
	}
	strLen := binary.NativeEndian.Uint32(buf[5:])
	if string(buf[9:9+strLen]) != "hello" {
		t.Fatalf("string payload = %q, want hello", buf[9:9+strLen])
	}
}

func TestEndResponseRewritesOversizedBodyAsTooBig(t *testing.T) {
	var w Writer
	ctx := w.BeginResponse()
	w.String(make([]byte, MaxMessage+10))
	w.EndResponse(ctx)

	buf := w.Bytes()
	if buf[4] != TagError {
		t.Fatalf("tag = %d, want TagError", buf[4])
	}
	code := binary.NativeEndian.Uint32(buf[5:])
	if code != ErrTooBig {
		t.Fatalf("error code = %d, want ErrTooBig", code)
	}
}

func TestBeginEndArrayBackfillsCount(t *testing.T) {
	var w Writer
	ctx := w.BeginArray()
	w.String([]byte("a"))
	w.Double(1.5)
	w.String([]byte("b"))
	w.Double(2.5)
	w.EndArray(ctx, 4)

	buf := w.Bytes()
	if buf[0] != TagArray {
		t.Fatalf("tag = %d, want TagArray", buf[0])
	}
	n := binary.NativeEndian.Uint32(buf[1:])
	if n != 4 {
		t.Fatalf("array count = %d, want 4", n)
	}
}
