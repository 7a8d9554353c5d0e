package wire

import (
	"bytes"
	"testing"
)

func TestFrameSplitRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("a"),
		[]byte("hello world"),
		bytes.Repeat([]byte{0xAB}, 4096),
	}
	var stream []byte
	for _, p := range payloads {
		stream = append(stream, Frame(p)...)
	}

	frames, rest := Split(stream)
	if len(rest) != 0 {
		t.Fatalf("expected empty tail, got %d bytes", len(rest))
	}
	if len(frames) != len(payloads) {
		t.Fatalf("expected %d frames, got %d", len(payloads), len(frames))
	}
	for i, p := range payloads {
		if !bytes.Equal(frames[i], p) {
			t.Errorf("frame %d: got %q want %q", i, frames[i], p)
		}
	}
}

func TestSplitChunked(t *testing.T) {
	payloads := [][]byte{
		[]byte("first"),
		[]byte("second payload"),
		[]byte{0x00},
		bytes.Repeat([]byte("x"), 300),
	}
	var stream []byte
	for _, p := range payloads {
		stream = append(stream, Frame(p)...)
	}

	// Any slicing of the stream must yield the same frame sequence.
	for chunk := 1; chunk <= 13; chunk++ {
		var acc []byte
		var got [][]byte
		for off := 0; off < len(stream); off += chunk {
			end := off + chunk
			if end > len(stream) {
				end = len(stream)
			}
			acc = append(acc, stream[off:end]...)
			frames, rest := Split(acc)
			got = append(got, frames...)
			acc = append(acc[:0], rest...)
		}
		if len(acc) != 0 {
			t.Fatalf("chunk=%d: %d bytes left unconsumed", chunk, len(acc))
		}
		if len(got) != len(payloads) {
			t.Fatalf("chunk=%d: expected %d frames, got %d", chunk, len(payloads), len(got))
		}
		for i, p := range payloads {
			if !bytes.Equal(got[i], p) {
				t.Errorf("chunk=%d frame %d: got %q want %q", chunk, i, got[i], p)
			}
		}
	}
}

func TestSplitPartialFrame(t *testing.T) {
	full := Frame([]byte("partial"))

	frames, rest := Split(full[:3])
	if len(frames) != 0 {
		t.Fatalf("expected no frames from a bare header prefix, got %d", len(frames))
	}
	if !bytes.Equal(rest, full[:3]) {
		t.Fatalf("tail must preserve the partial header")
	}

	frames, rest = Split(full[:len(full)-2])
	if len(frames) != 0 {
		t.Fatalf("expected no frames from a truncated payload, got %d", len(frames))
	}
	if len(rest) != len(full)-2 {
		t.Fatalf("tail lost bytes: got %d want %d", len(rest), len(full)-2)
	}
}

func TestSplitZeroLengthStopsParsing(t *testing.T) {
	good := Frame([]byte("ok"))
	bad := append(append([]byte{}, good...), 0, 0, 0, 0)
	bad = append(bad, Frame([]byte("after"))...)

	frames, rest := Split(bad)
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte("ok")) {
		t.Fatalf("expected only the frame before the zero header, got %d", len(frames))
	}
	// Everything from the zero header on stays in the tail.
	if len(rest) != len(bad)-len(good) {
		t.Fatalf("tail got %d bytes, want %d", len(rest), len(bad)-len(good))
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	f := Frame(nil)
	if len(f) != 4 {
		t.Fatalf("empty payload frame should be 4 bytes, got %d", len(f))
	}
	// A declared length of zero is treated as malformed on the read side:
	// Split stops and preserves the tail.
	frames, rest := Split(f)
	if len(frames) != 0 || len(rest) != 4 {
		t.Fatalf("zero-length frame must not parse: frames=%d rest=%d", len(frames), len(rest))
	}
}
