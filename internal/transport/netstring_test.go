package transport

import (
	"bufio"
	"bytes"
	"testing"
)

func TestNetstringRoundTrip(t *testing.T) {
	payload := []byte(`{"jsonrpc":"2.0","method":"icinga::Hello"}`)
	frame := encodeNetstring(payload)

	r := bufio.NewReader(bytes.NewReader(frame))
	got, n, err := readNetstring(r)
	if err != nil {
		t.Fatalf("readNetstring: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
	if n != len(frame) {
		t.Fatalf("consumed %d bytes, want %d", n, len(frame))
	}
}

func TestNetstringMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeNetstring([]byte("one")))
	buf.Write(encodeNetstring([]byte("two")))

	r := bufio.NewReader(&buf)
	first, _, err := readNetstring(r)
	if err != nil || string(first) != "one" {
		t.Fatalf("first frame: %q, %v", first, err)
	}
	second, _, err := readNetstring(r)
	if err != nil || string(second) != "two" {
		t.Fatalf("second frame: %q, %v", second, err)
	}
}

func TestNetstringBadTerminator(t *testing.T) {
	bad := []byte("3:abcX")
	r := bufio.NewReader(bytes.NewReader(bad))
	if _, _, err := readNetstring(r); err == nil {
		t.Fatal("expected error for malformed terminator")
	}
}

func TestNetstringTruncated(t *testing.T) {
	bad := []byte("10:short")
	r := bufio.NewReader(bytes.NewReader(bad))
	if _, _, err := readNetstring(r); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}
