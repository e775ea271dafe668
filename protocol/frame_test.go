package protocol

import (
	"bytes"
	"errors"
	"testing"
)

type frameRec struct {
	seq     uint8
	payload []byte
}

func collect(s *scanner, p []byte) []frameRec {
	var out []frameRec
	s.feed(p, func(seq uint8, payload []byte) {
		out = append(out, frameRec{seq, append([]byte(nil), payload...)})
	})
	return out
}

func TestAppendFrameLayout(t *testing.T) {
	f, err := AppendFrame(nil, MessageDest, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{5, 0x10, 0x9E, 0x81, MessageValueSync}
	if !bytes.Equal(f, want) {
		t.Errorf("ack frame % x, want % x", f, want)
	}
	if _, err := AppendFrame(nil, MessageDest, make([]byte, MessagePayloadMax+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversized frame err=%v", err)
	}
}

func TestScannerSplitsAndResyncs(t *testing.T) {
	a, _ := AppendFrame(nil, 0x11, []byte{1, 2, 3})
	b, _ := AppendFrame(nil, 0x12, []byte{4})
	bad := append([]byte(nil), b...)
	bad[2] ^= 0xFF // corrupt the payload

	stream := append(append(append([]byte{0x00, 0x33, MessageValueSync}, a...), bad...), b...)
	s := newScanner(256)

	// Feed a byte at a time to exercise partial frames.
	var got []frameRec
	for i := range stream {
		got = append(got, collect(s, stream[i:i+1])...)
	}
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2: %v", len(got), got)
	}
	if got[0].seq != 0x11 || !bytes.Equal(got[0].payload, []byte{1, 2, 3}) {
		t.Errorf("frame 0 = %+v", got[0])
	}
	if got[1].seq != 0x12 || !bytes.Equal(got[1].payload, []byte{4}) {
		t.Errorf("frame 1 = %+v", got[1])
	}
	if s.errors == 0 {
		t.Error("corruption was not counted")
	}
}
