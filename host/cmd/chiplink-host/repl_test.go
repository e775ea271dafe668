package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"chiplink/appchan"
	"chiplink/logchan"
	"chiplink/logging"
	"chiplink/transfer"
)

type fakeTarget struct {
	app    *appchan.Channel
	log    *logchan.Channel
	resets int
}

func (f *fakeTarget) App() *appchan.Channel { return f.app }
func (f *fakeTarget) Log() *logchan.Channel { return f.log }
func (f *fakeTarget) Stats() transfer.Stats {
	return transfer.Stats{Exchanges: 7, Resets: uint64(f.resets)}
}
func (f *fakeTarget) State() transfer.State { return transfer.StateRunning }
func (f *fakeTarget) Reset(context.Context) error {
	f.resets++
	return nil
}
func (f *fakeTarget) StopTransport() error                  { return nil }
func (f *fakeTarget) ResumeTransport(context.Context) error { return nil }

func newTestREPL(t *testing.T) (*repl, *fakeTarget, *bytes.Buffer) {
	t.Helper()
	lc, err := logchan.New(2, 256, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeTarget{app: appchan.New(1, appchan.WithLogger(logging.Discard())), log: lc}
	var out bytes.Buffer
	return newREPL(f, &out), f, &out
}

func TestParseHex(t *testing.T) {
	tests := []struct {
		in   []string
		want []byte
		ok   bool
	}{
		{[]string{"0x01", "02"}, []byte{1, 2}, true},
		{[]string{"0A0b"}, []byte{0x0a, 0x0b}, true},
		{[]string{"de:ad:be:ef"}, []byte{0xde, 0xad, 0xbe, 0xef}, true},
		{[]string{"123"}, nil, false},
		{[]string{"zz"}, nil, false},
	}
	for _, tc := range tests {
		got, err := parseHex(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("parseHex(%q) err = %v", tc.in, err)
			continue
		}
		if tc.ok && !bytes.Equal(got, tc.want) {
			t.Errorf("parseHex(%q) = % x, want % x", tc.in, got, tc.want)
		}
	}
}

func TestReadReportsMessageKind(t *testing.T) {
	r, f, out := newTestREPL(t)
	if _, err := r.exec("read"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "no messages") {
		t.Errorf("empty read printed %q", out.String())
	}

	ctl, _ := appchan.AppendControl(nil, 0x02, []byte{0xaa})
	f.app.Received(transfer.BlockFrom(ctl), nil)
	out.Reset()
	if _, err := r.exec("read"); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); !strings.HasPrefix(got, "control 5 bytes") {
		t.Errorf("read printed %q", got)
	}
}

func TestLogDrainsRing(t *testing.T) {
	r, f, out := newTestREPL(t)
	f.log.Received(transfer.BlockFrom([]byte("boot ok\n")), nil)
	f.log.Received(transfer.BlockFrom([]byte("radio up")), nil)
	if _, err := r.exec("log"); err != nil {
		t.Fatal(err)
	}
	if got, want := out.String(), "boot ok\nradio up\n"; got != want {
		t.Errorf("log printed %q, want %q", got, want)
	}
}

func TestCommandsDispatch(t *testing.T) {
	r, f, out := newTestREPL(t)
	if _, err := r.exec("reset"); err != nil || f.resets != 1 {
		t.Fatalf("reset: err=%v resets=%d", err, f.resets)
	}
	if _, err := r.exec("stats"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "exchanges:   7") {
		t.Errorf("stats printed %q", out.String())
	}
	if _, err := r.exec("send"); err == nil {
		t.Error("send without bytes succeeded")
	}
	if _, err := r.exec(`msg 1 "unterminated`); err == nil {
		t.Error("unterminated quote parsed")
	}
	if _, err := r.exec("bogus"); err == nil {
		t.Error("unknown command accepted")
	}
	quit, err := r.exec("quit")
	if err != nil || !quit {
		t.Errorf("quit = %v, %v", quit, err)
	}
}

func TestSendNeedsAttachedChannel(t *testing.T) {
	r, _, _ := newTestREPL(t)
	if _, err := r.exec("send 01 00 00 00"); err != appchan.ErrNotAttached {
		t.Errorf("send err = %v, want ErrNotAttached", err)
	}
}
