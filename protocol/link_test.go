package protocol

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"chiplink/logging"
)

const (
	cmdEcho     = 1
	cmdEchoResp = 2
	cmdNotify   = 3
	cmdPoke     = 4
)

// device runs a Responder on the far end of a pipe.
func device(t *testing.T, conn net.Conn) *Responder {
	t.Helper()
	r := NewResponder(conn)
	r.Handle(cmdEcho, func(args []byte) error {
		p, err := DecodeVLQBytes(&args)
		if err != nil {
			return err
		}
		return r.Send(cmdEchoResp, AppendVLQBytes(nil, bytes.ToUpper(p)))
	})
	go func() {
		buf := make([]byte, 64)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				r.Feed(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return r
}

func newPair(t *testing.T, opts ...LinkOption) (*Link, *Responder) {
	t.Helper()
	host, dev := net.Pipe()
	r := device(t, dev)
	opts = append([]LinkOption{WithLinkLogger(logging.Discard()), WithAckTimeout(time.Second)}, opts...)
	l := NewLink(host, opts...)
	t.Cleanup(func() {
		l.Close()
		dev.Close()
	})
	return l, r
}

func TestLinkCallRoutesResponse(t *testing.T) {
	l, _ := newPair(t)
	ctx := context.Background()
	for i, word := range []string{"spi", "gpio", "bridge"} {
		resp, err := l.Call(ctx, cmdEcho, AppendVLQBytes(nil, []byte(word)), cmdEchoResp)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		got, err := DecodeVLQBytes(&resp)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(bytes.ToUpper([]byte(word))) {
			t.Errorf("call %d: got %q", i, got)
		}
	}
}

func TestLinkSequenceWraps(t *testing.T) {
	l, r := newPair(t)
	var mu sync.Mutex
	count := 0
	r.Handle(cmdPoke, func(args []byte) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	for i := 0; i < 20; i++ {
		if err := l.Send(context.Background(), cmdPoke, nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 20 {
		t.Errorf("device ran %d commands, want 20", count)
	}
}

func TestLinkUnsolicitedHandler(t *testing.T) {
	l, r := newPair(t)
	got := make(chan uint32, 1)
	l.Handle(cmdNotify, func(args []byte) {
		v, _ := DecodeVLQUint(&args)
		got <- v
	})
	if err := r.Send(cmdNotify, AppendVLQUint(nil, 42)); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("handler got %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestLinkAckTimeout(t *testing.T) {
	host, dev := net.Pipe()
	// Drain everything and never answer.
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := dev.Read(buf); err != nil {
				return
			}
		}
	}()
	l := NewLink(host, WithLinkLogger(logging.Discard()), WithAckTimeout(10*time.Millisecond), WithRetransmits(1))
	defer dev.Close()
	defer l.Close()

	if err := l.Send(context.Background(), cmdPoke, nil); !errors.Is(err, ErrTimeout) {
		t.Errorf("err=%v, want ErrTimeout", err)
	}
}

func TestLinkClosedByPeer(t *testing.T) {
	host, dev := net.Pipe()
	l := NewLink(host, WithLinkLogger(logging.Discard()))
	defer l.Close()
	dev.Close()

	select {
	case <-l.done:
	case <-time.After(time.Second):
		t.Fatal("read loop still running")
	}
	if l.Err() == nil {
		t.Error("Err() = nil after peer closed")
	}
}
