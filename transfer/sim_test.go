package transfer

import (
	"sync"
	"testing"
	"time"

	"chiplink/hal"
)

type simMsg struct {
	ch   uint8
	data []byte
}

// simDevice is a device on the far side of the bus. It follows the header
// protocol and raises ready after every transfer, like a real IRQ would.
type simDevice struct {
	mu      sync.Mutex
	e       *Engine
	pending []simMsg
	writes  []simMsg
	reqs    []Header
	failTx  error
	nak     bool

	// misroute answers writes with the wrong channel and length.
	misroute bool

	// When hold is set the next Tx closes entered and blocks until hold
	// is closed.
	hold    chan struct{}
	entered chan struct{}
}

func (d *simDevice) Transfer(b byte) (byte, error) { return 0, nil }

func (d *simDevice) Tx(w, r []byte) error {
	d.mu.Lock()
	hold, entered := d.hold, d.entered
	d.hold, d.entered = nil, nil
	d.mu.Unlock()
	if hold != nil {
		close(entered)
		<-hold
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.signalReady()

	req := ParseHeader(w)
	d.reqs = append(d.reqs, req)
	if d.failTx != nil {
		return d.failTx
	}

	resp := Header{Flags: StatusReady}
	switch {
	case d.nak:
		resp.Flags |= StatusError
	case req.Flags&FlagRead != 0:
		if len(d.pending) == 0 {
			resp.Flags |= StatusError
			break
		}
		m := d.pending[0]
		d.pending = d.pending[1:]
		resp = Header{Flags: StatusReady | StatusAck, Channel: m.ch, Length: uint16(len(m.data))}
		copy(r[HeaderLen:], m.data)
	case req.Flags&FlagWrite != 0:
		payload := append([]byte(nil), w[HeaderLen:HeaderLen+int(req.Length)]...)
		d.writes = append(d.writes, simMsg{ch: req.Channel, data: payload})
		switch {
		case d.misroute:
			resp.Channel, resp.Length = req.Channel+8, req.Length+1
		case req.Flags&FlagPreRead != 0:
			d.announce(&resp)
		default:
			resp.Channel, resp.Length = req.Channel, req.Length
		}
	default:
		d.announce(&resp)
	}
	if len(d.pending) > 0 {
		resp.Flags |= StatusOutputWaiting
	}
	resp.Put(r)
	return nil
}

func (d *simDevice) announce(h *Header) {
	if len(d.pending) > 0 {
		h.Channel = d.pending[0].ch
		h.Length = uint16(len(d.pending[0].data))
	}
}

func (d *simDevice) signalReady() {
	if d.e != nil {
		go d.e.MarkReady()
	}
}

func (d *simDevice) queue(ch uint8, data string) {
	d.mu.Lock()
	d.pending = append(d.pending, simMsg{ch: ch, data: []byte(data)})
	d.mu.Unlock()
}

func (d *simDevice) requests() []Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Header(nil), d.reqs...)
}

func (d *simDevice) written() []simMsg {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]simMsg(nil), d.writes...)
}

var alwaysReady = Lines{Ready: hal.PinFunc(func() (bool, error) { return true, nil })}

func newSimEngine(t *testing.T, d *simDevice, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLines(alwaysReady), WithReadyTimeout(time.Second)}, opts...)
	e := New(d, opts...)
	d.e = e
	e.Start()
	t.Cleanup(func() { e.Close() })
	return e
}

// testChannel records every callback it receives.
type testChannel struct {
	id      uint8
	decline bool
	// short hands out one-byte blocks.
	short bool

	mu     sync.Mutex
	events []string
	sentC  chan error
	recvC  chan []byte
	failC  chan *Block
	errs   []error
}

func newTestChannel(id uint8) *testChannel {
	return &testChannel{
		id:    id,
		sentC: make(chan error, 64),
		recvC: make(chan []byte, 64),
		failC: make(chan *Block, 64),
	}
}

func (c *testChannel) ID() uint8    { return c.id }
func (c *testChannel) Name() string { return "test" }

func (c *testChannel) Get(n int) *Block {
	switch {
	case c.decline:
		return nil
	case c.short:
		return NewBlock(1)
	}
	return NewBlock(n)
}

func (c *testChannel) Received(b *Block, err error) {
	c.record("received")
	if err != nil {
		c.mu.Lock()
		c.errs = append(c.errs, err)
		c.mu.Unlock()
		c.failC <- b
		return
	}
	c.recvC <- append([]byte(nil), b.Bytes()...)
}

func (c *testChannel) Sent(b *Block, err error) {
	c.record("sent")
	c.sentC <- err
}

func (c *testChannel) Registered()   { c.record("registered") }
func (c *testChannel) Unregistered() { c.record("unregistered") }

func (c *testChannel) record(ev string) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *testChannel) history() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *testChannel) waitSent(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.sentC:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Sent")
		return nil
	}
}

func (c *testChannel) waitReceived(t *testing.T) []byte {
	t.Helper()
	select {
	case p := <-c.recvC:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Received")
		return nil
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
