package protocol

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// CommandHandler runs a command received by a Responder. Each frame carries
// exactly one command; args is valid only during the call.
type CommandHandler func(args []byte) error

// Responder is the device end of the link: it checks sequence numbers,
// acknowledges every frame and runs the handler registered for each
// command. Bus bridges and their simulators are built on it.
type Responder struct {
	out io.Writer

	mu       sync.Mutex // parser state and handlers
	sc       *scanner
	handlers map[uint16]CommandHandler
	onReset  func()
	onError  func(cmd uint16, err error)

	next atomic.Uint32

	writeMu sync.Mutex
	buf     []byte
}

func NewResponder(out io.Writer) *Responder {
	r := &Responder{
		out:      out,
		sc:       newScanner(1024),
		handlers: make(map[uint16]CommandHandler),
	}
	r.next.Store(MessageDest)
	return r
}

func (r *Responder) Handle(cmd uint16, fn CommandHandler) {
	r.mu.Lock()
	r.handlers[cmd] = fn
	r.mu.Unlock()
}

// OnReset is called when the host restarts its sequence numbering.
func (r *Responder) OnReset(fn func()) {
	r.mu.Lock()
	r.onReset = fn
	r.mu.Unlock()
}

// OnError is called when a handler fails or a command is unknown.
func (r *Responder) OnError(fn func(cmd uint16, err error)) {
	r.mu.Lock()
	r.onError = fn
	r.mu.Unlock()
}

// Feed processes bytes received from the host.
func (r *Responder) Feed(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sc.feed(p, r.frame)
}

func (r *Responder) frame(seq uint8, payload []byte) {
	if seq == MessageDest && r.next.Load() != MessageDest {
		r.next.Store(MessageDest)
		if r.onReset != nil {
			r.onReset()
		}
	}
	if uint32(seq) != r.next.Load() {
		// Out of order: the ack repeats the sequence we still want.
		r.ack()
		return
	}
	r.next.Store(uint32(nextSeq(seq)))
	// Acked after the handler: a returned Send means the command ran.
	defer r.ack()

	cmd, err := DecodeVLQUint(&payload)
	if err != nil {
		r.fail(0, err)
		return
	}
	h := r.handlers[uint16(cmd)]
	if h == nil {
		r.fail(uint16(cmd), fmt.Errorf("protocol: unknown command %d", cmd))
		return
	}
	if err := h(payload); err != nil {
		r.fail(uint16(cmd), err)
	}
}

func (r *Responder) fail(cmd uint16, err error) {
	if r.onError != nil {
		r.onError(cmd, err)
	}
}

func (r *Responder) ack() {
	r.write(nil)
}

func (r *Responder) write(payload []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	frame, err := AppendFrame(r.buf[:0], uint8(r.next.Load()), payload)
	if err != nil {
		return err
	}
	r.buf = frame
	_, err = r.out.Write(frame)
	return err
}

// Send emits cmd with pre-encoded args. It may be called from handlers and
// from other goroutines.
func (r *Responder) Send(cmd uint16, args []byte) error {
	payload := AppendVLQUint(make([]byte, 0, len(args)+3), uint32(cmd))
	payload = append(payload, args...)
	return r.write(payload)
}
