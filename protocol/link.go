package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"chiplink/logging"
)

// Handler receives the arguments of an unsolicited command from the peer.
// args is only valid for the duration of the call.
type Handler func(args []byte)

// LinkOption configures a Link.
type LinkOption func(*Link)

// WithAckTimeout bounds the wait for each acknowledgement.
func WithAckTimeout(d time.Duration) LinkOption {
	return func(l *Link) { l.ackTimeout = d }
}

// WithRetransmits sets how many times a frame is resent after a NAK or a
// missing acknowledgement.
func WithRetransmits(n int) LinkOption {
	return func(l *Link) { l.retransmits = n }
}

func WithLinkLogger(log *slog.Logger) LinkOption {
	return func(l *Link) { l.log = log }
}

// Link is the host end of a framed command link. One command is in flight
// at a time; responses are routed to the waiting caller by command id and
// anything else goes to the registered handlers.
type Link struct {
	port        io.ReadWriteCloser
	log         *slog.Logger
	ackTimeout  time.Duration
	retransmits int

	callMu sync.Mutex // one outstanding command
	seq    uint8
	out    []byte

	acks chan uint8

	mu       sync.Mutex
	waiters  map[uint16]chan []byte
	handlers map[uint16]Handler

	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	readErr error
}

// NewLink starts a link over port. The link owns port and closes it on Close.
func NewLink(port io.ReadWriteCloser, opts ...LinkOption) *Link {
	l := &Link{
		port:        port,
		log:         logging.Logger(logging.ComponentBridge),
		ackTimeout:  2 * time.Second,
		retransmits: 2,
		seq:         MessageDest,
		acks:        make(chan uint8, 1),
		waiters:     make(map[uint16]chan []byte),
		handlers:    make(map[uint16]Handler),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.readLoop()
	return l
}

// Handle registers fn for unsolicited command cmd.
func (l *Link) Handle(cmd uint16, fn Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fn == nil {
		delete(l.handlers, cmd)
		return
	}
	l.handlers[cmd] = fn
}

// Send transmits cmd with pre-encoded args and waits for the peer to
// acknowledge it.
func (l *Link) Send(ctx context.Context, cmd uint16, args []byte) error {
	l.callMu.Lock()
	defer l.callMu.Unlock()
	return l.send(ctx, cmd, args)
}

// Call sends cmd and waits for the peer's resp command, returning its args.
func (l *Link) Call(ctx context.Context, cmd uint16, args []byte, resp uint16) ([]byte, error) {
	l.callMu.Lock()
	defer l.callMu.Unlock()

	ch := make(chan []byte, 1)
	l.mu.Lock()
	l.waiters[resp] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.waiters, resp)
		l.mu.Unlock()
	}()

	if err := l.send(ctx, cmd, args); err != nil {
		return nil, err
	}
	t := time.NewTimer(l.ackTimeout)
	defer t.Stop()
	select {
	case p := <-ch:
		return p, nil
	case <-t.C:
		return nil, fmt.Errorf("%w: response %d to command %d", ErrTimeout, resp, cmd)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, l.closedErr()
	}
}

func (l *Link) send(ctx context.Context, cmd uint16, args []byte) error {
	payload := AppendVLQUint(make([]byte, 0, len(args)+3), uint32(cmd))
	payload = append(payload, args...)

	var last error
	for attempt := 0; attempt <= l.retransmits; attempt++ {
		frame, err := AppendFrame(l.out[:0], l.seq, payload)
		if err != nil {
			return err
		}
		l.out = frame
		if attempt > 0 {
			l.log.Debug("retransmitting", "cmd", cmd, "seq", l.seq, "err", last)
		}
		if _, err := l.port.Write(frame); err != nil {
			return fmt.Errorf("protocol: write: %w", err)
		}

		last = l.waitAck(ctx)
		if last == nil {
			l.seq = nextSeq(l.seq)
			return nil
		}
		if !errors.Is(last, ErrNak) && !errors.Is(last, ErrTimeout) {
			return last
		}
	}
	return last
}

func (l *Link) waitAck(ctx context.Context) error {
	want := nextSeq(l.seq)
	t := time.NewTimer(l.ackTimeout)
	defer t.Stop()
	for {
		select {
		case seq := <-l.acks:
			if seq == want {
				return nil
			}
			if seq == l.seq {
				return fmt.Errorf("%w: seq %#02x", ErrNak, seq)
			}
			// Stale acknowledgement from an earlier retransmit.
			l.log.Debug("ignoring ack", "seq", seq, "want", want)
		case <-t.C:
			return fmt.Errorf("%w: ack for seq %#02x", ErrTimeout, l.seq)
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return l.closedErr()
		}
	}
}

func (l *Link) readLoop() {
	defer close(l.done)
	sc := newScanner(1024)
	buf := make([]byte, 256)
	for {
		n, err := l.port.Read(buf)
		if n > 0 {
			sc.feed(buf[:n], l.dispatch)
		}
		if err != nil {
			select {
			case <-l.stop:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				l.readErr = err
				return
			}
			l.log.Warn("link read", "err", err)
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (l *Link) dispatch(seq uint8, payload []byte) {
	if len(payload) == 0 {
		select {
		case l.acks <- seq:
		default:
			// Keep the newest acknowledgement.
			select {
			case <-l.acks:
			default:
			}
			l.acks <- seq
		}
		return
	}

	cmd, err := DecodeVLQUint(&payload)
	if err != nil {
		l.log.Warn("bad command id", "err", err)
		return
	}
	l.mu.Lock()
	w := l.waiters[uint16(cmd)]
	if w != nil {
		delete(l.waiters, uint16(cmd))
	}
	h := l.handlers[uint16(cmd)]
	l.mu.Unlock()

	switch {
	case w != nil:
		w <- append([]byte(nil), payload...)
	case h != nil:
		h(payload)
	default:
		l.log.Debug("unhandled command", "cmd", cmd, "len", len(payload))
	}
}

// Err returns the error that stopped the read loop, if any.
func (l *Link) Err() error {
	select {
	case <-l.done:
		return l.readErr
	default:
		return nil
	}
}

func (l *Link) closedErr() error {
	if l.readErr != nil {
		return fmt.Errorf("%w: %w", ErrClosed, l.readErr)
	}
	return ErrClosed
}

// Close stops the read loop and closes the port.
func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		err = l.port.Close()
		<-l.done
	})
	return err
}
