// Package appchan implements the application channel: a transfer.Channel
// that splits received blocks into the discrete messages they carry and
// offers blocking reads and completion-waiting writes on top of the engine.
package appchan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chiplink/logging"
	"chiplink/transfer"
)

var (
	ErrWouldBlock  = errors.New("appchan: no message available")
	ErrTooLarge    = errors.New("appchan: message too large")
	ErrInterrupted = errors.New("appchan: interrupted")
	ErrNotAttached = errors.New("appchan: not attached to an engine")
	ErrBadHeader   = errors.New("appchan: bad message header")
)

// message is a view into a received block. Only the last view cut from a
// block carries the block, which goes back to the pool once it is read.
type message struct {
	data  []byte
	block *transfer.Block
}

// Option configures a Channel.
type Option func(*Channel)

func WithFramer(f Framer) Option {
	return func(c *Channel) { c.framer = f }
}

// WithPool shares a block pool between channels.
func WithPool(p *transfer.BlockPool) Option {
	return func(c *Channel) { c.pool = p }
}

func WithName(name string) Option {
	return func(c *Channel) { c.name = name }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// Channel is the application channel.
type Channel struct {
	id     uint8
	name   string
	framer Framer
	pool   *transfer.BlockPool
	log    *slog.Logger

	mu      sync.Mutex
	queue   []message
	pending map[*transfer.Block]chan error
	engine  *transfer.Engine
	reg     *transfer.Registration

	avail chan struct{}
}

func New(id uint8, opts ...Option) *Channel {
	c := &Channel{
		id:      id,
		name:    "app",
		framer:  DefaultFramer{},
		pending: make(map[*transfer.Block]chan error),
		avail:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pool == nil {
		c.pool = new(transfer.BlockPool)
	}
	if c.log == nil {
		c.log = logging.Logger(logging.ComponentAppChan)
	}
	c.log = c.log.With("channel", id)
	return c
}

// Attach registers the channel with e.
func (c *Channel) Attach(e *transfer.Engine) error {
	reg, err := e.Register(c)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.engine, c.reg = e, reg
	c.mu.Unlock()
	return nil
}

// Detach unregisters the channel and drops unread messages.
func (c *Channel) Detach() error {
	c.mu.Lock()
	reg := c.reg
	c.engine, c.reg = nil, nil
	c.mu.Unlock()
	if reg == nil {
		return ErrNotAttached
	}
	err := reg.Close()

	c.mu.Lock()
	q := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, m := range q {
		if m.block != nil {
			c.pool.Put(m.block)
		}
	}
	return err
}

// Pending returns the number of queued messages.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Read copies the next message into p and returns its length. A message
// longer than p fails with ErrTooLarge and stays queued.
func (c *Channel) Read(ctx context.Context, p []byte, nonBlocking bool) (int, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			m := c.queue[0]
			if len(m.data) > len(p) {
				c.mu.Unlock()
				return 0, fmt.Errorf("%w: %d bytes, buffer %d", ErrTooLarge, len(m.data), len(p))
			}
			c.queue[0] = message{}
			c.queue = c.queue[1:]
			more := len(c.queue) > 0
			c.mu.Unlock()

			n := copy(p, m.data)
			if m.block != nil {
				c.pool.Put(m.block)
			}
			if more {
				c.signal()
			}
			return n, nil
		}
		c.mu.Unlock()

		if nonBlocking {
			return 0, ErrWouldBlock
		}
		select {
		case <-c.avail:
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		}
	}
}

// Write sends payload as a single block and waits for the engine to
// complete the exchange. The payload is sent as given; callers frame it.
func (c *Channel) Write(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	e := c.engine
	c.mu.Unlock()
	if e == nil {
		return ErrNotAttached
	}

	b := c.pool.Get(len(payload))
	copy(b.Bytes(), payload)
	done := make(chan error, 1)
	c.mu.Lock()
	c.pending[b] = done
	c.mu.Unlock()

	if err := e.Send(c, b); err != nil {
		c.mu.Lock()
		delete(c.pending, b)
		c.mu.Unlock()
		c.pool.Put(b)
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The block is still owned by the engine; Sent recycles it.
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}

func (c *Channel) signal() {
	select {
	case c.avail <- struct{}{}:
	default:
	}
}

// transfer.Channel

func (c *Channel) ID() uint8    { return c.id }
func (c *Channel) Name() string { return c.name }

func (c *Channel) Get(length int) *transfer.Block {
	return c.pool.Get(length)
}

func (c *Channel) Received(b *transfer.Block, err error) {
	if err != nil {
		c.log.Warn("receive failed", "err", err)
		c.pool.Put(b)
		return
	}
	if b.Len() == 0 {
		c.pool.Put(b)
		return
	}
	msgs := c.split(b)

	c.mu.Lock()
	c.queue = append(c.queue, msgs...)
	c.mu.Unlock()
	c.signal()
}

// split cuts b into message views. A message is split off only while the
// rest of the block strictly exceeds it; whatever remains is the last
// message and keeps b.
func (c *Channel) split(b *transfer.Block) []message {
	data := b.Bytes()
	hl := c.framer.HeaderLen()
	var msgs []message
	for len(data) >= hl {
		n, err := c.framer.MessageLen(data[:hl])
		if err == nil && n < hl {
			err = fmt.Errorf("%w: length %d", ErrBadHeader, n)
		}
		if err != nil {
			c.log.Warn("unframeable data, delivering remainder as is", "len", len(data), "err", err)
			break
		}
		if len(data) <= n {
			if len(data) < n {
				c.log.Debug("truncated message", "want", n, "have", len(data))
			}
			break
		}
		msgs = append(msgs, message{data: data[:n:n]})
		data = data[n:]
	}
	return append(msgs, message{data: data, block: b})
}

func (c *Channel) Sent(b *transfer.Block, err error) {
	c.mu.Lock()
	done := c.pending[b]
	delete(c.pending, b)
	c.mu.Unlock()
	c.pool.Put(b)
	if err != nil {
		c.log.Debug("send failed", "err", err)
	}
	if done != nil {
		done <- err
	}
}

func (c *Channel) Registered()   { c.log.Debug("registered") }
func (c *Channel) Unregistered() { c.log.Debug("unregistered") }
