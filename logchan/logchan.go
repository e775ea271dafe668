// Package logchan buffers the device's diagnostic log stream. Each received
// block becomes one entry in a lossy ring, so a reader that falls behind
// loses the oldest lines instead of stalling the bus.
package logchan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chiplink/logging"
	"chiplink/ringbuf"
	"chiplink/transfer"
)

var (
	ErrWouldBlock  = errors.New("logchan: no log data")
	ErrInterrupted = errors.New("logchan: interrupted")
	ErrNotAttached = errors.New("logchan: not attached to an engine")
)

// DefaultRingSize is used when New is given a non-positive size.
const DefaultRingSize = 64 * 1024

type Channel struct {
	id   uint8
	ring *ringbuf.Ring
	pool transfer.BlockPool
	log  *slog.Logger

	mu      sync.Mutex
	engine  *transfer.Engine
	reg     *transfer.Registration
	pending map[*transfer.Block]chan error

	avail chan struct{}
}

// New creates a log channel with a ring of ringSize bytes.
func New(id uint8, ringSize int, log *slog.Logger) (*Channel, error) {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	r, err := ringbuf.New(ringSize)
	if err != nil {
		return nil, fmt.Errorf("logchan: %w", err)
	}
	if log == nil {
		log = logging.Logger(logging.ComponentLogChan)
	}
	return &Channel{
		id:      id,
		ring:    r,
		log:     log.With("channel", id),
		pending: make(map[*transfer.Block]chan error),
		avail:   make(chan struct{}, 1),
	}, nil
}

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

func (c *Channel) Detach() error {
	c.mu.Lock()
	reg := c.reg
	c.engine, c.reg = nil, nil
	c.mu.Unlock()
	if reg == nil {
		return ErrNotAttached
	}
	return reg.Close()
}

// Read copies the oldest unread entry into p. An entry longer than p is
// truncated; log lines are not worth failing over.
func (c *Channel) Read(ctx context.Context, p []byte, nonBlocking bool) (int, error) {
	for {
		if entry, ok := c.ring.Pop(); ok {
			n := copy(p, entry)
			if n < len(entry) {
				c.log.Debug("log entry truncated", "len", len(entry), "buf", len(p))
			}
			if !c.ring.Empty() {
				c.signal()
			}
			return n, nil
		}
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

// Reopen skips unread history, keeping whatever the ring still retains
// from the point of the last eviction.
func (c *Channel) Reopen() {
	c.ring.Reset()
	if !c.ring.Empty() {
		c.signal()
	}
}

// Dropped is the number of entries evicted before they were read.
func (c *Channel) Dropped() uint64 {
	return c.ring.Dropped()
}

// Command sends an opaque log-control payload and waits for the exchange.
func (c *Channel) Command(ctx context.Context, payload []byte) error {
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
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}

func (c *Channel) signal() {
	select {
	case c.avail <- struct{}{}:
	default:
	}
}

func (c *Channel) ID() uint8    { return c.id }
func (c *Channel) Name() string { return "log" }

func (c *Channel) Get(length int) *transfer.Block {
	return c.pool.Get(length)
}

func (c *Channel) Received(b *transfer.Block, err error) {
	defer c.pool.Put(b)
	if err != nil {
		c.log.Warn("receive failed", "err", err)
		return
	}
	data := b.Bytes()
	// Room for the entry prefix and a wrap marker.
	if limit := c.ring.Size() - 4; len(data) > limit {
		c.log.Debug("log block truncated", "len", len(data), "ring", c.ring.Size())
		data = data[:limit]
	}
	if err := c.ring.Push(data); err != nil {
		c.log.Warn("dropping log block", "len", len(data), "err", err)
		return
	}
	c.signal()
}

func (c *Channel) Sent(b *transfer.Block, err error) {
	c.mu.Lock()
	done := c.pending[b]
	delete(c.pending, b)
	c.mu.Unlock()
	c.pool.Put(b)
	if done != nil {
		done <- err
	}
}

func (c *Channel) Registered()   {}
func (c *Channel) Unregistered() {}
