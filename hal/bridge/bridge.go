// Package bridge drives the device bus through a USB-serial bridge MCU. The
// bridge speaks the framed command link from package protocol and exposes
// one SPI controller plus a handful of GPIOs.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chiplink/hal"
	"chiplink/logging"
	"chiplink/protocol"
)

// Bridge command ids.
const (
	CmdSPITransfer uint16 = 1 // flags, bytes
	CmdSPIResult   uint16 = 2 // bytes
	CmdGPIOSet     uint16 = 3 // pin, level
	CmdGPIOGet     uint16 = 4 // pin
	CmdGPIOState   uint16 = 5 // pin, level
	CmdGPIOWatch   uint16 = 6 // pin, enable
	CmdGPIOEvent   uint16 = 7 // pin, level
)

// SPI transfer flags.
const (
	// FlagHoldCS keeps chip select asserted after this chunk.
	FlagHoldCS = 1 << 0
)

// ChunkSize is the largest SPI slice carried by one frame: the frame
// payload minus command id, flags and the byte-string length prefix.
const ChunkSize = protocol.MessagePayloadMax - 6

var ErrShortResult = errors.New("bridge: short SPI result")

// Bridge implements drivers.SPI over a protocol.Link.
type Bridge struct {
	link    *protocol.Link
	log     *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	watchers map[uint32]map[int]func(bool)
	nextID   int

	// GPIO events are delivered off the link's read loop so a watcher that
	// blocks cannot hold up SPI results.
	events chan pinEvent
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

type pinEvent struct {
	pin   uint32
	level bool
}

const eventBacklog = 64

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout bounds each bridge command.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

func New(link *protocol.Link, opts ...Option) *Bridge {
	b := &Bridge{
		link:     link,
		log:      logging.Logger(logging.ComponentBridge),
		timeout:  time.Second,
		watchers: make(map[uint32]map[int]func(bool)),
		events:   make(chan pinEvent, eventBacklog),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.deliver()
	link.Handle(CmdGPIOEvent, b.onEvent)
	return b
}

// Close shuts down the underlying link.
func (b *Bridge) Close() error {
	err := b.link.Close()
	b.once.Do(func() { close(b.quit) })
	<-b.done
	return err
}

func (b *Bridge) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.timeout)
}

// Tx clocks out w while clocking into r. Either may be nil; when both are
// set they must be the same length.
func (b *Bridge) Tx(w, r []byte) error {
	n := max(len(w), len(r))
	if w != nil && r != nil && len(w) != len(r) {
		return fmt.Errorf("bridge: tx %d bytes, rx %d bytes", len(w), len(r))
	}
	var zero []byte
	if w == nil {
		zero = make([]byte, min(n, ChunkSize))
	}

	for off := 0; off < n; off += ChunkSize {
		end := min(off+ChunkSize, n)
		out := zero[:end-off]
		if w != nil {
			out = w[off:end]
		}
		flags := uint32(0)
		if end < n {
			flags |= FlagHoldCS
		}
		args := protocol.AppendVLQUint(nil, flags)
		args = protocol.AppendVLQBytes(args, out)

		ctx, cancel := b.ctx()
		resp, err := b.link.Call(ctx, CmdSPITransfer, args, CmdSPIResult)
		cancel()
		if err != nil {
			return fmt.Errorf("bridge: spi transfer: %w", err)
		}
		in, err := protocol.DecodeVLQBytes(&resp)
		if err != nil {
			return fmt.Errorf("bridge: spi result: %w", err)
		}
		if len(in) != end-off {
			return fmt.Errorf("%w: %d of %d bytes", ErrShortResult, len(in), end-off)
		}
		if r != nil {
			copy(r[off:end], in)
		}
	}
	return nil
}

// Transfer exchanges a single byte.
func (b *Bridge) Transfer(v byte) (byte, error) {
	var in [1]byte
	err := b.Tx([]byte{v}, in[:])
	return in[0], err
}

// Pin returns a handle for bridge GPIO n.
func (b *Bridge) Pin(n uint32) *Pin {
	return &Pin{b: b, n: n}
}

func (b *Bridge) onEvent(args []byte) {
	pin, err := protocol.DecodeVLQUint(&args)
	if err != nil {
		b.log.Warn("bad gpio event", "err", err)
		return
	}
	level, err := protocol.DecodeVLQUint(&args)
	if err != nil {
		b.log.Warn("bad gpio event", "pin", pin, "err", err)
		return
	}
	select {
	case b.events <- pinEvent{pin: pin, level: level != 0}:
	default:
		b.log.Warn("gpio event dropped", "pin", pin)
	}
}

func (b *Bridge) deliver() {
	defer close(b.done)
	for {
		select {
		case <-b.quit:
			return
		case ev := <-b.events:
			b.mu.Lock()
			fns := make([]func(bool), 0, len(b.watchers[ev.pin]))
			for _, fn := range b.watchers[ev.pin] {
				fns = append(fns, fn)
			}
			b.mu.Unlock()
			for _, fn := range fns {
				fn(ev.level)
			}
		}
	}
}

// Pin is a bridge GPIO. It implements hal.InputPin, hal.OutputPin and
// hal.Edge.
type Pin struct {
	b *Bridge
	n uint32
}

var (
	_ hal.InputPin  = (*Pin)(nil)
	_ hal.OutputPin = (*Pin)(nil)
	_ hal.Edge      = (*Pin)(nil)
)

func (p *Pin) Set(level bool) error {
	args := protocol.AppendVLQUint(nil, p.n)
	args = protocol.AppendVLQUint(args, boolArg(level))
	ctx, cancel := p.b.ctx()
	defer cancel()
	if err := p.b.link.Send(ctx, CmdGPIOSet, args); err != nil {
		return fmt.Errorf("bridge: gpio %d set: %w", p.n, err)
	}
	return nil
}

func (p *Pin) Get() (bool, error) {
	ctx, cancel := p.b.ctx()
	defer cancel()
	resp, err := p.b.link.Call(ctx, CmdGPIOGet, protocol.AppendVLQUint(nil, p.n), CmdGPIOState)
	if err != nil {
		return false, fmt.Errorf("bridge: gpio %d get: %w", p.n, err)
	}
	pin, err := protocol.DecodeVLQUint(&resp)
	if err != nil {
		return false, err
	}
	level, err := protocol.DecodeVLQUint(&resp)
	if err != nil {
		return false, err
	}
	if pin != p.n {
		return false, fmt.Errorf("bridge: gpio state for pin %d, asked %d", pin, p.n)
	}
	return level != 0, nil
}

// Watch enables change reports for the pin and calls fn for each until ctx
// is done.
func (p *Pin) Watch(ctx context.Context, fn func(level bool)) error {
	p.b.mu.Lock()
	id := p.b.nextID
	p.b.nextID++
	first := len(p.b.watchers[p.n]) == 0
	if first {
		p.b.watchers[p.n] = make(map[int]func(bool))
	}
	p.b.watchers[p.n][id] = fn
	p.b.mu.Unlock()

	defer func() {
		p.b.mu.Lock()
		delete(p.b.watchers[p.n], id)
		last := len(p.b.watchers[p.n]) == 0
		if last {
			delete(p.b.watchers, p.n)
		}
		p.b.mu.Unlock()
		if last {
			p.watch(false)
		}
	}()

	if first {
		if err := p.watch(true); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *Pin) watch(enable bool) error {
	args := protocol.AppendVLQUint(nil, p.n)
	args = protocol.AppendVLQUint(args, boolArg(enable))
	ctx, cancel := p.b.ctx()
	defer cancel()
	if err := p.b.link.Send(ctx, CmdGPIOWatch, args); err != nil {
		return fmt.Errorf("bridge: gpio %d watch: %w", p.n, err)
	}
	return nil
}

func boolArg(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
