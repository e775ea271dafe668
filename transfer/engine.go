// Package transfer drives a half-duplex, header-framed bus shared by several
// logical channels. A single worker goroutine owns the bus: callers only
// queue sends, barriers and flow-control events.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/drivers"

	"chiplink/logging"
)

// State is the engine's lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type event uint8

const (
	evReady event = iota + 1
	evClearReady
	evBusy
	evClearBusy
	evOutputWaiting
)

const eventBacklog = 32

// Engine serializes all traffic on one bus.
type Engine struct {
	bus          drivers.SPI
	lines        Lines
	resetHook    func(context.Context) error
	rearm        func()
	log          *slog.Logger
	readyTimeout time.Duration
	retries      int
	threshold    int
	maxPayload   int

	mu       sync.Mutex
	state    State
	closed   bool
	channels [256]Channel
	claimed  [256]bool
	queue    []work

	kick   chan struct{}
	events chan event
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	// ctx is canceled by Close so a hung reset hook can be interrupted.
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the worker.
	ready         bool
	busy          bool
	outputWaiting bool
	failures      int
	tx, rx        []byte

	stats counters
}

// New creates a stopped engine on bus and starts its worker goroutine.
// Call Start before sending.
func New(bus drivers.SPI, opts ...Option) *Engine {
	e := &Engine{
		bus:          bus,
		log:          logging.Logger(logging.ComponentEngine),
		readyTimeout: DefaultReadyTimeout,
		retries:      DefaultRetries,
		threshold:    DefaultEscalationThreshold,
		maxPayload:   DefaultMaxPayload,
		kick:         make(chan struct{}, 1),
		events:       make(chan event, eventBacklog),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(e)
	}
	e.tx = make([]byte, HeaderLen+e.maxPayload)
	e.rx = make([]byte, HeaderLen+e.maxPayload)
	go e.run()
	return e
}

// MaxPayload is the largest payload a single exchange carries.
func (e *Engine) MaxPayload() int {
	return e.maxPayload
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Start allows sends and wakes the worker.
func (e *Engine) Start() {
	e.mu.Lock()
	if !e.closed {
		e.state = StateRunning
	}
	e.mu.Unlock()
	e.wake()
}

// Stop rejects new sends and returns once everything already queued has
// been processed. Output-waiting notifications are held until Start.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.closed {
		e.state = StateStopped
	}
	e.mu.Unlock()
	return e.barrier(nil)
}

// Close stops the worker. Sends still queued complete with ErrClosed.
func (e *Engine) Close() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.state = StateStopped
		e.mu.Unlock()
		close(e.quit)
		e.cancel()
	})
	<-e.done
	return nil
}

// Register installs ch under its id. The worker installs it and runs
// Registered between exchanges, so no read reaches ch before Registered.
func (e *Engine) Register(ch Channel) (*Registration, error) {
	if ch == nil {
		return nil, ErrInvalidChannel
	}
	id := ch.ID()
	e.mu.Lock()
	if e.closed || e.state == StateStopped {
		e.mu.Unlock()
		return nil, ErrNotRunning
	}
	if e.channels[id] != nil || e.claimed[id] {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: id %d", ErrAlreadyRegistered, id)
	}
	e.claimed[id] = true
	e.mu.Unlock()

	install := func() {
		e.mu.Lock()
		e.channels[id] = ch
		e.claimed[id] = false
		e.mu.Unlock()
		ch.Registered()
	}
	done := make(chan struct{})
	if !e.enqueue(work{done: done, fn: install}) {
		e.mu.Lock()
		e.claimed[id] = false
		e.mu.Unlock()
		return nil, ErrClosed
	}
	<-done
	e.log.Debug("channel registered", "channel", id, "name", ch.Name())
	return &Registration{e: e, ch: ch}, nil
}

// Unregister removes ch. When it returns, ch has received its final
// callback, Unregistered, and will receive no other.
func (e *Engine) Unregister(ch Channel) error {
	if ch == nil {
		return ErrInvalidChannel
	}
	id := ch.ID()
	e.mu.Lock()
	if e.channels[id] != ch {
		e.mu.Unlock()
		return ErrChannelNotRegistered
	}
	e.channels[id] = nil
	e.mu.Unlock()

	// Sends already queued for ch still complete before Unregistered.
	e.barrier(ch.Unregistered)
	e.log.Debug("channel unregistered", "channel", id, "name", ch.Name())
	return nil
}

func (e *Engine) lookup(id uint8) Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[id]
}

// Send queues b for transmission on ch and returns immediately. b comes back
// through ch.Sent.
func (e *Engine) Send(ch Channel, b *Block) error {
	if ch == nil || b == nil {
		return ErrInvalidChannel
	}
	if b.Len() > e.maxPayload {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, b.Len(), e.maxPayload)
	}
	e.mu.Lock()
	if e.channels[ch.ID()] != ch {
		e.mu.Unlock()
		return ErrInvalidChannel
	}
	if e.closed || e.state != StateRunning {
		e.mu.Unlock()
		return ErrBusy
	}
	e.queue = append(e.queue, work{ch: ch, block: b})
	e.mu.Unlock()
	e.wake()
	return nil
}

// Reset runs the reset hook on the worker between exchanges and clears all
// flow-control state.
func (e *Engine) Reset(ctx context.Context) error {
	var err error
	if berr := e.barrier(func() { err = e.hardReset(ctx) }); berr != nil {
		return berr
	}
	return err
}

// Notification hooks. They are safe to call from any goroutine, typically
// from edge watchers on the device lines.

func (e *Engine) MarkReady()         { e.post(evReady) }
func (e *Engine) ClearReady()        { e.post(evClearReady) }
func (e *Engine) MarkBusy()          { e.post(evBusy) }
func (e *Engine) ClearBusy()         { e.post(evClearBusy) }
func (e *Engine) MarkOutputWaiting() { e.post(evOutputWaiting) }

func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.quit:
	}
}

func (e *Engine) apply(ev event) {
	switch ev {
	case evReady:
		e.ready = true
		e.busy = false
	case evClearReady:
		e.ready = false
	case evBusy:
		e.busy = true
	case evClearBusy:
		e.busy = false
	case evOutputWaiting:
		e.outputWaiting = true
	}
}

func (e *Engine) pollEvents() {
	for {
		select {
		case ev := <-e.events:
			e.apply(ev)
		default:
			return
		}
	}
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			e.drain()
			return
		default:
		}

		e.pollEvents()
		if w, ok := e.pop(); ok {
			e.dispatch(w)
			continue
		}
		if e.outputWaiting && e.State() == StateRunning {
			e.preRead()
			continue
		}

		select {
		case <-e.quit:
		case <-e.kick:
		case ev := <-e.events:
			e.apply(ev)
		}
	}
}

func (e *Engine) dispatch(w work) {
	if w.isBarrier() {
		if w.fn != nil {
			w.fn()
		}
		close(w.done)
		return
	}
	e.write(w.ch, w.block)
}
