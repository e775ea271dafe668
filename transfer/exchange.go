package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// write sends one queued block, chaining a read when the device reported
// pending output in the same exchange.
func (e *Engine) write(ch Channel, b *Block) {
	req := Header{Flags: FlagWrite, Channel: ch.ID(), Length: uint16(b.Len())}
	if e.outputWaiting && e.State() == StateRunning {
		req.Flags |= FlagPreRead
	}

	resp, err := e.transact(req, b.Bytes(), nil)
	if err == nil {
		err = validate(req, resp)
	}
	if err == nil {
		e.stats.sent.Add(1)
	}
	ch.Sent(b, err)
	if err != nil {
		e.fail(req, err)
		return
	}
	e.succeed(resp)

	if req.Flags&FlagPreRead != 0 && resp.Length > 0 {
		e.read(resp.Channel, resp.Length)
	}
}

// preRead asks the device what it has pending without sending anything.
func (e *Engine) preRead() {
	req := Header{Flags: FlagPreRead}
	resp, err := e.transact(req, nil, nil)
	if err == nil {
		err = validate(req, resp)
	}
	if err == nil && resp.Length == 0 && resp.Flags&StatusOutputWaiting != 0 {
		err = fmt.Errorf("%w: output waiting with nothing to read", ErrProtocolMismatch)
	}
	if err != nil {
		e.fail(req, err)
		return
	}
	e.succeed(resp)
	if resp.Length > 0 {
		e.read(resp.Channel, resp.Length)
	}
}

// read fetches length bytes the device announced for channel id and hands
// them to that channel. Without a channel or a block the payload is still
// clocked off the bus so the device can move on.
func (e *Engine) read(id uint8, length uint16) {
	req := Header{Flags: FlagRead, Channel: id, Length: length}
	if int(length) > e.maxPayload {
		e.fail(req, fmt.Errorf("%w: announced %d bytes, max %d", ErrProtocolMismatch, length, e.maxPayload))
		return
	}

	ch := e.lookup(id)
	var b *Block
	if ch != nil {
		b = ch.Get(int(length))
		if b != nil && b.SetLen(int(length)) != nil {
			e.log.Warn("receive block too small", "channel", id, "len", length, "cap", b.Cap())
			// The channel owns the block; give it back before dropping
			// the payload.
			ch.Received(b, fmt.Errorf("%w: block holds %d of %d bytes", ErrAllocation, b.Cap(), length))
			b = nil
		}
	}
	var in []byte
	if b != nil {
		in = b.Bytes()
	}

	resp, err := e.transact(req, nil, in)
	if err == nil {
		err = validate(req, resp)
	}
	if err != nil {
		e.fail(req, err)
	} else {
		e.succeed(resp)
	}

	switch {
	case ch == nil:
		e.stats.discarded.Add(1)
		e.log.Debug("discarding read", "channel", id, "len", length, "err", ErrChannelNotRegistered)
	case b == nil:
		e.stats.discarded.Add(1)
		e.log.Debug("discarding read", "channel", id, "len", length, "err", ErrAllocation)
	default:
		if err == nil {
			e.stats.received.Add(1)
		}
		ch.Received(b, err)
	}
}

// transact performs one logical exchange with local retries. out is the
// payload to send, in receives the payload clocked back; either may be nil.
func (e *Engine) transact(req Header, out, in []byte) (Header, error) {
	n := HeaderLen + int(req.Length)
	tx, rx := e.tx[:n], e.rx[:n]
	req.Put(tx)
	if out != nil {
		copy(tx[HeaderLen:], out)
	} else {
		clear(tx[HeaderLen:])
	}

	var last error
	forceWake := false
	for attempt := 0; attempt < e.retries; attempt++ {
		if attempt > 0 {
			e.stats.retries.Add(1)
			e.log.Debug("retrying exchange", "req", req, "attempt", attempt+1, "err", last)
		}
		if err := e.waitReady(forceWake); err != nil {
			if errors.Is(err, ErrClosed) {
				return Header{}, err
			}
			last = err
			forceWake = true
			continue
		}

		e.busy = true
		e.stats.exchanges.Add(1)
		if err := e.bus.Tx(tx, rx); err != nil {
			last = fmt.Errorf("%w: %v", ErrTransientBus, err)
			continue
		}
		if in != nil {
			copy(in, rx[HeaderLen:n])
		}
		return ParseHeader(rx), nil
	}
	return Header{}, last
}

// waitReady blocks until the device can take an exchange or the ready
// timeout expires.
func (e *Engine) waitReady(forceWake bool) error {
	e.pollEvents()
	if e.ready {
		e.ready = false
		return nil
	}
	if (!e.busy || forceWake) && e.lines.Ready != nil {
		if level, err := e.lines.Ready.Get(); err == nil && level {
			return nil
		}
	}

	if e.lines.Wake != nil && (forceWake || e.asleep()) {
		if err := e.lines.Wake.Set(true); err != nil {
			e.log.Warn("wake line", "err", err)
		} else {
			defer e.lines.Wake.Set(false)
		}
	}

	t := time.NewTimer(e.readyTimeout)
	defer t.Stop()
	for {
		select {
		case ev := <-e.events:
			e.apply(ev)
			if e.ready {
				e.ready = false
				return nil
			}
		case <-t.C:
			return ErrReadyTimeout
		case <-e.quit:
			return ErrClosed
		}
	}
}

func (e *Engine) asleep() bool {
	if e.lines.Active == nil {
		return false
	}
	active, err := e.lines.Active.Get()
	return err == nil && !active
}

// noteOutput clears the output-waiting flag once the device stops reporting
// it, re-arming the notification source.
func (e *Engine) noteOutput(resp Header) {
	if !e.outputWaiting || resp.Flags&StatusOutputWaiting != 0 {
		return
	}
	e.outputWaiting = false
	if e.rearm != nil {
		e.rearm()
	}
}

func (e *Engine) succeed(resp Header) {
	e.failures = 0
	e.stats.consecutive.Store(0)
	e.noteOutput(resp)
}

func (e *Engine) fail(req Header, err error) {
	if errors.Is(err, ErrClosed) {
		return
	}
	e.failures++
	e.stats.failures.Add(1)
	e.stats.consecutive.Store(int64(e.failures))
	e.log.Warn("exchange failed", "req", req, "consecutive", e.failures, "err", err)
	if e.failures > e.threshold {
		e.escalate()
	}
}

func (e *Engine) escalate() {
	e.mu.Lock()
	if e.state == StateRunning {
		e.state = StateError
	}
	e.mu.Unlock()

	e.log.Error("too many consecutive failures, resetting device", "failures", e.failures)
	if err := e.hardReset(e.ctx); err != nil {
		e.log.Error("device reset failed", "err", err)
	}

	e.mu.Lock()
	if e.state == StateError {
		e.state = StateRunning
	}
	e.mu.Unlock()
}

// hardReset runs the reset hook and forgets all signal state. Runs on the
// worker only. The hook's context also ends when the engine is closed.
func (e *Engine) hardReset(ctx context.Context) error {
	var err error
	if e.resetHook != nil {
		ctx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(e.ctx, cancel)
		err = e.resetHook(ctx)
		stop()
		cancel()
	}
	e.stats.resets.Add(1)
	e.failures = 0
	e.stats.consecutive.Store(0)
	e.ready = false
	e.busy = false
	e.outputWaiting = false
	// Edges seen before the reset describe the old device state.
	e.drainEvents()
	return err
}

func (e *Engine) drainEvents() {
	for {
		select {
		case <-e.events:
		default:
			return
		}
	}
}
