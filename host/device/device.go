// Package device assembles a running transport from a configuration: the
// bus backend, the flow-control lines and their watchers, the transfer
// engine, and the application and log channels.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"chiplink/appchan"
	"chiplink/config"
	"chiplink/hal"
	"chiplink/logchan"
	"chiplink/logging"
	"chiplink/transfer"
)

// pollInterval is used for input lines that cannot report edges.
const pollInterval = 2 * time.Millisecond

// Device is an open coprocessor connection.
type Device struct {
	cfg     *config.Config
	log     *slog.Logger
	backend backend

	engine *transfer.Engine
	app    *appchan.Channel
	logch  *logchan.Channel

	outputWaiting hal.InputPin
	reset         hal.OutputPin

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type options struct {
	log  *slog.Logger
	port io.ReadWriteCloser
}

// Option configures Open.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithPort runs a bridge bus over an already open port instead of opening
// cfg.Bus.Path.
func WithPort(p io.ReadWriteCloser) Option {
	return func(o *options) { o.port = p }
}

// Open brings up the transport described by cfg. The engine is running and
// both channels are attached when it returns.
func Open(cfg *config.Config, opts ...Option) (*Device, error) {
	o := options{log: logging.Logger(logging.ComponentDevice)}
	for _, opt := range opts {
		opt(&o)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}

	var (
		b   backend
		err error
	)
	switch cfg.Bus.Kind {
	case config.BusBridge:
		b, err = openBridge(cfg, o.port)
	case config.BusSpidev:
		b, err = openSpidev(cfg)
	}
	if err != nil {
		return nil, err
	}
	d, err := open(cfg, b, o.log)
	if err != nil {
		b.Close()
		return nil, err
	}
	return d, nil
}

func open(cfg *config.Config, b backend, log *slog.Logger) (*Device, error) {
	d := &Device{cfg: cfg, log: log, backend: b}

	var lines transfer.Lines
	ready, err := d.input(cfg.Lines.Ready, "ready", cfg.Lines.ReadyActiveLow)
	if err != nil {
		return nil, err
	}
	lines.Ready = ready
	if lines.Active, err = d.input(cfg.Lines.Active, "active", false); err != nil {
		return nil, err
	}
	if lines.Wake, err = d.output(cfg.Lines.Wake, "wake"); err != nil {
		return nil, err
	}
	if d.outputWaiting, err = d.input(cfg.Lines.OutputWaiting, "output_waiting", cfg.Lines.OutputWaitingActiveLow); err != nil {
		return nil, err
	}
	if d.reset, err = d.output(cfg.Lines.Reset, "reset"); err != nil {
		return nil, err
	}
	if d.reset != nil && cfg.Lines.ResetActiveLow {
		pin := d.reset
		d.reset = hal.OutputFunc(func(level bool) error { return pin.Set(!level) })
	}

	t := cfg.Transport
	opts := []transfer.Option{
		transfer.WithLines(lines),
		transfer.WithReadyTimeout(time.Duration(t.ReadyTimeoutMs) * time.Millisecond),
		transfer.WithRetries(t.Retries),
		transfer.WithEscalationThreshold(t.EscalationThreshold),
		transfer.WithMaxPayload(t.MaxPayload),
	}
	if d.outputWaiting != nil {
		opts = append(opts, transfer.WithRearmHook(d.rearm))
	}
	if d.reset != nil {
		opts = append(opts, transfer.WithResetHook(d.resetDevice))
	}
	d.engine = transfer.New(b.Bus(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.watch(ctx, "ready", ready, func(level bool) {
		if level {
			d.engine.MarkReady()
		} else {
			d.engine.ClearReady()
		}
	})
	if d.outputWaiting != nil {
		d.watch(ctx, "output_waiting", d.outputWaiting, func(level bool) {
			if level {
				d.engine.MarkOutputWaiting()
			}
		})
	}

	d.engine.Start()
	if err := d.attach(); err != nil {
		d.shutdown()
		return nil, err
	}
	log.Info("transport up", "bus", cfg.Bus.Kind, "path", cfg.Bus.Path,
		"app", cfg.Channels.AppID, "log", cfg.Channels.LogID)
	return d, nil
}

func (d *Device) attach() error {
	c := d.cfg.Channels
	d.app = appchan.New(c.AppID)
	if err := d.app.Attach(d.engine); err != nil {
		return fmt.Errorf("device: attach app channel: %w", err)
	}
	lc, err := logchan.New(c.LogID, c.LogRingSize, logging.Logger(logging.ComponentLogChan))
	if err != nil {
		return fmt.Errorf("device: log channel: %w", err)
	}
	if err := lc.Attach(d.engine); err != nil {
		return fmt.Errorf("device: attach log channel: %w", err)
	}
	d.logch = lc
	return nil
}

func (d *Device) input(n *int, name string, activeLow bool) (hal.InputPin, error) {
	if n == nil {
		return nil, nil
	}
	p, err := d.backend.Input(*n)
	if err != nil {
		return nil, fmt.Errorf("device: %s line: %w", name, err)
	}
	if activeLow {
		p = hal.Inverted(p)
	}
	return p, nil
}

func (d *Device) output(n *int, name string) (hal.OutputPin, error) {
	if n == nil {
		return nil, nil
	}
	p, err := d.backend.Output(*n)
	if err != nil {
		return nil, fmt.Errorf("device: %s line: %w", name, err)
	}
	return p, nil
}

// watch forwards level changes on pin to fn until ctx ends. Lines without
// edge support are polled.
func (d *Device) watch(ctx context.Context, name string, pin hal.InputPin, fn func(bool)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		var err error
		if edge, ok := pin.(hal.Edge); ok {
			err = edge.Watch(ctx, fn)
		} else {
			err = poll(ctx, pin, fn)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("line watcher stopped", "line", name, "err", err)
		}
	}()
}

func poll(ctx context.Context, pin hal.InputPin, fn func(bool)) error {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	var last, known bool
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		level, err := pin.Get()
		if err != nil {
			return err
		}
		if !known || level != last {
			last, known = level, true
			fn(level)
		}
	}
}

// rearm runs on the engine worker once the device stops reporting pending
// output. An edge that arrived while the flag was set would have been
// absorbed, so a line that is still asserted is reported again.
func (d *Device) rearm() {
	level, err := d.outputWaiting.Get()
	if err != nil {
		d.log.Warn("output_waiting line", "err", err)
		return
	}
	if level {
		go d.engine.MarkOutputWaiting()
	}
}

// resetDevice pulses the reset line and waits for the device to boot.
func (d *Device) resetDevice(ctx context.Context) error {
	t := d.cfg.Transport
	d.log.Warn("resetting device", "pulse_ms", t.ResetPulseMs, "boot_delay_ms", t.BootDelayMs)
	if err := hal.Pulse(ctx, d.reset, time.Duration(t.ResetPulseMs)*time.Millisecond); err != nil {
		return fmt.Errorf("device: reset pulse: %w", err)
	}
	timer := time.NewTimer(time.Duration(t.BootDelayMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) App() *appchan.Channel    { return d.app }
func (d *Device) Log() *logchan.Channel    { return d.logch }
func (d *Device) Engine() *transfer.Engine { return d.engine }
func (d *Device) Config() *config.Config   { return d.cfg }
func (d *Device) Stats() transfer.Stats    { return d.engine.Stats() }
func (d *Device) State() transfer.State    { return d.engine.State() }

// Reset hard-resets the device between exchanges.
func (d *Device) Reset(ctx context.Context) error {
	if d.reset == nil {
		return fmt.Errorf("device: reset: %w", hal.ErrNoPin)
	}
	return d.engine.Reset(ctx)
}

// StopTransport quiesces the bus so another agent, such as a bootloader
// client, can use the device. Queued traffic is flushed first.
func (d *Device) StopTransport() error {
	return d.engine.Stop()
}

// ResumeTransport resets the device, when a reset line is wired, and
// restarts the engine.
func (d *Device) ResumeTransport(ctx context.Context) error {
	if d.reset != nil {
		if err := d.engine.Reset(ctx); err != nil {
			return err
		}
	}
	d.engine.Start()
	return nil
}

// Close detaches both channels, stops the engine and releases the bus.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		if d.app != nil {
			if err := d.app.Detach(); err != nil && !errors.Is(err, appchan.ErrNotAttached) {
				errs = append(errs, err)
			}
		}
		if d.logch != nil {
			if err := d.logch.Detach(); err != nil {
				errs = append(errs, err)
			}
		}
		d.shutdown()
		if err := d.backend.Close(); err != nil {
			errs = append(errs, err)
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}

func (d *Device) shutdown() {
	d.engine.Close()
	d.cancel()
	d.wg.Wait()
}
