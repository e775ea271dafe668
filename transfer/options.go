package transfer

import (
	"context"
	"log/slog"
	"time"

	"chiplink/hal"
)

const (
	DefaultReadyTimeout        = 300 * time.Millisecond
	DefaultRetries             = 5
	DefaultEscalationThreshold = 5
	DefaultMaxPayload          = 4096
)

// Lines are the flow-control signals the engine consults. Any may be nil.
type Lines struct {
	// Ready is asserted by the device when it can take an exchange.
	Ready hal.InputPin
	// Active is deasserted while the device sleeps.
	Active hal.InputPin
	// Wake is driven by the host to rouse a sleeping device.
	Wake hal.OutputPin
}

// Option configures an Engine.
type Option func(*Engine)

func WithLines(l Lines) Option {
	return func(e *Engine) { e.lines = l }
}

// WithResetHook sets the function called to hard-reset the device after
// sustained failure. It must not return until the device can be talked to.
func WithResetHook(fn func(ctx context.Context) error) Option {
	return func(e *Engine) { e.resetHook = fn }
}

// WithRearmHook sets the function called once the device stops reporting
// pending output, so the boundary can re-enable its notification source.
func WithRearmHook(fn func()) Option {
	return func(e *Engine) { e.rearm = fn }
}

func WithReadyTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.readyTimeout = d
		}
	}
}

// WithRetries bounds the attempts made for a single exchange.
func WithRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.retries = n
		}
	}
}

// WithEscalationThreshold sets how many consecutive failed exchanges are
// tolerated before the reset hook runs.
func WithEscalationThreshold(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.threshold = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMaxPayload(n int) Option {
	return func(e *Engine) {
		if n > 0 && n <= 0xFFFF {
			e.maxPayload = n
		}
	}
}
