// Package hal holds the small line abstractions the transfer engine and its
// backends agree on. Platform code implements them; the engine only reads
// levels, drives outputs and listens for edges.
package hal

import (
	"context"
	"errors"
	"time"
)

// ErrNoPin is returned when an operation needs a line that is not wired.
var ErrNoPin = errors.New("hal: pin not configured")

// InputPin is a digital input line.
type InputPin interface {
	// Get reads the current level, true meaning asserted.
	Get() (bool, error)
}

// OutputPin is a digital output line.
type OutputPin interface {
	// Set drives the line, true meaning asserted.
	Set(level bool) error
}

// Edge delivers level changes on an input line. Watch blocks until ctx is
// done or the line fails, calling fn for every observed change.
type Edge interface {
	Watch(ctx context.Context, fn func(level bool)) error
}

// PinFunc adapts a plain function to InputPin.
type PinFunc func() (bool, error)

func (f PinFunc) Get() (bool, error) { return f() }

// OutputFunc adapts a plain function to OutputPin.
type OutputFunc func(bool) error

func (f OutputFunc) Set(level bool) error { return f(level) }

// Pulse asserts pin for d, then releases it.
func Pulse(ctx context.Context, pin OutputPin, d time.Duration) error {
	if pin == nil {
		return ErrNoPin
	}
	if err := pin.Set(true); err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		pin.Set(false)
		return ctx.Err()
	}
	return pin.Set(false)
}

// Inverted flips the sense of an active-low input. If p reports edges, so
// does the result, with levels flipped the same way.
func Inverted(p InputPin) InputPin {
	get := PinFunc(func() (bool, error) {
		v, err := p.Get()
		return !v, err
	})
	if e, ok := p.(Edge); ok {
		return invertedEdge{PinFunc: get, e: e}
	}
	return get
}

type invertedEdge struct {
	PinFunc
	e Edge
}

func (p invertedEdge) Watch(ctx context.Context, fn func(level bool)) error {
	return p.e.Watch(ctx, func(level bool) { fn(!level) })
}
