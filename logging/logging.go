// Package logging provides the structured loggers used across chiplink.
//
// Every subsystem logs through a [log/slog] logger tagged with its component
// name so output can be filtered per layer:
//
//	logging.SetLevel(slog.LevelDebug)
//	log := logging.Logger(logging.ComponentEngine)
//	log.Debug("exchange done", "channel", 3, "len", 64)
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// Component identifiers.
const (
	ComponentEngine  Component = "engine"
	ComponentAppChan Component = "appchan"
	ComponentLogChan Component = "logchan"
	ComponentBridge  Component = "bridge"
	ComponentHAL     Component = "hal"
	ComponentDevice  Component = "device"
	ComponentCLI     Component = "cli"
)

// Format selects the handler used by the default logger.
type Format int

// Output formats.
const (
	FormatText Format = iota
	FormatJSON
)

var (
	level = new(slog.LevelVar)

	mu   sync.RWMutex
	base *slog.Logger
)

func init() {
	level.Set(slog.LevelWarn)
	base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// SetLevel sets the minimum level of the default logger.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// Level returns the current minimum level.
func Level() slog.Level {
	return level.Level()
}

// SetFormat rebuilds the default logger on stderr with the given format.
func SetFormat(f Format) {
	SetOutput(os.Stderr, f)
}

// SetOutput rebuilds the default logger writing to w.
func SetOutput(w io.Writer, f Format) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch f {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	mu.Lock()
	base = slog.New(h)
	mu.Unlock()
}

// SetLogger replaces the default logger.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	base = l
	mu.Unlock()
}

// Logger returns the default logger tagged with component c.
//
// The returned logger captures the default at call time; components obtain
// it once at construction.
func Logger(c Component) *slog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	return l.With("component", string(c))
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
