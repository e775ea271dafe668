package transfer

import "errors"

// Exchange errors. These are absorbed and retried inside a single exchange
// where possible; the final one reaches the channel through Sent or Received.
var (
	// ErrTransientBus wraps a failed physical transfer.
	ErrTransientBus = errors.New("transfer: bus error")

	// ErrReadyTimeout means the device did not assert ready in time.
	ErrReadyTimeout = errors.New("transfer: ready timeout")

	// ErrProtocolMismatch means the device's response header disagreed
	// with the request.
	ErrProtocolMismatch = errors.New("transfer: protocol mismatch")

	// ErrChannelNotRegistered means data arrived for an unknown channel id.
	ErrChannelNotRegistered = errors.New("transfer: channel not registered")

	// ErrAllocation means the channel declined to supply a receive block.
	ErrAllocation = errors.New("transfer: no receive block")
)

// API errors, returned synchronously.
var (
	ErrNotRunning        = errors.New("transfer: engine not running")
	ErrBusy              = errors.New("transfer: engine busy")
	ErrInvalidChannel    = errors.New("transfer: invalid channel")
	ErrAlreadyRegistered = errors.New("transfer: channel id already registered")
	ErrClosed            = errors.New("transfer: engine closed")
	ErrBlockTooSmall     = errors.New("transfer: block too small")
	ErrPayloadTooLarge   = errors.New("transfer: payload too large")
)
