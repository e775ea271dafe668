// Package serial opens the USB-serial port a bus bridge sits behind.
package serial

import (
	"io"
)

// Port is a serial connection. Tests substitute an in-memory pipe.
type Port interface {
	io.ReadWriteCloser

	// Flush discards anything buffered in either direction.
	Flush() error
}

// Config holds serial port configuration.
type Config struct {
	// Device path, e.g. /dev/ttyACM0 or COM3.
	Device string

	// Baud rate. USB CDC bridges ignore it.
	Baud int

	// Read timeout in milliseconds, 0 blocks.
	ReadTimeout int
}

// DefaultBaud matches the bridge firmware's UART setting.
const DefaultBaud = 250000

// DefaultConfig returns a configuration for a bridge on device.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: 100,
	}
}
