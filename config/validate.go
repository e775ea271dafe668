package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks configuration correctness. It does not mutate cfg; zero
// values that Normalize fills in are accepted.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}

	switch cfg.Bus.Kind {
	case BusSpidev:
		if cfg.Bus.Mode > 3 {
			return fmt.Errorf("bus: spi mode %d out of range 0-3", cfg.Bus.Mode)
		}
	case BusBridge:
		if cfg.Bus.Baud < 0 {
			return fmt.Errorf("bus: negative baud %d", cfg.Bus.Baud)
		}
	case "":
		return errors.New("bus: kind is required")
	default:
		return fmt.Errorf("bus: unknown kind %q (want %s or %s)", cfg.Bus.Kind, BusSpidev, BusBridge)
	}
	if cfg.Bus.Path == "" {
		return errors.New("bus: path is required")
	}
	if cfg.Bus.Kind == BusSpidev && strings.HasPrefix(cfg.Bus.Path, "usb:") {
		return fmt.Errorf("bus: usb port %q needs kind %s", cfg.Bus.Path, BusBridge)
	}

	if cfg.Lines.Ready == nil {
		return errors.New("lines: ready is required")
	}
	seen := make(map[int]string)
	for _, l := range []struct {
		name string
		pin  *int
	}{
		{"ready", cfg.Lines.Ready},
		{"output_waiting", cfg.Lines.OutputWaiting},
		{"active", cfg.Lines.Active},
		{"wake", cfg.Lines.Wake},
		{"reset", cfg.Lines.Reset},
	} {
		if l.pin == nil {
			continue
		}
		if *l.pin < 0 {
			return fmt.Errorf("lines: %s has negative pin %d", l.name, *l.pin)
		}
		if prev, ok := seen[*l.pin]; ok {
			return fmt.Errorf("lines: pin %d used by both %s and %s", *l.pin, prev, l.name)
		}
		seen[*l.pin] = l.name
	}

	if cfg.Lines.OutputWaitingActiveLow && cfg.Lines.OutputWaiting == nil {
		return errors.New("lines: output_waiting_active_low set without output_waiting")
	}
	if cfg.Lines.ResetActiveLow && cfg.Lines.Reset == nil {
		return errors.New("lines: reset_active_low set without reset")
	}

	t := cfg.Transport
	for _, f := range []struct {
		name string
		v    int
	}{
		{"ready_timeout_ms", t.ReadyTimeoutMs},
		{"retries", t.Retries},
		{"escalation_threshold", t.EscalationThreshold},
		{"max_payload", t.MaxPayload},
		{"reset_pulse_ms", t.ResetPulseMs},
		{"boot_delay_ms", t.BootDelayMs},
	} {
		if f.v < 0 {
			return fmt.Errorf("transport: %s must not be negative", f.name)
		}
	}
	if t.MaxPayload > 0xFFFF {
		return fmt.Errorf("transport: max_payload %d exceeds 65535", t.MaxPayload)
	}

	c := cfg.Channels
	if c.AppID == c.LogID && (c.AppID != 0 || c.LogID != 0) {
		return fmt.Errorf("channels: app_id and log_id are both %d", c.AppID)
	}
	if c.LogRingSize != 0 && c.LogRingSize < 5 {
		return fmt.Errorf("channels: log_ring_size %d too small", c.LogRingSize)
	}
	return nil
}
