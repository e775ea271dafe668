package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `
bus:
  kind: spidev
  path: /dev/spidev0.0
  mode: 1
lines:
  ready: 24
  output_waiting: 25
  wake: 23
  reset: 22
  ready_active_low: true
  reset_active_low: true
transport:
  retries: 3
channels:
  app_id: 4
  log_id: 5
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Bus.SpeedHz != DefaultSpeedHz {
		t.Errorf("SpeedHz = %d, want default", cfg.Bus.SpeedHz)
	}
	if cfg.Bus.Mode != 1 {
		t.Errorf("Mode = %d", cfg.Bus.Mode)
	}
	if cfg.Lines.Ready == nil || *cfg.Lines.Ready != 24 {
		t.Errorf("Ready = %v", cfg.Lines.Ready)
	}
	if cfg.Lines.Active != nil {
		t.Errorf("Active = %v, want unset", *cfg.Lines.Active)
	}
	if !cfg.Lines.ResetActiveLow || !cfg.Lines.ReadyActiveLow {
		t.Errorf("active-low flags not parsed: %+v", cfg.Lines)
	}
	if cfg.Lines.OutputWaitingActiveLow {
		t.Error("OutputWaitingActiveLow set without being configured")
	}
	if cfg.Transport.Retries != 3 || cfg.Transport.ReadyTimeoutMs != 0 {
		t.Errorf("Transport = %+v", cfg.Transport)
	}
	if cfg.Transport.ResetPulseMs != DefaultResetPulseMs || cfg.Transport.BootDelayMs != DefaultBootDelayMs {
		t.Errorf("reset timings = %+v", cfg.Transport)
	}
	if cfg.Channels.AppID != 4 || cfg.Channels.LogID != 5 || cfg.Channels.LogRingSize != DefaultLogRingSize {
		t.Errorf("Channels = %+v", cfg.Channels)
	}
}

func TestParseBridgeDefaults(t *testing.T) {
	cfg, err := Parse([]byte("bus: {kind: bridge, path: /dev/ttyACM0}\nlines: {ready: 0}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Bus.Baud != DefaultBaud {
		t.Errorf("Baud = %d", cfg.Bus.Baud)
	}
	if cfg.Channels.AppID != DefaultAppID || cfg.Channels.LogID != DefaultLogID {
		t.Errorf("Channels = %+v", cfg.Channels)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("bus: {kind: spidev, path: /dev/spidev0.0, sped_hz: 1}\nlines: {ready: 1}\n"))
	if err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestValidate(t *testing.T) {
	pin := func(n int) *int { return &n }
	base := func() Config {
		return Config{
			Bus:   BusConfig{Kind: BusSpidev, Path: "/dev/spidev0.0"},
			Lines: LinesConfig{Ready: pin(1)},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"no kind", func(c *Config) { c.Bus.Kind = "" }, "kind is required"},
		{"bad kind", func(c *Config) { c.Bus.Kind = "i2c" }, "unknown kind"},
		{"no path", func(c *Config) { c.Bus.Path = "" }, "path is required"},
		{"mode", func(c *Config) { c.Bus.Mode = 4 }, "mode 4"},
		{"no ready", func(c *Config) { c.Lines.Ready = nil }, "ready is required"},
		{"shared pin", func(c *Config) { c.Lines.Wake = pin(1) }, "used by both ready and wake"},
		{"negative pin", func(c *Config) { c.Lines.Reset = pin(-2) }, "negative pin"},
		{"negative retries", func(c *Config) { c.Transport.Retries = -1 }, "retries"},
		{"payload", func(c *Config) { c.Transport.MaxPayload = 70000 }, "exceeds"},
		{"same ids", func(c *Config) { c.Channels.AppID, c.Channels.LogID = 3, 3 }, "both 3"},
		{"ring", func(c *Config) { c.Channels.LogRingSize = 4 }, "too small"},
		{"ready active low", func(c *Config) { c.Lines.ReadyActiveLow = true }, ""},
		{"dangling polarity", func(c *Config) { c.Lines.OutputWaitingActiveLow = true }, "without output_waiting"},
		{"dangling reset polarity", func(c *Config) { c.Lines.ResetActiveLow = true }, "without reset"},
		{"usb spidev", func(c *Config) { c.Bus.Path = "usb:2e8a:000a" }, "needs kind bridge"},
		{"usb bridge", func(c *Config) { c.Bus.Kind, c.Bus.Path = BusBridge, "usb:2e8a:000a" }, ""},
	}
	for _, tc := range tests {
		cfg := base()
		tc.mutate(&cfg)
		err := Validate(&cfg)
		switch {
		case tc.want == "" && err != nil:
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		case tc.want != "" && (err == nil || !strings.Contains(err.Error(), tc.want)):
			t.Errorf("%s: err = %v, want %q", tc.name, err, tc.want)
		}
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chiplink.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	out, err := Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	again, err := Parse(out)
	if err != nil {
		t.Fatalf("re-Parse: %v\n%s", err, out)
	}
	if again.Bus != cfg.Bus || *again.Lines.Reset != *cfg.Lines.Reset {
		t.Errorf("round trip changed config:\n%s", out)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of missing file succeeded")
	}
}
