// Package config loads the host's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root document.
type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	Lines     LinesConfig     `yaml:"lines"`
	Transport TransportConfig `yaml:"transport"`
	Channels  ChannelsConfig  `yaml:"channels"`
}

// Bus kinds.
const (
	BusSpidev = "spidev"
	BusBridge = "bridge"
)

// BusConfig selects how the device's SPI bus is reached.
type BusConfig struct {
	Kind    string `yaml:"kind"`
	Path    string `yaml:"path"`     // /dev/spidevB.C or the bridge's serial port
	SpeedHz uint32 `yaml:"speed_hz"` // spidev only
	Mode    uint8  `yaml:"mode"`     // spidev only
	Baud    int    `yaml:"baud"`     // bridge only
}

// LinesConfig holds the GPIO numbers of the flow-control lines. A nil entry
// means the line is not wired. On a bridge these are bridge pin numbers.
type LinesConfig struct {
	Ready         *int `yaml:"ready"`
	OutputWaiting *int `yaml:"output_waiting"`
	Active        *int `yaml:"active"`
	Wake          *int `yaml:"wake"`
	Reset         *int `yaml:"reset"`

	// The *_active_low flags invert a line, for boards where asserted
	// means driven low.
	ReadyActiveLow         bool `yaml:"ready_active_low"`
	OutputWaitingActiveLow bool `yaml:"output_waiting_active_low"`
	ResetActiveLow         bool `yaml:"reset_active_low"`
}

type TransportConfig struct {
	ReadyTimeoutMs      int `yaml:"ready_timeout_ms"`
	Retries             int `yaml:"retries"`
	EscalationThreshold int `yaml:"escalation_threshold"`
	MaxPayload          int `yaml:"max_payload"`
	ResetPulseMs        int `yaml:"reset_pulse_ms"`
	BootDelayMs         int `yaml:"boot_delay_ms"`
}

type ChannelsConfig struct {
	AppID       uint8 `yaml:"app_id"`
	LogID       uint8 `yaml:"log_id"`
	LogRingSize int   `yaml:"log_ring_size"`
}

// Load reads, parses, validates and normalizes the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	Normalize(&cfg)
	return &cfg, nil
}

// Marshal renders cfg back to YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
