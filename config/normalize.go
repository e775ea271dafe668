package config

// Defaults applied by Normalize.
const (
	DefaultSpeedHz      = 8_000_000
	DefaultBaud         = 250000
	DefaultResetPulseMs = 10
	DefaultBootDelayMs  = 200
	DefaultAppID        = 1
	DefaultLogID        = 2
	DefaultLogRingSize  = 64 * 1024
)

// Normalize fills in defaults. It must run after Validate. Transport fields
// left at zero are passed through; the engine supplies its own defaults.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	switch cfg.Bus.Kind {
	case BusSpidev:
		if cfg.Bus.SpeedHz == 0 {
			cfg.Bus.SpeedHz = DefaultSpeedHz
		}
	case BusBridge:
		if cfg.Bus.Baud == 0 {
			cfg.Bus.Baud = DefaultBaud
		}
	}
	if cfg.Transport.ResetPulseMs == 0 {
		cfg.Transport.ResetPulseMs = DefaultResetPulseMs
	}
	if cfg.Transport.BootDelayMs == 0 {
		cfg.Transport.BootDelayMs = DefaultBootDelayMs
	}
	if cfg.Channels.AppID == 0 && cfg.Channels.LogID == 0 {
		cfg.Channels.AppID = DefaultAppID
		cfg.Channels.LogID = DefaultLogID
	}
	if cfg.Channels.LogRingSize == 0 {
		cfg.Channels.LogRingSize = DefaultLogRingSize
	}
}
