package config

import (
	"fmt"
	"math"
)

// Overrides carries command-line values. Zero values (and DebugLevel < 0)
// mean "keep the file value".
type Overrides struct {
	Mode          string
	TransportType string
	SerialPort    string
	UDPURL        string
	FeedAddr      string
	AuditPath     string
	CycleHz       float64
	MaxYawRate    float64
	MaxPitchRate  float64
	DebugLevel    int
	MockGPIO      *bool
}

// NoOverrides returns an Overrides that changes nothing.
func NoOverrides() Overrides {
	return Overrides{DebugLevel: -1}
}

// Validate checks the ranges of numeric overrides before they are applied.
func (o Overrides) Validate() error {
	rate := func(name string, v float64) error {
		if v == 0 {
			return nil
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %g", name, v)
		}
		return nil
	}
	if err := rate("max_yaw_rate", o.MaxYawRate); err != nil {
		return err
	}
	if err := rate("max_pitch_rate", o.MaxPitchRate); err != nil {
		return err
	}
	if o.CycleHz != 0 && (math.IsNaN(o.CycleHz) || math.IsInf(o.CycleHz, 0) || o.CycleHz <= 0 || o.CycleHz > 1000) {
		return fmt.Errorf("cycle_hz must be in (0, 1000], got %g", o.CycleHz)
	}
	if o.DebugLevel > 4 {
		return fmt.Errorf("debug level must be between 0 and 4, got %d", o.DebugLevel)
	}
	return nil
}

// Resolve applies overrides to a copy of base and validates the result.
// Precedence is defaults < file < overrides; base already holds the first
// two layers.
func Resolve(base *Config, o Overrides) (*Config, error) {
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("invalid override: %w", err)
	}
	cfg := *base
	if base.Camera != nil {
		cam := *base.Camera
		cfg.Camera = &cam
	}
	if base.Transport.AudioPWM.DeviceIndex != nil {
		idx := *base.Transport.AudioPWM.DeviceIndex
		cfg.Transport.AudioPWM.DeviceIndex = &idx
	}

	if o.Mode != "" {
		cfg.Authority.InitialMode = o.Mode
	}
	if o.TransportType != "" {
		cfg.Transport.Type = o.TransportType
	}
	if o.SerialPort != "" {
		cfg.Transport.Serial.Port = o.SerialPort
	}
	if o.UDPURL != "" {
		cfg.Transport.WifiUDP.URL = o.UDPURL
	}
	if o.FeedAddr != "" {
		cfg.Feed.UDPAddr = o.FeedAddr
	}
	if o.AuditPath != "" {
		cfg.Audit.Path = o.AuditPath
	}
	if o.CycleHz > 0 {
		cfg.Control.CycleHz = o.CycleHz
	}
	if o.MaxYawRate > 0 {
		cfg.Authority.MaxYawRate = o.MaxYawRate
	}
	if o.MaxPitchRate > 0 {
		cfg.Authority.MaxPitchRate = o.MaxPitchRate
	}
	if o.DebugLevel >= 0 {
		cfg.Defaults.DebugLevel = o.DebugLevel
	}
	if o.MockGPIO != nil {
		cfg.Defaults.MockGPIO = *o.MockGPIO
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config after overrides: %w", err)
	}
	return &cfg, nil
}
