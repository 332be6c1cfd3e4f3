package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/trackhead/internal/hw/audio"
	"github.com/cjeanneret/trackhead/internal/hw/transport"
	"github.com/cjeanneret/trackhead/internal/logic/authority"
)

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// PIDConfig holds the gains of one axis.
type PIDConfig struct {
	Kp            float64 `yaml:"kp"`
	Ki            float64 `yaml:"ki"`
	Kd            float64 `yaml:"kd"`
	IntegralLimit float64 `yaml:"integral_limit"` // |integral| bound, 0 = unbounded
}

// AuthorityConfig holds the supervisor limits.
type AuthorityConfig struct {
	InitialMode          string  `yaml:"initial_mode"`           // manual, assisted, auto_track
	MaxYawRate           float64 `yaml:"max_yaw_rate"`           // (0, 1]
	MaxPitchRate         float64 `yaml:"max_pitch_rate"`         // (0, 1]
	MaxSlewRate          float64 `yaml:"max_slew_rate"`          // max change per output, (0, 1]
	WatchdogTimeoutMs    int     `yaml:"watchdog_timeout_ms"`    // silence before forcing neutral
	WatchdogPollMs       int     `yaml:"watchdog_poll_ms"`       // watchdog goroutine period
	CommandTTLMs         int     `yaml:"command_ttl_ms"`         // max proposal age
	OverrideLatchSeconds float64 `yaml:"override_latch_seconds"` // lockout after manual input
	OverrideOutput       string  `yaml:"override_output"`        // neutral or last_manual
	ManualIdle           string  `yaml:"manual_idle"`            // zero or hold_last
}

// ControlConfig tunes the tracking loop.
type ControlConfig struct {
	CycleHz             float64 `yaml:"cycle_hz"` // nominal frame rate, used for the first dt
	RunPIDWithoutTarget bool    `yaml:"run_pid_without_target"`
	InvertYaw           bool    `yaml:"invert_yaw"`
	InvertPitch         bool    `yaml:"invert_pitch"`
	AssistGain          float64 `yaml:"assist_gain"` // weight of the tracker in ASSISTED mode
	PreferLeadPoint     bool    `yaml:"prefer_lead_point"`
	MinConfidence       float64 `yaml:"min_confidence"` // locks below are treated as no target
}

// SerialConfig describes the UART transport.
type SerialConfig struct {
	Port                string `yaml:"port"` // e.g., /dev/ttyUSB0
	BaudRate            int    `yaml:"baud_rate"`
	DataBits            int    `yaml:"data_bits"`
	StopBits            int    `yaml:"stop_bits"`
	Parity              string `yaml:"parity"`
	ReconnectIntervalMs int    `yaml:"reconnect_interval_ms"`
}

// WifiUDPConfig describes the UDP transport.
type WifiUDPConfig struct {
	URL string `yaml:"url"` // udp://host:port
}

// AudioPWMConfig describes the audio servo-PWM transport.
type AudioPWMConfig struct {
	DeviceIndex  *int `yaml:"device_index,omitempty"` // unset = default output device
	SampleRate   int  `yaml:"sample_rate"`
	BufferFrames int  `yaml:"buffer_frames"` // 0 = host default
}

// SimulatedConfig describes the virtual turret.
type SimulatedConfig struct {
	MaxDegPerSec float64 `yaml:"max_deg_per_sec"` // angular speed at rate 1.0
}

// TransportConfig selects and configures the actuator transport.
type TransportConfig struct {
	Type          string          `yaml:"type"` // simulated, serial, wifi_udp, audio_pwm
	SendTimeoutMs int             `yaml:"send_timeout_ms"`
	Serial        SerialConfig    `yaml:"serial"`
	WifiUDP       WifiUDPConfig   `yaml:"wifi_udp"`
	AudioPWM      AudioPWMConfig  `yaml:"audio_pwm"`
	Simulated     SimulatedConfig `yaml:"simulated"`
}

// GPIOConfig holds optional GPIO wiring (BCM numbering). 0 = not used.
type GPIOConfig struct {
	OverrideButtonPin int  `yaml:"override_button_pin"`
	OverrideActiveLow bool `yaml:"override_active_low"` // button pulls the line to ground
	EnablePin         int  `yaml:"enable_pin"`          // actuator driver enable output
	EnableActiveLow   bool `yaml:"enable_active_low"`
	PollMs            int  `yaml:"poll_ms"`
}

// CameraConfig is optional: lens and sensor of the tracking camera, used
// to report target offsets in degrees.
type CameraConfig struct {
	FocalLengthMm  float64 `yaml:"focal_length_mm"`
	SensorWidthMm  float64 `yaml:"sensor_width_mm"`
	SensorHeightMm float64 `yaml:"sensor_height_mm"`
}

// FeedConfig configures the UDP target-lock listener. Empty address = off.
type FeedConfig struct {
	UDPAddr    string `yaml:"udp_addr"` // e.g., ":5600"
	ReadBuffer int    `yaml:"read_buffer"`
}

// AuditConfig configures the SQLite event log. Empty path = off.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// BridgeConfig configures cmd/pwmbridge.
type BridgeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel        int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO          bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	ShutdownTimeoutMs int  `yaml:"shutdown_timeout_ms"`
}

// Config aggregates all application configuration. It is resolved once at
// startup and treated as immutable afterwards.
type Config struct {
	YawPID    PIDConfig       `yaml:"yaw_pid"`
	PitchPID  PIDConfig       `yaml:"pitch_pid"`
	Authority AuthorityConfig `yaml:"authority"`
	Control   ControlConfig   `yaml:"control"`
	Transport TransportConfig `yaml:"transport"`
	GPIO      GPIOConfig      `yaml:"gpio"`
	Camera    *CameraConfig   `yaml:"camera,omitempty"` // optional
	Feed      FeedConfig      `yaml:"feed"`
	Audit     AuditConfig     `yaml:"audit"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// Default returns the built-in configuration: a conservative simulated
// turret in MANUAL mode.
func Default() Config {
	return Config{
		YawPID:   PIDConfig{Kp: 0.8, Ki: 0.05, Kd: 0.1, IntegralLimit: 1},
		PitchPID: PIDConfig{Kp: 0.8, Ki: 0.05, Kd: 0.1, IntegralLimit: 1},
		Authority: AuthorityConfig{
			InitialMode:          "manual",
			MaxYawRate:           0.8,
			MaxPitchRate:         0.6,
			MaxSlewRate:          0.2,
			WatchdogTimeoutMs:    500,
			WatchdogPollMs:       50,
			CommandTTLMs:         200,
			OverrideLatchSeconds: 2,
			OverrideOutput:       "neutral",
			ManualIdle:           "zero",
		},
		Control: ControlConfig{
			CycleHz:       30,
			AssistGain:    0.5,
			MinConfidence: 0,
		},
		Transport: TransportConfig{
			Type:          string(transport.KindSimulated),
			SendTimeoutMs: 20,
			Serial:        SerialConfig{BaudRate: 115200, ReconnectIntervalMs: 1000},
			AudioPWM:      AudioPWMConfig{SampleRate: audio.DefaultRate},
			Simulated:     SimulatedConfig{MaxDegPerSec: 90},
		},
		GPIO:     GPIOConfig{PollMs: 20},
		Feed:     FeedConfig{ReadBuffer: 2048},
		Bridge:   BridgeConfig{ListenAddr: ":4210", TimeoutMs: 500},
		Defaults: DefaultsConfig{DebugLevel: 1, MockGPIO: true, ShutdownTimeoutMs: 1000},
	}
}

// Load reads a YAML file over the built-in defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.fillZeroDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// fillZeroDefaults restores defaults for numeric fields explicitly set to 0
// where 0 is never meaningful.
func (c *Config) fillZeroDefaults() {
	d := Default()
	if c.Authority.WatchdogPollMs <= 0 {
		c.Authority.WatchdogPollMs = d.Authority.WatchdogPollMs
	}
	if c.Control.CycleHz == 0 {
		c.Control.CycleHz = d.Control.CycleHz
	}
	if c.Transport.SendTimeoutMs == 0 {
		c.Transport.SendTimeoutMs = d.Transport.SendTimeoutMs
	}
	if c.Transport.Serial.ReconnectIntervalMs <= 0 {
		c.Transport.Serial.ReconnectIntervalMs = d.Transport.Serial.ReconnectIntervalMs
	}
	if c.Transport.AudioPWM.SampleRate == 0 {
		c.Transport.AudioPWM.SampleRate = d.Transport.AudioPWM.SampleRate
	}
	if c.Transport.Simulated.MaxDegPerSec <= 0 {
		c.Transport.Simulated.MaxDegPerSec = d.Transport.Simulated.MaxDegPerSec
	}
	if c.GPIO.PollMs <= 0 {
		c.GPIO.PollMs = d.GPIO.PollMs
	}
	if c.Feed.ReadBuffer <= 0 {
		c.Feed.ReadBuffer = d.Feed.ReadBuffer
	}
	if c.Bridge.TimeoutMs <= 0 {
		c.Bridge.TimeoutMs = d.Bridge.TimeoutMs
	}
	if c.Defaults.ShutdownTimeoutMs <= 0 {
		c.Defaults.ShutdownTimeoutMs = d.Defaults.ShutdownTimeoutMs
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	for name, p := range map[string]PIDConfig{"yaw_pid": c.YawPID, "pitch_pid": c.PitchPID} {
		for field, v := range map[string]float64{"kp": p.Kp, "ki": p.Ki, "kd": p.Kd, "integral_limit": p.IntegralLimit} {
			if !finite(v) {
				add("%s.%s must be finite", name, field)
			}
		}
		if p.IntegralLimit < 0 {
			add("%s.integral_limit must be >= 0, got %g", name, p.IntegralLimit)
		}
	}

	a := c.Authority
	if _, err := authority.ParseMode(a.InitialMode); err != nil {
		add("authority.initial_mode: %v", err)
	}
	if _, err := authority.ParseOverrideOutput(a.OverrideOutput); err != nil {
		add("authority.override_output: %v", err)
	}
	if _, err := ParseManualIdle(a.ManualIdle); err != nil {
		add("authority.manual_idle: %v", err)
	}
	for name, v := range map[string]float64{
		"max_yaw_rate":   a.MaxYawRate,
		"max_pitch_rate": a.MaxPitchRate,
		"max_slew_rate":  a.MaxSlewRate,
	} {
		if !finite(v) || v <= 0 || v > 1 {
			add("authority.%s must be in (0, 1], got %g", name, v)
		}
	}
	if a.WatchdogTimeoutMs <= 0 {
		add("authority.watchdog_timeout_ms must be > 0, got %d", a.WatchdogTimeoutMs)
	}
	if a.CommandTTLMs <= 0 {
		add("authority.command_ttl_ms must be > 0, got %d", a.CommandTTLMs)
	}
	if a.WatchdogPollMs > a.WatchdogTimeoutMs {
		add("authority.watchdog_poll_ms (%d) must not exceed watchdog_timeout_ms (%d)", a.WatchdogPollMs, a.WatchdogTimeoutMs)
	}
	if !finite(a.OverrideLatchSeconds) || a.OverrideLatchSeconds < 0 || a.OverrideLatchSeconds > 60 {
		add("authority.override_latch_seconds must be between 0 and 60, got %g", a.OverrideLatchSeconds)
	}

	ctl := c.Control
	if !finite(ctl.CycleHz) || ctl.CycleHz <= 0 || ctl.CycleHz > 1000 {
		add("control.cycle_hz must be in (0, 1000], got %g", ctl.CycleHz)
	}
	if !finite(ctl.AssistGain) || ctl.AssistGain < 0 || ctl.AssistGain > 1 {
		add("control.assist_gain must be between 0 and 1, got %g", ctl.AssistGain)
	}
	if !finite(ctl.MinConfidence) || ctl.MinConfidence < 0 || ctl.MinConfidence > 1 {
		add("control.min_confidence must be between 0 and 1, got %g", ctl.MinConfidence)
	}

	if err := c.validateTransport(); err != nil {
		errs = append(errs, err)
	}

	if c.GPIO.OverrideButtonPin < 0 || c.GPIO.EnablePin < 0 {
		add("gpio pins must be >= 0")
	}
	if c.GPIO.OverrideButtonPin != 0 && c.GPIO.OverrideButtonPin == c.GPIO.EnablePin {
		add("gpio.override_button_pin and gpio.enable_pin must differ")
	}
	if cam := c.Camera; cam != nil {
		if cam.FocalLengthMm <= 0 || cam.SensorWidthMm <= 0 || cam.SensorHeightMm <= 0 {
			add("camera.focal_length_mm, sensor_width_mm and sensor_height_mm must be > 0 when camera is set")
		}
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		add("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return errors.Join(errs...)
}

func (c *Config) validateTransport() error {
	t := c.Transport
	kind, err := transport.ParseKind(t.Type)
	if err != nil {
		return fmt.Errorf("transport.type: %w", err)
	}
	if t.SendTimeoutMs <= 0 {
		return fmt.Errorf("transport.send_timeout_ms must be > 0, got %d", t.SendTimeoutMs)
	}
	switch kind {
	case transport.KindSerial:
		if strings.TrimSpace(t.Serial.Port) == "" {
			return fmt.Errorf("transport.serial.port is required for the serial transport")
		}
		if _, err := c.SerialOptions().Normalize(); err != nil {
			return fmt.Errorf("transport.serial: %w", err)
		}
	case transport.KindWifiUDP:
		if _, err := transport.ParseUDPURL(t.WifiUDP.URL); err != nil {
			return fmt.Errorf("transport.wifi_udp.url: %w", err)
		}
	case transport.KindAudioPWM:
		if _, err := audio.NewPulseTiming(t.AudioPWM.SampleRate); err != nil {
			return fmt.Errorf("transport.audio_pwm: %w", err)
		}
		if t.AudioPWM.BufferFrames < 0 {
			return fmt.Errorf("transport.audio_pwm.buffer_frames must be >= 0")
		}
	}
	return nil
}

// ValidateConfigPath checks that path names a .yaml file directly inside a
// directory called "configs" and contains no ".." element.
func ValidateConfigPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// ManualIdle is the MANUAL-mode policy when no fresh operator input exists.
type ManualIdle int

const (
	ManualIdleZero ManualIdle = iota
	ManualIdleHoldLast
)

func (m ManualIdle) String() string {
	if m == ManualIdleHoldLast {
		return "hold_last"
	}
	return "zero"
}

// ParseManualIdle converts "zero" or "hold_last".
func ParseManualIdle(value string) (ManualIdle, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "zero":
		return ManualIdleZero, nil
	case "hold_last", "hold-last":
		return ManualIdleHoldLast, nil
	default:
		return ManualIdleZero, fmt.Errorf("unknown manual idle policy %q", value)
	}
}

// SerialOptions returns the serial line parameters.
func (c *Config) SerialOptions() transport.PortOptions {
	s := c.Transport.Serial
	return transport.PortOptions{BaudRate: s.BaudRate, DataBits: s.DataBits, StopBits: s.StopBits, Parity: s.Parity}
}

// AudioDeviceIndex returns the configured device, or -1 for the default.
func (c *Config) AudioDeviceIndex() int {
	if c.Transport.AudioPWM.DeviceIndex == nil {
		return -1
	}
	return *c.Transport.AudioPWM.DeviceIndex
}

// WatchdogTimeout returns the silence period that forces neutral output.
func (c *Config) WatchdogTimeout() time.Duration {
	return ms(c.Authority.WatchdogTimeoutMs)
}

// WatchdogPoll returns the watchdog goroutine period.
func (c *Config) WatchdogPoll() time.Duration {
	return ms(c.Authority.WatchdogPollMs)
}

// CommandTTL returns the maximum accepted proposal age.
func (c *Config) CommandTTL() time.Duration {
	return ms(c.Authority.CommandTTLMs)
}

// OverrideLatch returns the manual override lockout.
func (c *Config) OverrideLatch() time.Duration {
	return time.Duration(c.Authority.OverrideLatchSeconds * float64(time.Second))
}

// CyclePeriod returns the nominal control cycle period.
func (c *Config) CyclePeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.Control.CycleHz)
}

// SendTimeout returns the bound on one transport send.
func (c *Config) SendTimeout() time.Duration {
	return ms(c.Transport.SendTimeoutMs)
}

// ReconnectInterval returns the minimum delay between serial reopen attempts.
func (c *Config) ReconnectInterval() time.Duration {
	return ms(c.Transport.Serial.ReconnectIntervalMs)
}

// ButtonPoll returns the override button poll period.
func (c *Config) ButtonPoll() time.Duration {
	return ms(c.GPIO.PollMs)
}

// BridgeTimeout returns the bridge's silence timeout.
func (c *Config) BridgeTimeout() time.Duration {
	return ms(c.Bridge.TimeoutMs)
}

// ShutdownTimeout bounds how long Stop waits for background goroutines.
func (c *Config) ShutdownTimeout() time.Duration {
	return ms(c.Defaults.ShutdownTimeoutMs)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
