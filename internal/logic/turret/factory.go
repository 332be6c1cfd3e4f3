package turret

import (
	"fmt"

	"github.com/cjeanneret/trackhead/internal/config"
	"github.com/cjeanneret/trackhead/internal/debug"
	"github.com/cjeanneret/trackhead/internal/hw/audio"
	"github.com/cjeanneret/trackhead/internal/hw/gpio"
	"github.com/cjeanneret/trackhead/internal/hw/transport"
	"github.com/cjeanneret/trackhead/internal/logic/authority"
	"github.com/cjeanneret/trackhead/internal/logic/geometry"
	"github.com/cjeanneret/trackhead/internal/logic/pid"
	"github.com/cjeanneret/trackhead/internal/timeutil"
)

// Deps are the collaborators Build cannot derive from configuration.
// Zero values select the real implementations.
type Deps struct {
	Clock        timeutil.Clock
	GPIO         gpio.Driver           // required for the enable pin and override button
	Transport    transport.Transport   // bypasses transport selection when set
	SerialOpener transport.Opener      // nil = go.bug.st/serial
	AudioOpen    audio.OpenFunc        // nil = PortAudio
	OnEvent      func(authority.Event) // receives supervisor events
}

// Build maps the resolved configuration onto a supervisor, transport and
// controller. All configuration errors surface here, before Start.
func Build(cfg *config.Config, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("build turret: %w", err)
	}
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	authCfg, err := AuthorityConfig(cfg)
	if err != nil {
		return nil, err
	}
	sup, err := authority.NewSupervisor(authCfg, clock)
	if err != nil {
		return nil, err
	}
	if deps.OnEvent != nil {
		sup.SetEventHandler(deps.OnEvent)
	}

	t := deps.Transport
	if t == nil {
		if t, err = NewTransport(cfg, clock, deps); err != nil {
			return nil, err
		}
	}
	if cfg.GPIO.EnablePin > 0 {
		if deps.GPIO == nil {
			return nil, fmt.Errorf("gpio.enable_pin %d set but no GPIO driver available", cfg.GPIO.EnablePin)
		}
		if t, err = transport.WithEnablePin(t, deps.GPIO, cfg.GPIO.EnablePin, cfg.GPIO.EnableActiveLow); err != nil {
			return nil, err
		}
	}

	var fov *geometry.FOVCalculator
	if cam := cfg.Camera; cam != nil {
		fov, err = geometry.NewFOVCalculator(geometry.Lens{
			FocalLengthMm:  cam.FocalLengthMm,
			SensorWidthMm:  cam.SensorWidthMm,
			SensorHeightMm: cam.SensorHeightMm,
		})
		if err != nil {
			return nil, fmt.Errorf("camera: %w", err)
		}
	}

	idle, _ := config.ParseManualIdle(cfg.Authority.ManualIdle)
	ctrl, err := New(Config{
		YawGains:            gains(cfg.YawPID),
		PitchGains:          gains(cfg.PitchPID),
		CyclePeriod:         cfg.CyclePeriod(),
		RunPIDWithoutTarget: cfg.Control.RunPIDWithoutTarget,
		InvertYaw:           cfg.Control.InvertYaw,
		InvertPitch:         cfg.Control.InvertPitch,
		AssistGain:          cfg.Control.AssistGain,
		PreferLeadPoint:     cfg.Control.PreferLeadPoint,
		MinConfidence:       cfg.Control.MinConfidence,
		ManualTTL:           cfg.CommandTTL(),
		HoldLastManual:      idle == config.ManualIdleHoldLast,
		WatchdogPoll:        cfg.WatchdogPoll(),
		ShutdownTimeout:     cfg.ShutdownTimeout(),
	}, sup, t, fov, clock)
	if err != nil {
		return nil, err
	}

	if pin := cfg.GPIO.OverrideButtonPin; pin > 0 {
		if deps.GPIO == nil {
			return nil, fmt.Errorf("gpio.override_button_pin %d set but no GPIO driver available", pin)
		}
		ctrl.button, err = gpio.NewButton(deps.GPIO, pin, cfg.GPIO.OverrideActiveLow, cfg.ButtonPoll(), clock, func() {
			ctrl.ManualOverride()
		})
		if err != nil {
			return nil, err
		}
	}

	debug.Section("Turret")
	debug.Value("Transport", t.Kind())
	debug.Value("Initial mode", authCfg.InitialMode)
	debug.PrintStruct("Authority limits", authCfg)
	return ctrl, nil
}

// AuthorityConfig maps the authority section onto supervisor limits.
func AuthorityConfig(cfg *config.Config) (authority.Config, error) {
	mode, err := authority.ParseMode(cfg.Authority.InitialMode)
	if err != nil {
		return authority.Config{}, err
	}
	override, err := authority.ParseOverrideOutput(cfg.Authority.OverrideOutput)
	if err != nil {
		return authority.Config{}, err
	}
	return authority.Config{
		MaxYawRate:      cfg.Authority.MaxYawRate,
		MaxPitchRate:    cfg.Authority.MaxPitchRate,
		MaxSlewRate:     cfg.Authority.MaxSlewRate,
		CommandTTL:      cfg.CommandTTL(),
		WatchdogTimeout: cfg.WatchdogTimeout(),
		OverrideLatch:   cfg.OverrideLatch(),
		OverrideOutput:  override,
		InitialMode:     mode,
	}, nil
}

// NewTransport builds the configured transport variant.
func NewTransport(cfg *config.Config, clock timeutil.Clock, deps Deps) (transport.Transport, error) {
	kind, err := transport.ParseKind(cfg.Transport.Type)
	if err != nil {
		return nil, err
	}
	switch kind {
	case transport.KindSimulated:
		return transport.NewSimulated(cfg.Transport.Simulated.MaxDegPerSec, clock), nil
	case transport.KindSerial:
		return transport.NewSerial(transport.SerialConfig{
			Path:              cfg.Transport.Serial.Port,
			Options:           cfg.SerialOptions(),
			SendTimeout:       cfg.SendTimeout(),
			ReconnectInterval: cfg.ReconnectInterval(),
		}, deps.SerialOpener, clock)
	case transport.KindWifiUDP:
		return transport.NewWifiUDP(cfg.Transport.WifiUDP.URL, cfg.SendTimeout(), clock)
	case transport.KindAudioPWM:
		return transport.NewAudioPWM(audio.StreamConfig{
			DeviceIndex:  cfg.AudioDeviceIndex(),
			SampleRate:   cfg.Transport.AudioPWM.SampleRate,
			BufferFrames: cfg.Transport.AudioPWM.BufferFrames,
		}, deps.AudioOpen, clock)
	}
	return nil, fmt.Errorf("%w: unhandled transport type %q", transport.ErrInvalidConfig, kind)
}

func gains(p config.PIDConfig) pid.Gains {
	return pid.Gains{Kp: p.Kp, Ki: p.Ki, Kd: p.Kd, IntegralLimit: p.IntegralLimit}
}
