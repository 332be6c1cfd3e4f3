package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/trackhead/internal/debug"
	"github.com/cjeanneret/trackhead/internal/hw/audio"
	"github.com/cjeanneret/trackhead/internal/logic/motion"
	"github.com/cjeanneret/trackhead/internal/timeutil"
)

// AudioPWM drives two servos from the stereo audio output. Send only hands
// the rates to the generator; the audio callback keeps emitting the last
// value on its own thread.
type AudioPWM struct {
	cfg    audio.StreamConfig
	gen    *audio.Generator
	open   audio.OpenFunc
	clock  timeutil.Clock
	health *healthTracker

	mu            sync.Mutex
	stream        audio.Stream
	seenUnderruns uint64
	lastSet       uint64 // generator number of the last published rates
}

// audioDrainTimeout bounds how long Disconnect waits for the last rates to
// be written as a full frame before stopping the stream.
const audioDrainTimeout = 150 * time.Millisecond

// NewAudioPWM validates cfg. A nil open means audio.OpenPortAudio.
func NewAudioPWM(cfg audio.StreamConfig, open audio.OpenFunc, clock timeutil.Clock) (*AudioPWM, error) {
	timing, err := audio.NewPulseTiming(cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.BufferFrames < 0 {
		return nil, fmt.Errorf("%w: buffer frames must be >= 0", ErrInvalidConfig)
	}
	if open == nil {
		open = audio.OpenPortAudio
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &AudioPWM{
		cfg:    cfg,
		gen:    audio.NewGenerator(timing),
		open:   open,
		clock:  clock,
		health: newHealthTracker(),
	}, nil
}

func (a *AudioPWM) Kind() Kind { return KindAudioPWM }

func (a *AudioPWM) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream != nil {
		return nil
	}
	// servos see center pulses from the first frame
	a.lastSet = a.gen.Set(motion.Rates{})
	s, err := a.open(a.cfg, a.gen)
	if err != nil {
		return opError(KindAudioPWM, "connect", err)
	}
	if err := s.Start(); err != nil {
		s.Close()
		return opError(KindAudioPWM, "connect", fmt.Errorf("start stream: %w", err))
	}
	a.stream = s
	a.seenUnderruns = a.gen.Underruns()
	a.health.connected()
	timing := a.gen.Timing()
	debug.Info("audio_pwm transport: %d Hz, pulse %d..%d samples, period %d",
		timing.SampleRate, timing.MinPulse, timing.MaxPulse, timing.Period)
	return nil
}

// Send publishes the rates to the waveform generator. It reports an error
// when the stream is closed or the device underran since the last send; the
// new value is still published in the latter case.
func (a *AudioPWM) Send(out motion.ControlOutput) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream == nil {
		return a.fail(ErrNotConnected)
	}
	a.lastSet = a.gen.Set(out.Rates())

	if n := a.gen.Underruns(); n != a.seenUnderruns {
		missed := n - a.seenUnderruns
		a.seenUnderruns = n
		return a.fail(fmt.Errorf("%w (%d since last send)", ErrUnderrun, missed))
	}
	a.health.success(a.clock.Now())
	return nil
}

func (a *AudioPWM) fail(err error) error {
	wrapped := opError(KindAudioPWM, "send", err)
	a.health.failure(wrapped)
	debug.Live("%v", wrapped)
	return wrapped
}

func (a *AudioPWM) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.health.disconnected()
	if a.stream == nil {
		return nil
	}
	s := a.stream
	a.stream = nil
	if !a.drain(audioDrainTimeout) {
		debug.Warn("audio_pwm: last command not emitted within %s, stopping anyway", audioDrainTimeout)
	}
	stopErr := s.Stop()
	closeErr := s.Close()
	if stopErr != nil {
		return opError(KindAudioPWM, "disconnect", stopErr)
	}
	if closeErr != nil {
		return opError(KindAudioPWM, "disconnect", closeErr)
	}
	return nil
}

// drain waits until the generator has written the last published rates as
// a complete frame, so the final command (normally neutral) reaches the
// servos before the stream stops. The audio callback runs in real time, so
// the wait uses the wall clock.
func (a *AudioPWM) drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for a.gen.Emitted() < a.lastSet {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

func (a *AudioPWM) Health() Health { return a.health.snapshot() }

// Generator exposes the waveform generator for diagnostics.
func (a *AudioPWM) Generator() *audio.Generator { return a.gen }
