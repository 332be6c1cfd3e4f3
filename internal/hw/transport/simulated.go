package transport

import (
	"context"
	"sync"
	"time"

	"github.com/cjeanneret/trackhead/internal/debug"
	"github.com/cjeanneret/trackhead/internal/logic/motion"
	"github.com/cjeanneret/trackhead/internal/timeutil"
)

// Simulated integrates rates into virtual yaw/pitch angles and keeps every
// output it was sent. It never fails once connected.
type Simulated struct {
	maxDegPerSec float64
	clock        timeutil.Clock
	health       *healthTracker

	mu        sync.Mutex
	connected bool
	yawDeg    float64
	pitchDeg  float64
	lastAt    time.Time
	last      motion.ControlOutput
	history   []motion.ControlOutput
}

// NewSimulated returns a simulated turret. maxDegPerSec is the angular
// speed at rate 1.0.
func NewSimulated(maxDegPerSec float64, clock timeutil.Clock) *Simulated {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Simulated{maxDegPerSec: maxDegPerSec, clock: clock, health: newHealthTracker()}
}

func (s *Simulated) Kind() Kind { return KindSimulated }

func (s *Simulated) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		s.connected = true
		s.lastAt = s.clock.Now()
		s.health.connected()
		debug.Verbose("simulated transport connected")
	}
	return nil
}

func (s *Simulated) Send(out motion.ControlOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		err := opError(KindSimulated, "send", ErrNotConnected)
		s.health.failure(err)
		return err
	}

	now := s.clock.Now()
	// the previous command held until now
	dt := now.Sub(s.lastAt).Seconds()
	if dt > 0 {
		s.yawDeg += s.last.YawRate * s.maxDegPerSec * dt
		s.pitchDeg += s.last.PitchRate * s.maxDegPerSec * dt
	}
	s.lastAt = now
	s.last = out
	s.history = append(s.history, out)
	s.health.success(now)

	debug.Output(out.YawRate, out.PitchRate, out.Sequence, string(out.Reason))
	debug.Trace("simulated angles: yaw=%.2f° pitch=%.2f°", s.yawDeg, s.pitchDeg)
	return nil
}

func (s *Simulated) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		s.connected = false
		s.health.disconnected()
	}
	return nil
}

func (s *Simulated) Health() Health { return s.health.snapshot() }

// Angles returns the virtual yaw and pitch in degrees as of the last Send.
func (s *Simulated) Angles() (yawDeg, pitchDeg float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.yawDeg, s.pitchDeg
}

// LastSent returns the most recent output and whether anything was sent.
func (s *Simulated) LastSent() (motion.ControlOutput, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, len(s.history) > 0
}

// History returns a copy of every output sent.
func (s *Simulated) History() []motion.ControlOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]motion.ControlOutput(nil), s.history...)
}
