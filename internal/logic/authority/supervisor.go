// Package authority is the safety kernel of the turret: it owns the
// operating mode, bounds and rate-limits every command, forces neutral
// output on stale input or silence, and implements the manual override latch.
//
// It is the only place allowed to clamp or replace motion intent.
package authority

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/trackhead/internal/debug"
	"github.com/cjeanneret/trackhead/internal/logic/motion"
	"github.com/cjeanneret/trackhead/internal/timeutil"
)

// Config holds the supervisor limits and timers.
type Config struct {
	MaxYawRate      float64       // |yaw| bound, in (0, 1]
	MaxPitchRate    float64       // |pitch| bound, in (0, 1]
	MaxSlewRate     float64       // max change per axis between two supervised outputs
	CommandTTL      time.Duration // proposals older than this are replaced with neutral
	WatchdogTimeout time.Duration // silence longer than this forces neutral
	OverrideLatch   time.Duration // minimum override duration after the last manual input
	OverrideOutput  OverrideOutput
	InitialMode     Mode
}

// Validate checks that every limit is usable.
func (c Config) Validate() error {
	var errs []error
	for name, v := range map[string]float64{
		"max_yaw_rate":   c.MaxYawRate,
		"max_pitch_rate": c.MaxPitchRate,
		"max_slew_rate":  c.MaxSlewRate,
	} {
		if math.IsNaN(v) || v <= 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in (0, 1], got %g", name, v))
		}
	}
	if c.CommandTTL <= 0 {
		errs = append(errs, fmt.Errorf("command ttl must be > 0"))
	}
	if c.WatchdogTimeout <= 0 {
		errs = append(errs, fmt.Errorf("watchdog timeout must be > 0"))
	}
	if c.OverrideLatch < 0 {
		errs = append(errs, fmt.Errorf("override latch must be >= 0"))
	}
	switch c.InitialMode {
	case ModeManual, ModeAssisted, ModeAutoTrack:
	default:
		errs = append(errs, fmt.Errorf("invalid initial mode %v", c.InitialMode))
	}
	return errors.Join(errs...)
}

// State is a copy of the supervisor state for diagnostics.
type State struct {
	RequestedMode      Mode                 `json:"requested_mode"`
	EffectiveMode      Mode                 `json:"effective_mode"`
	LastCommandTime    time.Time            `json:"last_command_time"`
	OverrideActive     bool                 `json:"override_active"`
	OverrideLatchUntil time.Time            `json:"override_latch_until,omitempty"`
	OverrideRemaining  time.Duration        `json:"override_remaining_ns"`
	WatchdogTripped    bool                 `json:"watchdog_tripped"`
	LastOutput         motion.ControlOutput `json:"last_output"`
	LastManual         motion.Rates         `json:"last_manual"`
	Hold               string               `json:"hold,omitempty"` // why the turret is holding still, if it is
}

// Supervisor enforces the authority rules. All methods are safe for
// concurrent use; the watchdog goroutine and the control cycle share it.
type Supervisor struct {
	cfg   Config
	clock timeutil.Clock

	mu             sync.Mutex
	requested      Mode
	lastCommand    time.Time
	overrideActive bool
	latchUntil     time.Time
	lastManual     motion.Rates
	last           motion.ControlOutput
	seq            uint64
	tripped        bool
	staleDetail    string

	onEvent func(Event)
}

// NewSupervisor validates cfg and returns a supervisor whose current output
// is neutral.
func NewSupervisor(cfg Config, clock timeutil.Clock) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("authority config: %w", err)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	now := clock.Now()
	return &Supervisor{
		cfg:         cfg,
		clock:       clock,
		requested:   cfg.InitialMode,
		lastCommand: now,
		last:        motion.Neutral(0, now, motion.ReasonInitial),
	}, nil
}

// SetEventHandler registers fn to receive authority events. It must be
// called before the supervisor is shared between goroutines. fn is invoked
// without the supervisor lock held.
func (s *Supervisor) SetEventHandler(fn func(Event)) {
	s.onEvent = fn
}

// Config returns the supervisor configuration.
func (s *Supervisor) Config() Config { return s.cfg }

// SetMode records a mode request. It is always accepted; while the override
// latch is active the effective mode stays manual until the latch expires.
func (s *Supervisor) SetMode(m Mode) error {
	switch m {
	case ModeManual, ModeAssisted, ModeAutoTrack:
	default:
		return fmt.Errorf("invalid mode %v", m)
	}

	s.mu.Lock()
	now := s.clock.Now()
	events := s.expireLatchLocked(now, nil)
	prev := s.requested
	s.requested = m
	detail := fmt.Sprintf("%s -> %s", prev, m)
	if s.overrideActive && m != ModeManual {
		detail += fmt.Sprintf(" (deferred, override active for %s)", s.latchUntil.Sub(now).Round(time.Millisecond))
	}
	events = append(events, Event{At: now, Kind: EventModeRequested, Mode: s.effectiveLocked(), Detail: detail})
	s.mu.Unlock()

	debug.Info("mode requested: %s", detail)
	s.emit(events)
	return nil
}

// RequestedMode returns the last requested mode.
func (s *Supervisor) RequestedMode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

// EffectiveMode returns the mode actually in force: manual while the
// override latch is active, the requested mode otherwise.
func (s *Supervisor) EffectiveMode() Mode {
	s.mu.Lock()
	events := s.expireLatchLocked(s.clock.Now(), nil)
	m := s.effectiveLocked()
	s.mu.Unlock()
	s.emit(events)
	return m
}

// ManualOverride engages (or re-arms) the override latch until
// now + OverrideLatch and immediately approves a manual-intent output:
// neutral, or the last manual value when configured so. manual, if not nil,
// records the operator's current input for that purpose.
func (s *Supervisor) ManualOverride(manual *motion.Rates) motion.ControlOutput {
	s.mu.Lock()
	now := s.clock.Now()
	var events []Event
	if !s.overrideActive {
		events = append(events, Event{At: now, Kind: EventOverrideEngaged, Mode: ModeManual,
			Detail: fmt.Sprintf("requested mode %s suppressed for %s", s.requested, s.cfg.OverrideLatch)})
	}
	s.overrideActive = true
	s.latchUntil = now.Add(s.cfg.OverrideLatch)
	if manual != nil {
		s.lastManual = manual.Sanitize()
	}
	s.lastCommand = now
	events = s.clearWatchdogLocked(now, events)

	var out motion.ControlOutput
	if s.cfg.OverrideOutput == OverrideLastManual {
		out = s.approveLocked(now, s.lastManual, motion.ReasonManualOverride)
	} else {
		out = s.neutralLocked(now, motion.ReasonManualOverride)
	}
	s.mu.Unlock()

	if len(events) > 0 {
		debug.Info("manual override engaged (latch %s)", s.cfg.OverrideLatch)
	}
	s.emit(events)
	return out
}

// Supervise approves a proposal and returns the output that may be sent to
// the actuators. The returned output always satisfies the rate bounds.
// Approved outputs move at most MaxSlewRate per axis from the previous
// output, with one exception: fail-safe neutrals (stale command, override
// replacing an automatic proposal, and likewise the watchdog and shutdown
// neutrals from TickSend and ForceNeutralSend) drop to zero in a single step
// and are not slew-limited.
func (s *Supervisor) Supervise(p motion.Proposal) motion.ControlOutput {
	s.mu.Lock()
	now := s.clock.Now()
	events := s.expireLatchLocked(now, nil)
	s.lastCommand = now
	events = s.clearWatchdogLocked(now, events)

	var out motion.ControlOutput
	switch {
	case p.Timestamp.IsZero() || now.Sub(p.Timestamp) > s.cfg.CommandTTL:
		age := now.Sub(p.Timestamp)
		if p.Timestamp.IsZero() {
			s.staleDetail = "unstamped command rejected"
		} else {
			s.staleDetail = fmt.Sprintf("stale command: %dms old (ttl %dms)", age.Milliseconds(), s.cfg.CommandTTL.Milliseconds())
		}
		debug.Live("%s", s.staleDetail)
		out = s.neutralLocked(now, motion.ReasonStaleCommand)

	case s.overrideActive && p.Source.Automatic():
		debug.Verbose("override active: %s proposal (%.3f, %.3f) suppressed", p.Source, p.Yaw, p.Pitch)
		if s.cfg.OverrideOutput == OverrideLastManual {
			out = s.approveLocked(now, s.lastManual, motion.ReasonManualOverride)
		} else {
			out = s.neutralLocked(now, motion.ReasonManualOverride)
		}

	default:
		if p.Source == motion.ReasonManual {
			s.lastManual = p.Rates.Sanitize()
		}
		out = s.approveLocked(now, p.Rates, p.Source)
	}
	s.mu.Unlock()

	s.emit(events)
	return out
}

// Tick runs the watchdog. If nothing was supervised for longer than
// WatchdogTimeout it replaces the current output with neutral and reports
// changed=true exactly once per silent period, so the caller can push that
// neutral to the transport.
func (s *Supervisor) Tick() (out motion.ControlOutput, changed bool) {
	return s.TickSend(nil)
}

// TickSend is Tick with delivery: when the watchdog forces neutral, send
// receives it before any event handler runs, so a slow handler cannot
// delay the neutral reaching the actuators.
func (s *Supervisor) TickSend(send func(motion.ControlOutput)) (out motion.ControlOutput, changed bool) {
	s.mu.Lock()
	now := s.clock.Now()
	events := s.expireLatchLocked(now, nil)
	if !s.tripped {
		if silent := now.Sub(s.lastCommand); silent > s.cfg.WatchdogTimeout {
			s.tripped = true
			changed = true
			s.neutralLocked(now, motion.ReasonWatchdog)
			events = append(events, Event{At: now, Kind: EventWatchdogTripped, Mode: s.effectiveLocked(),
				Detail: fmt.Sprintf("no fresh command in %dms", silent.Milliseconds())})
		}
	}
	out = s.last
	s.mu.Unlock()

	if changed {
		if send != nil {
			send(out)
		}
		debug.Info("watchdog: forcing neutral (%s)", events[len(events)-1].Detail)
	}
	s.emit(events)
	return out, changed
}

// Current returns the current approved output, applying the watchdog first
// so that a silent loop reads as neutral even if no ticker is running.
func (s *Supervisor) Current() motion.ControlOutput {
	out, _ := s.Tick()
	return out
}

// ForceNeutral replaces the current output with neutral tagged with reason
// and returns it.
func (s *Supervisor) ForceNeutral(reason motion.Reason) motion.ControlOutput {
	out, _ := s.ForceNeutralSend(reason, nil)
	return out
}

// ForceNeutralSend is ForceNeutral with delivery: send receives the neutral
// before the event handler runs. Used on shutdown.
func (s *Supervisor) ForceNeutralSend(reason motion.Reason, send func(motion.ControlOutput) error) (motion.ControlOutput, error) {
	s.mu.Lock()
	now := s.clock.Now()
	out := s.neutralLocked(now, reason)
	ev := Event{At: now, Kind: EventNeutralForced, Mode: s.effectiveLocked(), Detail: string(reason)}
	s.mu.Unlock()

	var err error
	if send != nil {
		err = send(out)
	}
	s.emit([]Event{ev})
	return out, err
}

// Snapshot returns a copy of the state. It never mutates the supervisor; if
// the watchdog has expired but not yet been ticked, LastOutput reports the
// neutral output the next Tick will produce.
func (s *Supervisor) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	overrideActive := s.overrideActive && now.Before(s.latchUntil)
	st := State{
		RequestedMode:   s.requested,
		EffectiveMode:   s.requested,
		LastCommandTime: s.lastCommand,
		OverrideActive:  overrideActive,
		WatchdogTripped: s.tripped,
		LastOutput:      s.last,
		LastManual:      s.lastManual,
	}
	if overrideActive {
		st.EffectiveMode = ModeManual
		st.OverrideLatchUntil = s.latchUntil
		st.OverrideRemaining = s.latchUntil.Sub(now)
	}

	silent := now.Sub(s.lastCommand)
	expired := silent > s.cfg.WatchdogTimeout
	if expired && !s.tripped {
		st.LastOutput = motion.Neutral(s.seq, now, motion.ReasonWatchdog)
	}

	switch {
	case s.tripped || expired:
		st.Hold = fmt.Sprintf("watchdog: no fresh command in %dms", silent.Milliseconds())
	case overrideActive:
		st.Hold = fmt.Sprintf("manual override active for %.1fs more", st.OverrideRemaining.Seconds())
	case s.last.Reason == motion.ReasonStaleCommand:
		st.Hold = s.staleDetail
	case s.last.Reason == motion.ReasonNoTarget && s.last.IsNeutral():
		st.Hold = "no target lock"
	case s.last.Reason == motion.ReasonManualIdle && s.last.IsNeutral():
		st.Hold = "manual mode: no operator input"
	}
	return st
}

func (s *Supervisor) effectiveLocked() Mode {
	if s.overrideActive {
		return ModeManual
	}
	return s.requested
}

// expireLatchLocked clears the override once its latch time has passed.
func (s *Supervisor) expireLatchLocked(now time.Time, events []Event) []Event {
	if s.overrideActive && !now.Before(s.latchUntil) {
		s.overrideActive = false
		events = append(events, Event{At: now, Kind: EventOverrideReleased, Mode: s.requested,
			Detail: fmt.Sprintf("latch expired, resuming %s", s.requested)})
		debug.Info("manual override released, resuming %s", s.requested)
	}
	return events
}

func (s *Supervisor) clearWatchdogLocked(now time.Time, events []Event) []Event {
	if s.tripped {
		s.tripped = false
		events = append(events, Event{At: now, Kind: EventWatchdogCleared, Mode: s.effectiveLocked(),
			Detail: "commands resumed"})
	}
	return events
}

// approveLocked bounds rates, slew-limits them against the last output and
// records the result.
func (s *Supervisor) approveLocked(now time.Time, r motion.Rates, reason motion.Reason) motion.ControlOutput {
	r = r.Sanitize()
	yaw := motion.Clamp(r.Yaw, s.cfg.MaxYawRate)
	pitch := motion.Clamp(r.Pitch, s.cfg.MaxPitchRate)

	yaw = s.last.YawRate + motion.Clamp(yaw-s.last.YawRate, s.cfg.MaxSlewRate)
	pitch = s.last.PitchRate + motion.Clamp(pitch-s.last.PitchRate, s.cfg.MaxSlewRate)

	// Re-apply the bounds so float rounding in the ramp can never leak past them.
	yaw = motion.Clamp(yaw, s.cfg.MaxYawRate)
	pitch = motion.Clamp(pitch, s.cfg.MaxPitchRate)

	s.seq++
	s.last = motion.ControlOutput{
		YawRate:   yaw,
		PitchRate: pitch,
		Sequence:  s.seq,
		Timestamp: now,
		Reason:    reason,
	}
	return s.last
}

func (s *Supervisor) neutralLocked(now time.Time, reason motion.Reason) motion.ControlOutput {
	s.seq++
	s.last = motion.Neutral(s.seq, now, reason)
	return s.last
}

func (s *Supervisor) emit(events []Event) {
	if s.onEvent == nil {
		return
	}
	for _, ev := range events {
		s.onEvent(ev)
	}
}
