// Package turret runs the pan/tilt control cycle: target lock to pixel
// error, two PIDs, supervision, transport. It proposes motion and never
// decides whether motion is safe; the authority supervisor does.
package turret

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/trackhead/internal/debug"
	"github.com/cjeanneret/trackhead/internal/hw/gpio"
	"github.com/cjeanneret/trackhead/internal/hw/transport"
	"github.com/cjeanneret/trackhead/internal/logic/authority"
	"github.com/cjeanneret/trackhead/internal/logic/geometry"
	"github.com/cjeanneret/trackhead/internal/logic/motion"
	"github.com/cjeanneret/trackhead/internal/logic/pid"
	"github.com/cjeanneret/trackhead/internal/timeutil"
)

// Config tunes the control cycle.
type Config struct {
	YawGains            pid.Gains
	PitchGains          pid.Gains
	CyclePeriod         time.Duration // dt used for the first cycle
	RunPIDWithoutTarget bool          // feed zero error to the PIDs when there is no lock
	InvertYaw           bool
	InvertPitch         bool
	AssistGain          float64 // weight of the tracker in ASSISTED mode
	PreferLeadPoint     bool
	MinConfidence       float64
	ManualTTL           time.Duration // operator input older than this is idle
	HoldLastManual      bool          // MANUAL idle policy: hold last input instead of zero
	WatchdogPoll        time.Duration
	ShutdownTimeout     time.Duration
}

// Controller is safe for concurrent use. Cycles are serialized so that
// PID update, supervision and send happen in order for each of them.
type Controller struct {
	cfg       Config
	sup       *authority.Supervisor
	transport transport.Transport
	clock     timeutil.Clock
	fov       *geometry.FOVCalculator // nil when no camera is configured
	button    *gpio.Button            // nil when no override button is wired
	session   string

	cycleMu       sync.Mutex
	yaw, pitch    *pid.Controller
	lastCycle     time.Time
	lastEffective authority.Mode
	manual        motion.Rates
	manualAt      time.Time
	haveManual    bool
	stopped       bool
	final         motion.ControlOutput // shutdown neutral, once stopped

	statusMu   sync.Mutex
	lastTarget *TargetInfo

	sendMu      sync.Mutex
	lastSentSeq uint64
	sendClosed  bool

	cycles       atomic.Uint64
	sendFailures atomic.Uint64
	dropped      atomic.Uint64

	runMu    sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
	stopOnce sync.Once
	stopErr  error
}

// New wires a controller. fov may be nil.
func New(cfg Config, sup *authority.Supervisor, t transport.Transport, fov *geometry.FOVCalculator, clock timeutil.Clock) (*Controller, error) {
	if sup == nil || t == nil {
		return nil, errors.New("turret: supervisor and transport are required")
	}
	if cfg.CyclePeriod <= 0 {
		return nil, fmt.Errorf("turret: cycle period must be > 0")
	}
	if cfg.WatchdogPoll <= 0 {
		return nil, fmt.Errorf("turret: watchdog poll must be > 0")
	}
	if cfg.ManualTTL <= 0 {
		cfg.ManualTTL = sup.Config().CommandTTL
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{
		cfg:           cfg,
		sup:           sup,
		transport:     t,
		clock:         clock,
		fov:           fov,
		session:       uuid.NewString(),
		yaw:           pid.New(cfg.YawGains),
		pitch:         pid.New(cfg.PitchGains),
		lastEffective: sup.EffectiveMode(),
	}, nil
}

// Session returns the id of this controller instance.
func (c *Controller) Session() string { return c.session }

// Supervisor returns the supervisor the controller proposes to.
func (c *Controller) Supervisor() *authority.Supervisor { return c.sup }

// Start connects the transport and launches the watchdog (and the override
// button poller when wired). A connect error is returned and nothing is
// started.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil
	}

	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s transport: %w", c.transport.Kind(), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchdog(runCtx)
	}()

	if c.button != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.button.Run(runCtx)
		}()
	}

	debug.Info("turret controller started (session %s, transport %s)", c.session, c.transport.Kind())
	return nil
}

// watchdog drives the supervisor tick independently of the frame loop so a
// stalled pipeline still ends in a neutral command.
func (c *Controller) watchdog(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.WatchdogPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.sup.TickSend(func(out motion.ControlOutput) { c.send(out) })
		}
	}
}

// UpdateFromTargetLock runs one cycle for a bare pixel position, stamped
// with the current time. center == nil means no lock.
func (c *Controller) UpdateFromTargetLock(center *image.Point, frameWidth, frameHeight int) motion.ControlOutput {
	if center == nil {
		return c.UpdateFromLock(nil, frameWidth, frameHeight)
	}
	return c.UpdateFromLock(&motion.TargetLock{Center: *center, Confidence: 1}, frameWidth, frameHeight)
}

// UpdateFromLock runs one control cycle and returns the approved output.
// Send failures are counted and logged; they never stop the loop.
func (c *Controller) UpdateFromLock(lock *motion.TargetLock, frameWidth, frameHeight int) motion.ControlOutput {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	if c.stopped {
		return c.final
	}

	now := c.clock.Now()
	mode := c.sup.EffectiveMode()
	c.enterModeLocked(mode)

	dt := c.cfg.CyclePeriod
	if !c.lastCycle.IsZero() {
		dt = now.Sub(c.lastCycle)
	}
	c.lastCycle = now

	var p motion.Proposal
	switch mode {
	case authority.ModeManual:
		p = c.manualProposalLocked(now)
	case authority.ModeAssisted:
		p = c.trackProposalLocked(lock, frameWidth, frameHeight, dt.Seconds(), now)
		operator := c.freshManualLocked(now)
		p.Yaw = operator.Yaw + c.cfg.AssistGain*p.Yaw
		p.Pitch = operator.Pitch + c.cfg.AssistGain*p.Pitch
		p.Source = motion.ReasonAssisted
	default:
		p = c.trackProposalLocked(lock, frameWidth, frameHeight, dt.Seconds(), now)
	}

	out := c.sup.Supervise(p)
	c.cycles.Add(1)
	c.send(out)
	return out
}

func (c *Controller) trackProposalLocked(lock *motion.TargetLock, w, h int, dt float64, now time.Time) motion.Proposal {
	if lock != nil && lock.Confidence < c.cfg.MinConfidence {
		debug.Live("lock %d below confidence %.2f < %.2f", lock.TrackID, lock.Confidence, c.cfg.MinConfidence)
		lock = nil
	}

	var ex, ey float64
	if lock != nil {
		aim := lock.Aim(c.cfg.PreferLeadPoint)
		var err error
		ex, ey, err = geometry.NormalizedError(aim, w, h)
		if err != nil {
			debug.Live("dropping lock: %v", err)
			lock = nil
		} else {
			c.recordTarget(lock, aim, ex, ey)
		}
	}

	if lock == nil {
		c.recordTarget(nil, image.Point{}, 0, 0)
		p := motion.Proposal{Timestamp: now, Source: motion.ReasonNoTarget}
		if c.cfg.RunPIDWithoutTarget {
			p.Yaw = c.axis(c.yaw.Update(0, dt), c.cfg.InvertYaw)
			p.Pitch = c.axis(c.pitch.Update(0, dt), c.cfg.InvertPitch)
		}
		return p
	}

	stamp := lock.DetectedAt
	if stamp.IsZero() {
		stamp = now
	}
	return motion.Proposal{
		Rates: motion.Rates{
			Yaw:   c.axis(c.yaw.Update(ex, dt), c.cfg.InvertYaw),
			Pitch: c.axis(c.pitch.Update(ey, dt), c.cfg.InvertPitch),
		},
		Timestamp: stamp,
		Source:    motion.ReasonAutoTrack,
	}
}

func (c *Controller) axis(v float64, invert bool) float64 {
	if invert {
		return -v
	}
	return v
}

// manualProposalLocked builds the MANUAL-mode proposal. Without fresh
// operator input the idle policy decides between zero and the last value.
func (c *Controller) manualProposalLocked(now time.Time) motion.Proposal {
	if c.haveManual && now.Sub(c.manualAt) <= c.cfg.ManualTTL {
		return motion.Proposal{Rates: c.manual, Timestamp: c.manualAt, Source: motion.ReasonManual}
	}
	if c.cfg.HoldLastManual && c.haveManual {
		return motion.Proposal{Rates: c.manual, Timestamp: now, Source: motion.ReasonManual}
	}
	return motion.Proposal{Timestamp: now, Source: motion.ReasonManualIdle}
}

func (c *Controller) freshManualLocked(now time.Time) motion.Rates {
	if c.haveManual && now.Sub(c.manualAt) <= c.cfg.ManualTTL {
		return c.manual
	}
	return motion.Rates{}
}

// ManualInput records operator stick input. Outside MANUAL it engages or
// re-arms the override latch; in MANUAL it drives the turret directly; in
// ASSISTED it is blended on the next cycle.
func (c *Controller) ManualInput(yaw, pitch float64) motion.ControlOutput {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	if c.stopped {
		return c.final
	}

	now := c.clock.Now()
	r := motion.Rates{Yaw: yaw, Pitch: pitch}.Sanitize()
	c.manual = r
	c.manualAt = now
	c.haveManual = true

	st := c.sup.Snapshot()
	var out motion.ControlOutput
	switch {
	case st.OverrideActive || st.RequestedMode == authority.ModeAutoTrack:
		out = c.sup.ManualOverride(&r)
	case st.RequestedMode == authority.ModeManual:
		out = c.sup.Supervise(motion.Proposal{Rates: r, Timestamp: now, Source: motion.ReasonManual})
	default:
		return st.LastOutput
	}
	c.send(out)
	return out
}

// ManualOverride engages the override latch without stick input (panic
// button, web UI).
func (c *Controller) ManualOverride() motion.ControlOutput {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	if c.stopped {
		return c.final
	}
	out := c.sup.ManualOverride(nil)
	c.send(out)
	return out
}

// SetMode forwards a mode request to the supervisor. Entering a tracking
// mode resets both PIDs, even if no cycle ran in between.
func (c *Controller) SetMode(m authority.Mode) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	if err := c.sup.SetMode(m); err != nil {
		return err
	}
	mode := c.sup.EffectiveMode()
	c.enterModeLocked(mode)
	return nil
}

// enterModeLocked resets the PIDs when the effective mode starts tracking.
func (c *Controller) enterModeLocked(mode authority.Mode) {
	if mode.Tracking() && !c.lastEffective.Tracking() {
		debug.Verbose("entering %s: resetting PIDs", mode)
		c.yaw.Reset()
		c.pitch.Reset()
	}
	c.lastEffective = mode
}

// send forwards out unless a newer output already went out.
func (c *Controller) send(out motion.ControlOutput) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sendLocked(out)
}

func (c *Controller) sendLocked(out motion.ControlOutput) error {
	if c.sendClosed {
		c.dropped.Add(1)
		debug.Verbose("dropping output seq %d after shutdown", out.Sequence)
		return nil
	}
	if out.Sequence <= c.lastSentSeq {
		c.dropped.Add(1)
		debug.Verbose("dropping output seq %d (already sent %d)", out.Sequence, c.lastSentSeq)
		return nil
	}
	c.lastSentSeq = out.Sequence

	if err := c.transport.Send(out); err != nil {
		c.sendFailures.Add(1)
		debug.Live("send seq %d failed: %v", out.Sequence, err)
		return err
	}
	debug.Trace("sent seq %d yaw=%.3f pitch=%.3f (%s)", out.Sequence, out.YawRate, out.PitchRate, out.Reason)
	return nil
}

// Stop cancels background goroutines, waits for them up to the shutdown
// timeout, sends a final neutral output and disconnects the transport. The
// cycle lock is held from the final neutral until the transport is
// disconnected, and later cycles return the final neutral without sending,
// so the shutdown neutral is the last command the actuators receive. It is
// safe to call more than once; later calls return the first result.
func (c *Controller) Stop() error {
	c.stopOnce.Do(func() {
		c.runMu.Lock()
		cancel := c.cancel
		c.running = false
		c.runMu.Unlock()

		if cancel != nil {
			cancel()
			done := make(chan struct{})
			go func() {
				c.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(c.cfg.ShutdownTimeout):
				log.Printf("turret: background goroutines did not exit within %s", c.cfg.ShutdownTimeout)
			}
		}

		c.cycleMu.Lock()
		defer c.cycleMu.Unlock()
		c.stopped = true

		final, sendErr := c.sup.ForceNeutralSend(motion.ReasonShutdown, c.sendFinal)
		c.final = final
		if sendErr != nil {
			log.Printf("turret: FINAL NEUTRAL NOT DELIVERED: %v", sendErr)
		} else {
			debug.Info("final neutral sent (seq %d)", final.Sequence)
		}

		discErr := c.transport.Disconnect()
		if discErr != nil {
			log.Printf("turret: disconnect %s transport: %v", c.transport.Kind(), discErr)
		}
		c.stopErr = errors.Join(sendErr, discErr)
	})
	return c.stopErr
}

// sendFinal sends the shutdown neutral and closes the send path behind it.
func (c *Controller) sendFinal(out motion.ControlOutput) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	err := c.sendLocked(out)
	c.sendClosed = true
	return err
}

// Running reports whether Start succeeded and Stop was not called.
func (c *Controller) Running() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}
