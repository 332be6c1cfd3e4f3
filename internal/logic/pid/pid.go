// Package pid implements the single-axis PID compute unit used by the
// tracking loop. It performs no I/O and never clamps its output: bounding
// motion intent is the supervisor's job.
package pid

import "math"

// Gains holds the tuning of one axis. IntegralLimit bounds the magnitude of
// the integral accumulator (anti-windup); 0 disables the bound.
type Gains struct {
	Kp            float64
	Ki            float64
	Kd            float64
	IntegralLimit float64
}

// Controller is a stateful PID for one axis.
//
// Not safe for concurrent use; the turret controller serializes cycles.
type Controller struct {
	gains Gains

	integral   float64
	prevError  float64
	prevOutput float64
	havePrev   bool
}

// New creates a controller with zeroed state.
func New(g Gains) *Controller {
	return &Controller{gains: g}
}

// Update advances the controller by dt seconds with the given error and
// returns kp*e + ki*integral + kd*derivative.
//
// A non-positive or non-finite dt, or a non-finite error, leaves the state
// untouched and returns the previous output. The derivative term is zero on
// the first sample after New or Reset so that acquiring a target does not
// produce a derivative kick.
func (c *Controller) Update(err, dt float64) float64 {
	if dt <= 0 || math.IsNaN(dt) || math.IsInf(dt, 0) || math.IsNaN(err) || math.IsInf(err, 0) {
		return c.prevOutput
	}

	c.integral += err * dt
	if lim := c.gains.IntegralLimit; lim > 0 {
		c.integral = math.Max(-lim, math.Min(lim, c.integral))
	}

	derivative := 0.0
	if c.havePrev {
		derivative = (err - c.prevError) / dt
	}
	c.prevError = err
	c.havePrev = true

	out := c.gains.Kp*err + c.gains.Ki*c.integral + c.gains.Kd*derivative
	c.prevOutput = out
	return out
}

// Reset zeroes the integral, the previous error and the previous output.
// Call it when tracking (re)starts so a stale integral cannot kick the axis.
func (c *Controller) Reset() {
	c.integral = 0
	c.prevError = 0
	c.prevOutput = 0
	c.havePrev = false
}

// Integral returns the current accumulator value.
func (c *Controller) Integral() float64 { return c.integral }

// Gains returns the configured gains.
func (c *Controller) Gains() Gains { return c.gains }
