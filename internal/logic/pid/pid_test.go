package pid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdate_ProportionalOnly(t *testing.T) {
	c := New(Gains{Kp: 2})
	assert.InDelta(t, 1.0, c.Update(0.5, 0.1), 1e-12)
	assert.InDelta(t, -0.4, c.Update(-0.2, 0.1), 1e-12)
}

func TestUpdate_ZeroErrorGivesZero(t *testing.T) {
	c := New(Gains{Kp: 3, Ki: 1, Kd: 0.5})
	for i := 0; i < 5; i++ {
		assert.Equal(t, 0.0, c.Update(0, 1.0/30))
	}
}

func TestUpdate_IntegralAndDerivative(t *testing.T) {
	c := New(Gains{Kp: 1, Ki: 0.5, Kd: 0.1})

	// first sample: no derivative, integral = 0.4*0.1
	got := c.Update(0.4, 0.1)
	assert.InDelta(t, 0.4+0.5*0.04, got, 1e-12)

	// second sample: integral += 0.2*0.1, derivative = (0.2-0.4)/0.1
	got = c.Update(0.2, 0.1)
	want := 0.2 + 0.5*(0.04+0.02) + 0.1*(-2.0)
	assert.InDelta(t, want, got, 1e-12)
}

func TestUpdate_NonPositiveDtReturnsPrevious(t *testing.T) {
	c := New(Gains{Kp: 1, Ki: 1, Kd: 1})
	first := c.Update(0.3, 0.05)
	integral := c.Integral()

	for _, dt := range []float64{0, -0.01, math.NaN(), math.Inf(1)} {
		got := c.Update(0.9, dt)
		assert.Equal(t, first, got, "dt=%v", dt)
		assert.Equal(t, integral, c.Integral(), "state must not change for dt=%v", dt)
	}
}

func TestUpdate_NonFiniteErrorReturnsPrevious(t *testing.T) {
	c := New(Gains{Kp: 1})
	first := c.Update(0.25, 0.1)
	assert.Equal(t, first, c.Update(math.NaN(), 0.1))
	assert.Equal(t, first, c.Update(math.Inf(-1), 0.1))
}

func TestUpdate_IntegralClamp(t *testing.T) {
	c := New(Gains{Ki: 1, IntegralLimit: 0.2})
	for i := 0; i < 100; i++ {
		c.Update(1, 0.1)
	}
	assert.InDelta(t, 0.2, c.Integral(), 1e-12)

	for i := 0; i < 100; i++ {
		c.Update(-1, 0.1)
	}
	assert.InDelta(t, -0.2, c.Integral(), 1e-12)
}

func TestReset_ClearsState(t *testing.T) {
	c := New(Gains{Kp: 1, Ki: 1, Kd: 1})
	c.Update(0.8, 0.1)
	c.Update(0.6, 0.1)

	c.Reset()
	assert.Equal(t, 0.0, c.Integral())
	// zero error after reset: no stale integral, no derivative kick
	assert.Equal(t, 0.0, c.Update(0, 0.1))
	// dt<=0 after reset returns the reset output
	c.Reset()
	assert.Equal(t, 0.0, c.Update(0.5, 0))
}

func TestUpdate_Deterministic(t *testing.T) {
	g := Gains{Kp: 1.3, Ki: 0.7, Kd: 0.05, IntegralLimit: 0.5}
	errs := []float64{0.9, 0.7, 0.4, -0.1, -0.3, 0.05, 0.0, 0.2}
	dts := []float64{0.033, 0.034, 0.033, 0.05, 0.02, 0, 0.033, 0.04}

	a, b := New(g), New(g)
	for i := range errs {
		assert.Equal(t, a.Update(errs[i], dts[i]), b.Update(errs[i], dts[i]), "step %d", i)
	}
}
