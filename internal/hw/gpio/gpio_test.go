package gpio

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/trackhead/internal/timeutil"
)

func TestNewDriver_Mock(t *testing.T) {
	drv, err := NewDriver(true)
	require.NoError(t, err)
	assert.IsType(t, &MockDriver{}, drv)
	require.NoError(t, drv.SetupPin(4, Output))
	require.NoError(t, drv.WritePin(4, High))
	level, err := drv.ReadPin(4)
	require.NoError(t, err)
	assert.Equal(t, High, level, "outputs read back their last write")
	assert.NoError(t, drv.Close())
}

func TestButton_Pressed(t *testing.T) {
	tests := []struct {
		name      string
		activeLow bool
		level     Level
		want      bool
	}{
		{"active high pressed", false, High, true},
		{"active high released", false, Low, false},
		{"active low pressed", true, Low, true},
		{"active low released", true, High, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewMockDriver()
			rec.SetInput(17, tt.level)
			b, err := NewButton(rec, 17, tt.activeLow, 10*time.Millisecond, nil, nil)
			require.NoError(t, err)
			got, err := b.Pressed()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestButton_MockDriverIdlesReleased(t *testing.T) {
	for _, activeLow := range []bool{true, false} {
		drv, err := NewDriver(true)
		require.NoError(t, err)
		b, err := NewButton(drv, 17, activeLow, 20*time.Millisecond, nil, nil)
		require.NoError(t, err)
		pressed, err := b.Pressed()
		require.NoError(t, err)
		assert.False(t, pressed, "activeLow=%v", activeLow)
	}
}

func TestButton_MockDriverPressActiveLow(t *testing.T) {
	drv := NewMockDriver()
	b, err := NewButton(drv, 17, true, 20*time.Millisecond, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []Call{{Op: "setup", Pin: 17, Mode: InputPullUp}}, drv.Calls())

	drv.SetInput(17, Low)
	pressed, err := b.Pressed()
	require.NoError(t, err)
	assert.True(t, pressed)
}

func TestNewButton_Invalid(t *testing.T) {
	_, err := NewButton(NewMockDriver(), -1, false, time.Millisecond, nil, nil)
	assert.Error(t, err)
	_, err = NewButton(NewMockDriver(), 17, false, 0, nil, nil)
	assert.Error(t, err)
}

func TestButton_RunCallsWhileHeld(t *testing.T) {
	rec := NewMockDriver()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	var presses atomic.Int32
	b, err := NewButton(rec, 17, false, 10*time.Millisecond, clock, func() { presses.Add(1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	readsBefore := func() int {
		n := 0
		for _, c := range rec.Calls() {
			if c.Op == "read" {
				n++
			}
		}
		return n
	}
	tick := func() {
		want := readsBefore() + 1
		require.Eventually(t, func() bool {
			clock.Advance(10 * time.Millisecond)
			return readsBefore() >= want
		}, time.Second, time.Millisecond)
	}

	tick()
	assert.Equal(t, int32(0), presses.Load())

	rec.SetInput(17, High)
	tick()
	tick()
	require.Eventually(t, func() bool { return presses.Load() >= 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
