package gpio

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/trackhead/internal/debug"
	"github.com/cjeanneret/trackhead/internal/timeutil"
)

// Button polls a digital input and calls OnHeld on every poll while the
// input is at its active level. The turret uses it as a physical override
// button: each call re-arms the override latch.
type Button struct {
	driver    Driver
	pin       int
	activeLow bool
	poll      time.Duration
	clock     timeutil.Clock
	onHeld    func()
}

// NewButton configures pin as an input pulled to its released level.
// onHeld must not block.
func NewButton(driver Driver, pin int, activeLow bool, poll time.Duration, clock timeutil.Clock, onHeld func()) (*Button, error) {
	if pin < 0 {
		return nil, fmt.Errorf("invalid button pin %d", pin)
	}
	if poll <= 0 {
		return nil, fmt.Errorf("button poll interval must be > 0")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	mode := InputPullDown
	if activeLow {
		mode = InputPullUp
	}
	if err := driver.SetupPin(pin, mode); err != nil {
		return nil, fmt.Errorf("setup button pin %d: %w", pin, err)
	}
	return &Button{
		driver:    driver,
		pin:       pin,
		activeLow: activeLow,
		poll:      poll,
		clock:     clock,
		onHeld:    onHeld,
	}, nil
}

// Pressed reads the pin once.
func (b *Button) Pressed() (bool, error) {
	level, err := b.driver.ReadPin(b.pin)
	if err != nil {
		return false, err
	}
	if b.activeLow {
		return level == Low, nil
	}
	return level == High, nil
}

// Run polls until ctx is done. Read errors are logged and the poll goes on.
func (b *Button) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.poll)
	defer ticker.Stop()

	held := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			pressed, err := b.Pressed()
			if err != nil {
				debug.Live("override button pin %d: %v", b.pin, err)
				continue
			}
			if pressed != held {
				debug.Verbose("override button pin %d pressed=%v", b.pin, pressed)
				held = pressed
			}
			if pressed && b.onHeld != nil {
				b.onHeld()
			}
		}
	}
}
