package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/cjeanneret/trackhead/internal/debug"
	"github.com/cjeanneret/trackhead/internal/hw/gpio"
)

// Enabled wraps a transport with an actuator enable output: the pin is
// driven active once the transport connects and inactive before it
// disconnects, so the motor drivers are only powered while a command path
// exists.
type Enabled struct {
	Transport
	driver    gpio.Driver
	pin       int
	activeLow bool
}

// WithEnablePin configures pin as an output, drives it inactive and wraps t.
func WithEnablePin(t Transport, driver gpio.Driver, pin int, activeLow bool) (*Enabled, error) {
	if pin < 0 {
		return nil, fmt.Errorf("%w: invalid enable pin %d", ErrInvalidConfig, pin)
	}
	e := &Enabled{Transport: t, driver: driver, pin: pin, activeLow: activeLow}
	if err := driver.SetupPin(pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("setup enable pin %d: %w", pin, err)
	}
	if err := e.drive(false); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Enabled) Connect(ctx context.Context) error {
	if err := e.Transport.Connect(ctx); err != nil {
		return err
	}
	if err := e.drive(true); err != nil {
		return opError(e.Kind(), "connect", err)
	}
	debug.Verbose("actuator enable pin %d active", e.pin)
	return nil
}

func (e *Enabled) Disconnect() error {
	pinErr := e.drive(false)
	err := e.Transport.Disconnect()
	if pinErr != nil {
		err = errors.Join(err, opError(e.Kind(), "disconnect", pinErr))
	}
	return err
}

func (e *Enabled) drive(active bool) error {
	level := gpio.Level(active != e.activeLow)
	if err := e.driver.WritePin(e.pin, level); err != nil {
		return fmt.Errorf("enable pin %d: %w", e.pin, err)
	}
	return nil
}
