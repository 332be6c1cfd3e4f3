package gpio

import (
	"sync"

	"github.com/cjeanneret/trackhead/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is an input (optionally pulled) or an output.
type PinMode int

const (
	Input PinMode = iota
	Output
	InputPullUp   // idles High; for buttons that pull the line to ground
	InputPullDown // idles Low
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// Call is one recorded driver call.
type Call struct {
	Op    string // "setup", "write", "read"
	Pin   int
	Mode  PinMode
	Level Level
}

// MockDriver simulates the pins for development on PC and for tests. Each
// pin holds a level: pulled inputs start at their idle level, writes set
// the level, and SetInput stands in for external hardware. Every call is
// recorded. It is safe for concurrent use, so it can sit behind a polling
// goroutine.
type MockDriver struct {
	mu     sync.Mutex
	calls  []Call
	levels map[int]Level
	closed bool
}

// NewMockDriver returns a mock with no pins configured.
func NewMockDriver() *MockDriver {
	return &MockDriver{levels: make(map[int]Level)}
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	return NewRPiRealDriver()
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "setup", Pin: pin, Mode: mode})
	if _, set := m.levels[pin]; !set {
		m.levels[pin] = mode == InputPullUp
	}
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Op: "write", Pin: pin, Level: level})
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	level := m.levels[pin]
	m.calls = append(m.calls, Call{Op: "read", Pin: pin, Level: level})
	debug.GPIO("ReadPin", pin, level)
	return level, nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SetInput drives pin to level, as a pressed button or external line would.
func (m *MockDriver) SetInput(pin int, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[pin] = level
}

// Writes returns the recorded writes to pin, in order.
func (m *MockDriver) Writes(pin int) []Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	var levels []Level
	for _, c := range m.calls {
		if c.Op == "write" && c.Pin == pin {
			levels = append(levels, c.Level)
		}
	}
	return levels
}

// Calls returns a copy of every recorded call.
func (m *MockDriver) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Closed reports whether Close was called.
func (m *MockDriver) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
