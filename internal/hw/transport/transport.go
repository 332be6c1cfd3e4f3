// Package transport delivers approved ControlOutputs to actuators.
//
// Every variant implements Transport. Send failures are returned and
// recorded in Health but never panic: the control loop must outlive any
// single actuator hiccup. Safety decisions are never made here.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/trackhead/internal/logic/motion"
)

// Kind names a transport variant, as used in configuration.
type Kind string

const (
	KindSimulated Kind = "simulated"
	KindSerial    Kind = "serial"
	KindWifiUDP   Kind = "wifi_udp"
	KindAudioPWM  Kind = "audio_pwm"
)

// ParseKind validates a configured transport type.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindSimulated, KindSerial, KindWifiUDP, KindAudioPWM:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown transport type %q", ErrInvalidConfig, s)
}

// Transport sends control outputs to physical or virtual actuators.
type Transport interface {
	Kind() Kind
	// Connect opens the channel. Calling it while connected is a no-op.
	Connect(ctx context.Context) error
	// Send encodes and transmits out within a bounded time.
	Send(out motion.ControlOutput) error
	// Disconnect releases resources. Safe to call more than once.
	Disconnect() error
	Health() Health
}

// Status is the coarse connection state of a transport.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
	StatusError        Status = "error"
)

// errorThreshold is the number of consecutive send failures after which a
// transport reports StatusError instead of StatusDegraded.
const errorThreshold = 3

// Health is a diagnostic snapshot. Callers must not use it to bypass the
// supervisor.
type Health struct {
	Status              Status    `json:"status"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Sent                uint64    `json:"sent"`
	Failed              uint64    `json:"failed"`
}

// healthTracker is embedded by each variant.
type healthTracker struct {
	mu sync.Mutex
	h  Health
}

func newHealthTracker() *healthTracker {
	return &healthTracker{h: Health{Status: StatusDisconnected}}
}

func (t *healthTracker) connected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Status = StatusConnected
	t.h.ConsecutiveFailures = 0
	t.h.LastError = ""
}

func (t *healthTracker) disconnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Status = StatusDisconnected
}

func (t *healthTracker) success(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Status = StatusConnected
	t.h.LastSuccess = at
	t.h.ConsecutiveFailures = 0
	t.h.LastError = ""
	t.h.Sent++
}

func (t *healthTracker) failure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.ConsecutiveFailures++
	t.h.Failed++
	t.h.LastError = err.Error()
	if t.h.ConsecutiveFailures >= errorThreshold {
		t.h.Status = StatusError
	} else {
		t.h.Status = StatusDegraded
	}
}

func (t *healthTracker) snapshot() Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}

var (
	ErrNotConnected  = errors.New("transport not connected")
	ErrSendTimeout   = errors.New("send timed out")
	ErrUnderrun      = errors.New("audio output underrun")
	ErrInvalidConfig = errors.New("invalid transport config")
)

// Error describes a failed transport operation.
type Error struct {
	Kind Kind
	Op   string // "connect", "send", "disconnect"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s transport %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}
