package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/cjeanneret/trackhead/internal/debug"
	"github.com/cjeanneret/trackhead/internal/logic/motion"
	"github.com/cjeanneret/trackhead/internal/timeutil"
)

// PortOptions describes the serial line parameters.
type PortOptions struct {
	BaudRate int    `yaml:"baud_rate" json:"baud_rate"`
	DataBits int    `yaml:"data_bits" json:"data_bits"`
	StopBits int    `yaml:"stop_bits" json:"stop_bits"`
	Parity   string `yaml:"parity" json:"parity"`
}

// Normalize validates the options and applies defaults (115200 8N1).
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// Port is the part of serial.Port the transport uses.
type Port interface {
	io.Writer
	Close() error
}

// Opener opens a serial port. Tests substitute a fake.
type Opener func(path string, mode *serial.Mode) (Port, error)

// OpenSerialPort is the Opener backed by go.bug.st/serial.
func OpenSerialPort(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// SerialConfig configures the Serial transport.
type SerialConfig struct {
	Path              string
	Options           PortOptions
	SendTimeout       time.Duration
	ReconnectInterval time.Duration
}

// Serial writes framed outputs over a UART. A failed or timed-out write
// closes the port; later sends reopen it, at most once per
// ReconnectInterval.
type Serial struct {
	cfg    SerialConfig
	mode   *serial.Mode
	open   Opener
	clock  timeutil.Clock
	health *healthTracker

	mu          sync.Mutex
	port        Port
	wanted      bool // Connect called and Disconnect not yet
	lastAttempt time.Time
}

// NewSerial validates cfg. A nil opener means OpenSerialPort.
func NewSerial(cfg SerialConfig, open Opener, clock timeutil.Clock) (*Serial, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("%w: serial port path is required", ErrInvalidConfig)
	}
	mode, err := cfg.Options.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.SendTimeout <= 0 {
		return nil, fmt.Errorf("%w: serial send timeout must be > 0", ErrInvalidConfig)
	}
	if open == nil {
		open = OpenSerialPort
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Serial{cfg: cfg, mode: mode, open: open, clock: clock, health: newHealthTracker()}, nil
}

func (s *Serial) Kind() Kind { return KindSerial }

// Connect opens the port. Unlike the lazy reopen in Send, a failure here is
// returned so misconfiguration stops startup.
func (s *Serial) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return opError(KindSerial, "connect", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wanted = true
	if s.port != nil {
		return nil
	}
	if err := s.openLocked(); err != nil {
		return opError(KindSerial, "connect", err)
	}
	return nil
}

func (s *Serial) openLocked() error {
	s.lastAttempt = s.clock.Now()
	port, err := s.open(s.cfg.Path, s.mode)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Path, err)
	}
	s.port = port
	s.health.connected()
	debug.Info("serial transport: opened %s at %d baud", s.cfg.Path, s.mode.BaudRate)
	return nil
}

func (s *Serial) Send(out motion.ControlOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		if !s.wanted || s.clock.Now().Sub(s.lastAttempt) < s.cfg.ReconnectInterval {
			return s.failLocked(ErrNotConnected)
		}
		if err := s.openLocked(); err != nil {
			return s.failLocked(err)
		}
	}

	frame := EncodeFrame(out)
	debug.Trace("serial frame % x", frame)

	port := s.port
	done := make(chan error, 1)
	go func() { done <- writeFull(port, frame) }()

	select {
	case err := <-done:
		if err != nil {
			s.dropLocked()
			return s.failLocked(err)
		}
	case <-time.After(s.cfg.SendTimeout):
		// closing unblocks the pending write
		s.dropLocked()
		return s.failLocked(ErrSendTimeout)
	}

	s.health.success(s.clock.Now())
	return nil
}

func (s *Serial) failLocked(err error) error {
	wrapped := opError(KindSerial, "send", err)
	s.health.failure(wrapped)
	debug.Live("%v", wrapped)
	return wrapped
}

func (s *Serial) dropLocked() {
	if s.port == nil {
		return
	}
	if err := s.port.Close(); err != nil {
		debug.Verbose("serial close after failure: %v", err)
	}
	s.port = nil
}

func (s *Serial) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wanted = false
	if s.port == nil {
		s.health.disconnected()
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.health.disconnected()
	if err != nil {
		return opError(KindSerial, "disconnect", err)
	}
	return nil
}

func (s *Serial) Health() Health { return s.health.snapshot() }

// writeFull writes all of b, retrying after short writes.
func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
