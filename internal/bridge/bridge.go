// Package bridge relays WifiUdp control datagrams onto another transport
// (normally AudioPwm) and forces neutral when the sender goes quiet.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cjeanneret/trackhead/internal/debug"
	"github.com/cjeanneret/trackhead/internal/hw/transport"
	"github.com/cjeanneret/trackhead/internal/logic/motion"
	"github.com/cjeanneret/trackhead/internal/timeutil"
)

// ReasonRelay tags outputs whose datagram carried no reason.
const ReasonRelay motion.Reason = "relay"

// State is shared by the receive loop and the watchdog.
type State struct {
	mu         sync.Mutex
	last       motion.ControlOutput
	lastRx     time.Time
	lastSeq    uint64
	timedOut   bool
	received   uint64
	rejected   uint64
	outOfOrder uint64
	sendErrors uint64
}

// Snapshot is a copy of State for reporting.
type Snapshot struct {
	Last       motion.ControlOutput `json:"last"`
	LastRx     time.Time            `json:"last_rx"`
	TimedOut   bool                 `json:"timed_out"`
	Received   uint64               `json:"received"`
	Rejected   uint64               `json:"rejected"`
	OutOfOrder uint64               `json:"out_of_order"`
	SendErrors uint64               `json:"send_errors"`
}

// Bridge owns the output transport. Sends are serialized by the state lock.
type Bridge struct {
	out     transport.Transport
	clock   timeutil.Clock
	timeout time.Duration
	state   State
	conn    *net.UDPConn
	seq     uint64 // local sequence for outputs the bridge originates
}

// New returns a bridge writing to out.
func New(out transport.Transport, timeout time.Duration, clock timeutil.Clock) (*Bridge, error) {
	if out == nil {
		return nil, errors.New("bridge: output transport is required")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("bridge: timeout must be > 0, got %s", timeout)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	b := &Bridge{out: out, clock: clock, timeout: timeout}
	b.state.timedOut = true
	return b, nil
}

// Start connects the output and sends neutral.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.out.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s output: %w", b.out.Kind(), err)
	}
	b.state.mu.Lock()
	defer b.state.mu.Unlock()
	return b.sendNeutralLocked(motion.ReasonInitial)
}

// Handle decodes one datagram and forwards it. Datagrams with a sequence
// number not above the last one are dropped, except after a timeout, which
// is taken as a sender restart.
func (b *Bridge) Handle(payload []byte) error {
	d, err := transport.DecodeDatagram(payload)
	b.state.mu.Lock()
	defer b.state.mu.Unlock()
	if err != nil {
		b.state.rejected++
		return err
	}
	if d.Seq != 0 && d.Seq <= b.state.lastSeq && !b.state.timedOut {
		b.state.outOfOrder++
		return fmt.Errorf("datagram seq %d not after %d", d.Seq, b.state.lastSeq)
	}

	now := b.clock.Now()
	reason := motion.Reason(d.Reason)
	if reason == "" {
		reason = ReasonRelay
	}
	out := motion.ControlOutput{
		YawRate:   d.YawRate,
		PitchRate: d.PitchRate,
		Sequence:  d.Seq,
		Timestamp: now,
		Reason:    reason,
	}
	b.state.received++
	b.state.lastRx = now
	b.state.lastSeq = d.Seq
	if b.state.timedOut {
		debug.Info("bridge: sender active again")
	}
	b.state.timedOut = false
	return b.sendLocked(out)
}

// Check forces neutral once per silent period longer than the timeout and
// reports whether it did.
func (b *Bridge) Check() bool {
	b.state.mu.Lock()
	defer b.state.mu.Unlock()
	if b.state.timedOut || b.clock.Now().Sub(b.state.lastRx) <= b.timeout {
		return false
	}
	b.state.timedOut = true
	debug.Info("bridge: no datagram for %s, forcing neutral", b.timeout)
	b.sendNeutralLocked(motion.ReasonWatchdog)
	return true
}

// Watch runs Check periodically until ctx is cancelled.
func (b *Bridge) Watch(ctx context.Context) {
	period := b.timeout / 5
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := b.clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			b.Check()
		}
	}
}

func (b *Bridge) sendNeutralLocked(reason motion.Reason) error {
	b.seq++
	return b.sendLocked(motion.Neutral(b.seq, b.clock.Now(), reason))
}

func (b *Bridge) sendLocked(out motion.ControlOutput) error {
	b.state.last = out
	if err := b.out.Send(out); err != nil {
		b.state.sendErrors++
		debug.Live("bridge: send failed: %v", err)
		return err
	}
	debug.Output(out.YawRate, out.PitchRate, out.Sequence, string(out.Reason))
	return nil
}

// Listen binds the UDP socket on address.
func (b *Bridge) Listen(address string) error {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("resolve bridge address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on bridge address: %w", err)
	}
	b.conn = conn
	debug.Info("bridge listening on %s, relaying to %s", conn.LocalAddr(), b.out.Kind())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (b *Bridge) Addr() net.Addr {
	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr()
}

// Serve relays datagrams and runs the watchdog until ctx is cancelled.
func (b *Bridge) Serve(ctx context.Context) error {
	if b.conn == nil {
		return errors.New("bridge: Serve called before Listen")
	}
	defer b.conn.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Watch(ctx)
	}()
	defer wg.Wait()

	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return nil
		}
		b.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("bridge: read error: %v", err)
			continue
		}
		if err := b.Handle(buf[:n]); err != nil {
			debug.Live("bridge: datagram from %v: %v", from, err)
		}
	}
}

// Stop sends a final neutral and disconnects the output.
func (b *Bridge) Stop() error {
	b.state.mu.Lock()
	sendErr := b.sendNeutralLocked(motion.ReasonShutdown)
	b.state.mu.Unlock()
	if sendErr != nil {
		log.Printf("bridge: FINAL NEUTRAL NOT DELIVERED: %v", sendErr)
	}
	return errors.Join(sendErr, b.out.Disconnect())
}

// Snapshot returns a copy of the shared state.
func (b *Bridge) Snapshot() Snapshot {
	b.state.mu.Lock()
	defer b.state.mu.Unlock()
	return Snapshot{
		Last:       b.state.last,
		LastRx:     b.state.lastRx,
		TimedOut:   b.state.timedOut,
		Received:   b.state.received,
		Rejected:   b.state.rejected,
		OutOfOrder: b.state.outOfOrder,
		SendErrors: b.state.sendErrors,
	}
}
