// Package feed receives target locks from the external tracking pipeline
// as JSON datagrams and hands each one to the control loop.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/trackhead/internal/debug"
	"github.com/cjeanneret/trackhead/internal/logic/motion"
)

// Message is one datagram. Lock=false (or an absent lock field) reports
// that the tracker has no target in this frame.
type Message struct {
	Lock        bool    `json:"lock"`
	X           int     `json:"x"`
	Y           int     `json:"y"`
	LeadX       *int    `json:"lead_x,omitempty"`
	LeadY       *int    `json:"lead_y,omitempty"`
	Confidence  float64 `json:"confidence"`
	FrameWidth  int     `json:"frame_width"`
	FrameHeight int     `json:"frame_height"`
	TrackID     int     `json:"track_id"`
	TsMs        int64   `json:"ts_ms,omitempty"` // detection time, unix ms; 0 = on receipt
}

// Decode parses and checks a datagram.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode target message: %w", err)
	}
	if m.FrameWidth <= 0 || m.FrameHeight <= 0 {
		return Message{}, fmt.Errorf("invalid frame size %dx%d", m.FrameWidth, m.FrameHeight)
	}
	if (m.LeadX == nil) != (m.LeadY == nil) {
		return Message{}, errors.New("lead_x and lead_y must be set together")
	}
	return m, nil
}

// TargetLock converts the message, or returns nil when there is no lock.
func (m Message) TargetLock() *motion.TargetLock {
	if !m.Lock {
		return nil
	}
	lock := &motion.TargetLock{
		Center:     image.Pt(m.X, m.Y),
		Confidence: m.Confidence,
		TrackID:    m.TrackID,
	}
	if m.LeadX != nil && m.LeadY != nil {
		lead := image.Pt(*m.LeadX, *m.LeadY)
		lock.Lead = &lead
	}
	if m.TsMs > 0 {
		lock.DetectedAt = time.UnixMilli(m.TsMs)
	}
	return lock
}

// Handler consumes one frame's lock; lock is nil when there is no target.
type Handler func(lock *motion.TargetLock, frameWidth, frameHeight int)

// Stats counts datagrams.
type Stats struct {
	Received uint64 `json:"received"`
	Rejected uint64 `json:"rejected"`
}

// Listener reads datagrams from a UDP socket.
type Listener struct {
	address    string
	readBuffer int
	handle     Handler

	conn     *net.UDPConn
	received atomic.Uint64
	rejected atomic.Uint64
}

// NewListener returns a listener for address (e.g. ":5600").
func NewListener(address string, readBuffer int, handle Handler) *Listener {
	if readBuffer <= 0 {
		readBuffer = 2048
	}
	return &Listener{address: address, readBuffer: readBuffer, handle: handle}
}

// Listen binds the socket. Serve must be called afterwards.
func (l *Listener) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("resolve feed address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on feed address: %w", err)
	}
	l.conn = conn
	debug.Info("target feed listening on %s", conn.LocalAddr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Serve processes datagrams until ctx is cancelled, then closes the socket.
func (l *Listener) Serve(ctx context.Context) error {
	if l.conn == nil {
		return errors.New("feed: Serve called before Listen")
	}
	defer l.conn.Close()

	buf := make([]byte, l.readBuffer)
	for {
		if ctx.Err() != nil {
			return nil
		}
		// short deadline so cancellation is noticed
		l.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("feed: read error: %v", err)
			continue
		}

		msg, err := Decode(buf[:n])
		if err != nil {
			l.rejected.Add(1)
			debug.Live("feed: dropping datagram from %v: %v", from, err)
			continue
		}
		l.received.Add(1)
		l.handle(msg.TargetLock(), msg.FrameWidth, msg.FrameHeight)
	}
}

// Stats returns the datagram counters.
func (l *Listener) Stats() Stats {
	return Stats{Received: l.received.Load(), Rejected: l.rejected.Load()}
}
