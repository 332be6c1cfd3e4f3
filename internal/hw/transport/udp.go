package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/cjeanneret/trackhead/internal/debug"
	"github.com/cjeanneret/trackhead/internal/logic/motion"
	"github.com/cjeanneret/trackhead/internal/timeutil"
)

// WifiUDP sends one JSON datagram per output to a fixed host:port. It never
// retries: the next cycle supersedes a lost packet.
type WifiUDP struct {
	addr        string
	sendTimeout time.Duration
	clock       timeutil.Clock
	health      *healthTracker

	mu   sync.Mutex
	conn *net.UDPConn
}

// ParseUDPURL validates a "udp://host:port" URL and returns host:port.
func ParseUDPURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: parse %q: %v", ErrInvalidConfig, raw, err)
	}
	if u.Scheme != "udp" {
		return "", fmt.Errorf("%w: url %q must use the udp scheme", ErrInvalidConfig, raw)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return "", fmt.Errorf("%w: url %q needs host and port", ErrInvalidConfig, raw)
	}
	return u.Host, nil
}

// NewWifiUDP validates rawURL ("udp://host:port").
func NewWifiUDP(rawURL string, sendTimeout time.Duration, clock timeutil.Clock) (*WifiUDP, error) {
	addr, err := ParseUDPURL(rawURL)
	if err != nil {
		return nil, err
	}
	if sendTimeout <= 0 {
		return nil, fmt.Errorf("%w: udp send timeout must be > 0", ErrInvalidConfig)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &WifiUDP{addr: addr, sendTimeout: sendTimeout, clock: clock, health: newHealthTracker()}, nil
}

func (u *WifiUDP) Kind() Kind { return KindWifiUDP }

func (u *WifiUDP) Connect(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		return nil
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", u.addr)
	if err != nil {
		return opError(KindWifiUDP, "connect", err)
	}
	u.conn = c.(*net.UDPConn)
	u.health.connected()
	debug.Info("wifi_udp transport: sending to %s", u.addr)
	return nil
}

func (u *WifiUDP) Send(out motion.ControlOutput) error {
	payload, err := EncodeDatagram(out)
	if err != nil {
		return u.fail(err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return u.fail(ErrNotConnected)
	}
	if err := u.conn.SetWriteDeadline(time.Now().Add(u.sendTimeout)); err != nil {
		return u.fail(err)
	}
	if _, err := u.conn.Write(payload); err != nil {
		return u.fail(err)
	}
	u.health.success(u.clock.Now())
	debug.Trace("udp datagram %s", payload)
	return nil
}

func (u *WifiUDP) fail(err error) error {
	wrapped := opError(KindWifiUDP, "send", err)
	u.health.failure(wrapped)
	debug.Live("%v", wrapped)
	return wrapped
}

func (u *WifiUDP) Disconnect() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.health.disconnected()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	if err != nil {
		return opError(KindWifiUDP, "disconnect", err)
	}
	return nil
}

func (u *WifiUDP) Health() Health { return u.health.snapshot() }

// Addr returns the destination host:port.
func (u *WifiUDP) Addr() string { return u.addr }
