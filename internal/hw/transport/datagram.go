package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cjeanneret/trackhead/internal/logic/motion"
)

// Datagram is the WifiUdp wire format: one flat JSON object per packet.
// Receivers ignore unknown fields and default missing ones to zero.
type Datagram struct {
	YawRate   float64 `json:"yaw_rate"`
	PitchRate float64 `json:"pitch_rate"`
	Seq       uint64  `json:"seq,omitempty"`
	TsMs      int64   `json:"ts_ms,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// EncodeDatagram marshals out for the wire.
func EncodeDatagram(out motion.ControlOutput) ([]byte, error) {
	d := Datagram{
		YawRate:   out.YawRate,
		PitchRate: out.PitchRate,
		Seq:       out.Sequence,
		Reason:    string(out.Reason),
	}
	if !out.Timestamp.IsZero() {
		d.TsMs = out.Timestamp.UnixMilli()
	}
	return json.Marshal(d)
}

// DecodeDatagram parses a datagram. Rates are sanitized and clamped to
// [-1, 1] because the sender is not trusted.
func DecodeDatagram(b []byte) (Datagram, error) {
	var d Datagram
	if err := json.Unmarshal(b, &d); err != nil {
		return Datagram{}, fmt.Errorf("decode datagram: %w", err)
	}
	r := motion.Rates{Yaw: d.YawRate, Pitch: d.PitchRate}.Sanitize()
	d.YawRate = motion.Clamp(r.Yaw, 1)
	d.PitchRate = motion.Clamp(r.Pitch, 1)
	return d, nil
}

// Rates returns the yaw/pitch pair.
func (d Datagram) Rates() motion.Rates {
	return motion.Rates{Yaw: d.YawRate, Pitch: d.PitchRate}
}

// Timestamp returns the sender timestamp, or the zero time when absent.
func (d Datagram) Timestamp() time.Time {
	if d.TsMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(d.TsMs)
}
