// Package motion holds the value types that flow through one control cycle:
// proposals from the tracking loop, approved outputs from the supervisor,
// and target locks from the external tracking pipeline.
package motion

import (
	"math"
	"time"
)

// Reason tags where an output (or proposal) came from.
type Reason string

const (
	ReasonAutoTrack      Reason = "auto_track"
	ReasonAssisted       Reason = "assisted"
	ReasonNoTarget       Reason = "no_target"
	ReasonManual         Reason = "manual"
	ReasonManualIdle     Reason = "manual_idle"
	ReasonManualOverride Reason = "manual_override"
	ReasonStaleCommand   Reason = "stale_command"
	ReasonWatchdog       Reason = "watchdog_neutral"
	ReasonShutdown       Reason = "shutdown"
	ReasonInitial        Reason = "initial"
)

// Automatic reports whether the reason denotes machine-generated intent,
// i.e. something the override latch must suppress.
func (r Reason) Automatic() bool {
	switch r {
	case ReasonAutoTrack, ReasonAssisted, ReasonNoTarget:
		return true
	}
	return false
}

// Rates is a yaw/pitch pair of normalized rates.
type Rates struct {
	Yaw   float64 `json:"yaw_rate"`
	Pitch float64 `json:"pitch_rate"`
}

// IsZero reports whether both axes are exactly zero.
func (r Rates) IsZero() bool {
	return r.Yaw == 0 && r.Pitch == 0
}

// Sanitize replaces NaN and infinite components with zero.
func (r Rates) Sanitize() Rates {
	return Rates{Yaw: finiteOrZero(r.Yaw), Pitch: finiteOrZero(r.Pitch)}
}

// Proposal is raw motion intent submitted to the supervisor. Nothing in a
// proposal is trusted: it may be out of bounds, stale or suppressed.
type Proposal struct {
	Rates
	Timestamp time.Time
	Source    Reason
}

// ControlOutput is an approved command. It is created once per cycle by the
// supervisor and never mutated afterwards.
type ControlOutput struct {
	YawRate   float64   `json:"yaw_rate"`
	PitchRate float64   `json:"pitch_rate"`
	Sequence  uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Reason    Reason    `json:"reason,omitempty"`
}

// Neutral returns a zero-rate output tagged with reason.
func Neutral(seq uint64, at time.Time, reason Reason) ControlOutput {
	return ControlOutput{Sequence: seq, Timestamp: at, Reason: reason}
}

// IsNeutral reports whether both rates are zero.
func (o ControlOutput) IsNeutral() bool {
	return o.YawRate == 0 && o.PitchRate == 0
}

// Rates returns the yaw/pitch pair of the output.
func (o ControlOutput) Rates() Rates {
	return Rates{Yaw: o.YawRate, Pitch: o.PitchRate}
}

// Clamp limits v to [-limit, limit].
func Clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
