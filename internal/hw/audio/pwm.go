// Package audio turns yaw/pitch rates into a stereo servo-PWM square wave
// that can drive RC servos through a headphone jack.
//
// Timing follows standard RC servo PWM: a 50 Hz frame, a pulse between
// 1000µs (rate -1) and 2000µs (rate +1), left channel yaw, right channel
// pitch, levels at full scale.
package audio

import (
	"fmt"
	"math"
)

const (
	FrameHz     = 50
	MinPulseUs  = 1000
	MaxPulseUs  = 2000
	DefaultRate = 48000
)

// PulseTiming holds the pulse bounds and frame length in samples for one
// sample rate.
type PulseTiming struct {
	SampleRate int
	MinPulse   int // samples for 1000µs
	MaxPulse   int // samples for 2000µs
	Period     int // samples per 50 Hz frame
}

// NewPulseTiming computes timing for sampleRate, which must be a positive
// multiple of 50 so the frame length is a whole number of samples.
func NewPulseTiming(sampleRate int) (PulseTiming, error) {
	if sampleRate <= 0 || sampleRate%FrameHz != 0 {
		return PulseTiming{}, fmt.Errorf("sample rate %d must be a positive multiple of %d", sampleRate, FrameHz)
	}
	return PulseTiming{
		SampleRate: sampleRate,
		MinPulse:   usToSamples(MinPulseUs, sampleRate),
		MaxPulse:   usToSamples(MaxPulseUs, sampleRate),
		Period:     sampleRate / FrameHz,
	}, nil
}

func usToSamples(us, sampleRate int) int {
	return int(math.Round(float64(us) * float64(sampleRate) / 1e6))
}

// PulseSamples maps rate in [-1, 1] to a pulse width in samples:
// MinPulse + (rate+1)/2 * (MaxPulse-MinPulse), rounded to the nearest
// sample. Out of range or non-finite rates are clamped (NaN maps to center).
func (p PulseTiming) PulseSamples(rate float64) int {
	if math.IsNaN(rate) {
		rate = 0
	}
	rate = math.Max(-1, math.Min(1, rate))
	return int(math.Round(float64(p.MinPulse) + (rate+1)/2*float64(p.MaxPulse-p.MinPulse)))
}

// PulseMicros converts a width in samples back to microseconds.
func (p PulseTiming) PulseMicros(samples int) float64 {
	return float64(samples) * 1e6 / float64(p.SampleRate)
}
