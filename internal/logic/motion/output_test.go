package motion

import (
	"image"
	"math"
	"testing"
	"time"
)

func TestReason_Automatic(t *testing.T) {
	cases := []struct {
		r    Reason
		want bool
	}{
		{ReasonAutoTrack, true},
		{ReasonAssisted, true},
		{ReasonNoTarget, true},
		{ReasonManual, false},
		{ReasonManualOverride, false},
		{ReasonWatchdog, false},
		{ReasonShutdown, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.r), func(t *testing.T) {
			if got := tc.r.Automatic(); got != tc.want {
				t.Errorf("Automatic() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClamp(t *testing.T) {
	if Clamp(2, 1) != 1 || Clamp(-2, 1) != -1 || Clamp(0.3, 1) != 0.3 {
		t.Error("Clamp returned an unexpected value")
	}
}

func TestRates_Sanitize(t *testing.T) {
	r := Rates{Yaw: math.NaN(), Pitch: math.Inf(-1)}.Sanitize()
	if !r.IsZero() {
		t.Errorf("Sanitize() = %+v, want zero", r)
	}
	r = Rates{Yaw: 0.2, Pitch: -0.4}.Sanitize()
	if r.Yaw != 0.2 || r.Pitch != -0.4 {
		t.Errorf("finite rates changed: %+v", r)
	}
}

func TestNeutral(t *testing.T) {
	at := time.Unix(10, 0)
	out := Neutral(3, at, ReasonWatchdog)
	if !out.IsNeutral() || out.Sequence != 3 || !out.Timestamp.Equal(at) || out.Reason != ReasonWatchdog {
		t.Errorf("unexpected neutral output %+v", out)
	}
}

func TestTargetLock_Aim(t *testing.T) {
	lead := image.Pt(400, 200)
	lock := TargetLock{Center: image.Pt(320, 240), Lead: &lead}

	if got := lock.Aim(true); got != lead {
		t.Errorf("Aim(true) = %v, want lead %v", got, lead)
	}
	if got := lock.Aim(false); got != lock.Center {
		t.Errorf("Aim(false) = %v, want center %v", got, lock.Center)
	}
	lock.Lead = nil
	if got := lock.Aim(true); got != lock.Center {
		t.Errorf("Aim(true) without lead = %v, want center", got)
	}
}
