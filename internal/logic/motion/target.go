package motion

import (
	"image"
	"time"
)

// TargetLock is a read-only snapshot supplied by the external tracking
// pipeline once per frame.
type TargetLock struct {
	Center     image.Point  // pixel center of the tracked object
	Lead       *image.Point // predicted future position, if the tracker computed one
	Confidence float64
	DetectedAt time.Time // zero when the tracker does not stamp detections
	TrackID    int
}

// Aim returns the point to steer toward: the lead point when preferLead is
// set and a lead point exists, else the center.
func (l *TargetLock) Aim(preferLead bool) image.Point {
	if preferLead && l.Lead != nil {
		return *l.Lead
	}
	return l.Center
}
