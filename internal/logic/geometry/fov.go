package geometry

import (
	"fmt"
	"math"
)

// Lens describes the camera optics feeding the tracker. All fields in mm.
type Lens struct {
	FocalLengthMm  float64
	SensorWidthMm  float64
	SensorHeightMm float64
}

// FOVCalculator computes field of view angles and converts normalized
// image-space errors into angular offsets from the optical axis.
type FOVCalculator struct {
	lens Lens
}

// NewFOVCalculator creates a new FOV calculator.
// Returns an error if any optical dimension is missing.
func NewFOVCalculator(l Lens) (*FOVCalculator, error) {
	if l.FocalLengthMm <= 0 {
		return nil, fmt.Errorf("focal length must be > 0, got %g", l.FocalLengthMm)
	}
	if l.SensorWidthMm <= 0 || l.SensorHeightMm <= 0 {
		return nil, fmt.Errorf("sensor size is required for FOV calculations")
	}
	return &FOVCalculator{lens: l}, nil
}

// HorizontalFOV calculates the horizontal field of view in degrees.
// Formula: FOV = 2 × arctan(sensor_width / (2 × focal_length))
func (f *FOVCalculator) HorizontalFOV() float64 {
	return 2.0 * math.Atan(f.lens.SensorWidthMm/(2.0*f.lens.FocalLengthMm)) * 180.0 / math.Pi
}

// VerticalFOV calculates the vertical field of view in degrees.
// Formula: FOV = 2 × arctan(sensor_height / (2 × focal_length))
func (f *FOVCalculator) VerticalFOV() float64 {
	return 2.0 * math.Atan(f.lens.SensorHeightMm/(2.0*f.lens.FocalLengthMm)) * 180.0 / math.Pi
}

// AngularOffset converts a normalized error (each axis in [-1, 1], edge of
// frame = ±1) into degrees off the optical axis. It uses the pinhole model,
// so the edge of the frame maps exactly to half the FOV.
func (f *FOVCalculator) AngularOffset(ex, ey float64) (yawDeg, pitchDeg float64) {
	halfH := f.HorizontalFOV() / 2 * math.Pi / 180
	halfV := f.VerticalFOV() / 2 * math.Pi / 180
	yawDeg = math.Atan(ex*math.Tan(halfH)) * 180 / math.Pi
	pitchDeg = math.Atan(ey*math.Tan(halfV)) * 180 / math.Pi
	return yawDeg, pitchDeg
}
