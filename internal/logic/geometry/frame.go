package geometry

import (
	"fmt"
	"image"
)

// NormalizedError maps a pixel position to an error in [-1, 1] per axis,
// relative to the frame center: (p.X - w/2) / (w/2), and likewise for Y.
// Points outside the frame produce magnitudes above 1; the caller does not
// clamp because bounding motion intent happens downstream.
func NormalizedError(p image.Point, frameWidth, frameHeight int) (ex, ey float64, err error) {
	if frameWidth <= 0 || frameHeight <= 0 {
		return 0, 0, fmt.Errorf("invalid frame size %dx%d", frameWidth, frameHeight)
	}
	halfW := float64(frameWidth) / 2
	halfH := float64(frameHeight) / 2
	ex = (float64(p.X) - halfW) / halfW
	ey = (float64(p.Y) - halfH) / halfH
	return ex, ey, nil
}
