// Package vision holds the pixel-space and plane geometry used to turn a
// detection bounding box from the camera preview into a robot-plane target:
// the display/source view transform, fisheye lens correction, and the
// camera-to-robot homography.
package vision

import "fmt"

// Point is a 2D coordinate. It is used both for pixel positions in camera
// space and for planar (x, y) positions in robot base-frame millimetres;
// which plane a Point lives in is determined by context.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) String() string {
	return fmt.Sprintf("(%.2f, %.2f)", p.X, p.Y)
}

// BBox is an axis-aligned bounding box in pixel space, (X1,Y1) top-left and
// (X2,Y2) bottom-right.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Center returns the box's center point.
func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Empty reports whether the box is degenerate (zero or negative extent in
// either axis). A degenerate box must be treated as "no detection" by
// callers and never drawn or acted upon.
func (b BBox) Empty() bool {
	return b.X2 <= b.X1 || b.Y2 <= b.Y1
}

// Detection is a single object reported by the external detector. The bbox
// is in the pixel space of the frame actually sent for inference; if that
// frame was a zoomed preview the caller must carry the ViewState it was
// captured under so the box can be mapped back to source pixels.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

func (d Detection) String() string {
	return fmt.Sprintf("%s (%.2f) [%.1f,%.1f,%.1f,%.1f]",
		d.Class, d.Confidence, d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2)
}
