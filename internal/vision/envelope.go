package vision

import (
	"fmt"
	"math"
)

// Envelope is the annular region of the robot plane the arm's end effector
// can actually reach: between MinRadius (self-collision guard) and
// MaxRadius (arm reach) from the base at (BaseX, BaseY), in millimetres.
type Envelope struct {
	BaseX     float64 `json:"base_x"`
	BaseY     float64 `json:"base_y"`
	MinRadius float64 `json:"min_radius"`
	MaxRadius float64 `json:"max_radius"`
}

// Contains reports whether the robot-plane point is inside the envelope.
func (e Envelope) Contains(p Point) bool {
	r := math.Hypot(p.X-e.BaseX, p.Y-e.BaseY)
	return r >= e.MinRadius && r <= e.MaxRadius
}

// OutOfEnvelopeError reports a projected target outside the reachable
// envelope. It is raised before any physical motion is issued.
type OutOfEnvelopeError struct {
	Target   Point
	Envelope Envelope
}

func (e *OutOfEnvelopeError) Error() string {
	r := math.Hypot(e.Target.X-e.Envelope.BaseX, e.Target.Y-e.Envelope.BaseY)
	return fmt.Sprintf("vision: target %v at radius %.1fmm outside envelope [%.1f, %.1f]mm",
		e.Target, r, e.Envelope.MinRadius, e.Envelope.MaxRadius)
}

// Projector bundles the full detection-pixel to robot-target pipeline:
// inverse view transform, optional lens correction, homography projection,
// and the envelope check. It is immutable after construction and safe for
// concurrent use.
type Projector struct {
	homography  Homography
	calibration CalibrationSet
	lens        *LensParams
	envelope    Envelope
	canvasW     float64
	canvasH     float64
}

// NewProjector fits the homography for the calibration set and returns a
// projector using it. lens may be nil when no lens calibration is loaded.
func NewProjector(cs CalibrationSet, lens *LensParams, env Envelope, canvasW, canvasH float64) (*Projector, error) {
	h, err := Fit(cs)
	if err != nil {
		return nil, err
	}
	return &Projector{
		homography:  h,
		calibration: cs,
		lens:        lens,
		envelope:    env,
		canvasW:     canvasW,
		canvasH:     canvasH,
	}, nil
}

// Homography returns the fitted camera-to-robot matrix.
func (pr *Projector) Homography() Homography { return pr.homography }

// Calibration returns the point pairs the projector was fitted from.
func (pr *Projector) Calibration() CalibrationSet { return pr.calibration }

// Envelope returns the configured reachability envelope.
func (pr *Projector) Envelope() Envelope { return pr.envelope }

// ToSourcePixel maps a display-space pixel captured under view back to the
// calibrated source-frame pixel: inverse zoom/pan first, then lens
// undistortion (the homography is calibrated against undistorted frames).
func (pr *Projector) ToSourcePixel(p Point, view ViewState) Point {
	src := view.ToSource(p, pr.canvasW, pr.canvasH)
	if pr.lens.Valid() {
		src = pr.lens.Undistort(src)
	}
	return src
}

// Project converts a display-space pixel captured under view into a robot
// target and verifies it against the envelope. Returns
// ErrDegenerateProjection or *OutOfEnvelopeError on failure; no motion may
// be issued for a point that fails here.
func (pr *Projector) Project(p Point, view ViewState) (Point, error) {
	src := pr.ToSourcePixel(p, view)
	robot, err := pr.homography.Project(src)
	if err != nil {
		return Point{}, err
	}
	if !pr.envelope.Contains(robot) {
		return Point{}, &OutOfEnvelopeError{Target: robot, Envelope: pr.envelope}
	}
	return robot, nil
}

// Validate reprojects the projector's own calibration points and reports
// per-point residuals.
func (pr *Projector) Validate() ([]Residual, error) {
	return Validate(pr.homography, pr.calibration)
}
