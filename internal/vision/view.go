package vision

// MinZoom is the smallest zoom factor accepted by the view transform.
// Values at or below zero would make the inverse mapping divide by zero,
// so they are clamped here rather than rejected per-call.
const MinZoom = 0.01

// ViewState describes the digital zoom and pan applied to the preview
// canvas at the moment a frame was captured. It is deliberately a plain
// value passed into every transform call: the transforms must stay pure
// functions of their inputs rather than reading ambient UI state.
type ViewState struct {
	Zoom    float64 `json:"zoom"`
	OffsetX float64 `json:"offset_x"`
	OffsetY float64 `json:"offset_y"`
}

// Identity reports whether the view applies no transformation at all.
func (v ViewState) Identity() bool {
	return v.Zoom == 1.0 && v.OffsetX == 0 && v.OffsetY == 0
}

// clamped returns the view with the zoom forced to at least MinZoom.
func (v ViewState) clamped() ViewState {
	if v.Zoom < MinZoom {
		v.Zoom = MinZoom
	}
	return v
}

// ToDisplay maps a source-frame pixel to display coordinates under the
// view: a center-anchored scale followed by the pan offset. canvasW and
// canvasH are the canvas dimensions the zoom is anchored to.
func (v ViewState) ToDisplay(p Point, canvasW, canvasH float64) Point {
	if v.Identity() {
		return p
	}
	v = v.clamped()
	cx, cy := canvasW/2, canvasH/2
	return Point{
		X: (p.X-cx)*v.Zoom + cx + v.OffsetX,
		Y: (p.Y-cy)*v.Zoom + cy + v.OffsetY,
	}
}

// ToSource maps a display-space pixel back to the source frame. It is the
// exact mathematical inverse of ToDisplay; the identity case short-circuits
// so a round trip at zoom 1 introduces no floating-point drift.
func (v ViewState) ToSource(p Point, canvasW, canvasH float64) Point {
	if v.Identity() {
		return p
	}
	v = v.clamped()
	cx, cy := canvasW/2, canvasH/2
	return Point{
		X: (p.X-cx-v.OffsetX)/v.Zoom + cx,
		Y: (p.Y-cy-v.OffsetY)/v.Zoom + cy,
	}
}

// BBoxToSource maps a display-space bounding box back to source pixels.
// The result may be degenerate if the input was; callers must check Empty.
func (v ViewState) BBoxToSource(b BBox, canvasW, canvasH float64) BBox {
	tl := v.ToSource(Point{X: b.X1, Y: b.Y1}, canvasW, canvasH)
	br := v.ToSource(Point{X: b.X2, Y: b.Y2}, canvasW, canvasH)
	return BBox{X1: tl.X, Y1: tl.Y, X2: br.X, Y2: br.Y}
}
