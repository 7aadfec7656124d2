package vision

import (
	"image"
	"math"
)

// LensParams holds fisheye calibration intrinsics: the 3x3 camera matrix K,
// the four-term distortion vector D, and the image shape the calibration
// was computed for. Loaded once at startup and shared read-only.
type LensParams struct {
	K      [3][3]float64 `json:"k"`
	D      [4]float64    `json:"d"`
	Width  int           `json:"width"`
	Height int           `json:"height"`
}

// Valid reports whether the parameters can be used for correction. Invalid
// parameters make every correction a no-op passthrough: lens correction is
// best-effort cosmetic work, not safety-critical, so it never fails hard.
func (lp *LensParams) Valid() bool {
	return lp != nil && lp.K[0][0] != 0 && lp.K[1][1] != 0
}

// radialScale evaluates the 4-term radial polynomial at radius r.
//
// This applies the polynomial as a direct radial scale, which approximates
// the true equidistant fisheye model. The approximation is good for points
// near the image center and degrades toward the edges; calibration
// validation residuals are the gate on whether it is accurate enough for a
// given deployment.
func (lp *LensParams) radialScale(r float64) float64 {
	r2 := r * r
	return 1 + lp.D[0]*r2 + lp.D[1]*r2*r2 + lp.D[2]*r2*r2*r2 + lp.D[3]*r2*r2*r2*r2
}

// Undistort maps a distorted pixel to its corrected position. Returns the
// input unchanged when the parameters are invalid.
func (lp *LensParams) Undistort(p Point) Point {
	if !lp.Valid() {
		return p
	}
	fx, fy := lp.K[0][0], lp.K[1][1]
	cx, cy := lp.K[0][2], lp.K[1][2]

	xn := (p.X - cx) / fx
	yn := (p.Y - cy) / fy
	r := math.Hypot(xn, yn)
	scale := lp.radialScale(r)
	return Point{
		X: xn*scale*fx + cx,
		Y: yn*scale*fy + cy,
	}
}

// Distort is the inverse of Undistort: it maps a corrected pixel back to
// where the lens would have imaged it. The radial polynomial has no closed
// form inverse, so the distorted radius is recovered by fixed-point
// iteration; a handful of rounds is ample at the distortion magnitudes of a
// calibrated lens.
func (lp *LensParams) Distort(p Point) Point {
	if !lp.Valid() {
		return p
	}
	fx, fy := lp.K[0][0], lp.K[1][1]
	cx, cy := lp.K[0][2], lp.K[1][2]

	xn := (p.X - cx) / fx
	yn := (p.Y - cy) / fy
	ru := math.Hypot(xn, yn)
	if ru == 0 {
		return p
	}

	// Solve r * radialScale(r) == ru for r.
	r := ru
	for i := 0; i < 10; i++ {
		s := lp.radialScale(r)
		if s == 0 {
			break
		}
		next := ru / s
		if math.Abs(next-r) < 1e-12 {
			r = next
			break
		}
		r = next
	}

	k := r / ru
	return Point{
		X: xn*k*fx + cx,
		Y: yn*k*fy + cy,
	}
}

// UndistortImage produces a corrected copy of src by inverse mapping: for
// each destination pixel it samples the source at the distorted position.
//
// step trades accuracy for throughput: 1 corrects every pixel, N computes
// the mapping every Nth pixel and block-fills the NxN cell with the same
// sample. Callers choose step from their measured frame rate; this is a
// deliberate realtime/quality tradeoff, not a shortcut.
func (lp *LensParams) UndistortImage(src *image.RGBA, step int) *image.RGBA {
	if !lp.Valid() || src == nil {
		return src
	}
	if step < 1 {
		step = 1
	}

	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	w, h := bounds.Dx(), bounds.Dy()

	for y := 0; y < h; y += step {
		for x := 0; x < w; x += step {
			// Destination pixel (x,y) is corrected space; find where the
			// lens put it in the captured frame.
			srcPt := lp.Distort(Point{X: float64(x), Y: float64(y)})
			sx, sy := int(math.Round(srcPt.X)), int(math.Round(srcPt.Y))

			var c [4]uint8
			if sx >= 0 && sx < w && sy >= 0 && sy < h {
				i := src.PixOffset(bounds.Min.X+sx, bounds.Min.Y+sy)
				copy(c[:], src.Pix[i:i+4])
			}

			for by := y; by < y+step && by < h; by++ {
				for bx := x; bx < x+step && bx < w; bx++ {
					i := dst.PixOffset(bounds.Min.X+bx, bounds.Min.Y+by)
					copy(dst.Pix[i:i+4], c[:])
				}
			}
		}
	}
	return dst
}
