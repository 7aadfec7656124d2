package vision

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// projectionEpsilon is the smallest homogeneous w-coordinate accepted by
// Project before the perspective divide is considered degenerate.
const projectionEpsilon = 1e-9

var (
	// ErrNotEnoughPoints is returned when a calibration set has fewer than
	// the four point pairs required to determine a homography.
	ErrNotEnoughPoints = errors.New("vision: calibration needs at least 4 point pairs")

	// ErrDegenerateCalibration is returned when the calibration points are
	// collinear (or numerically indistinguishable from collinear), which
	// leaves the homography underdetermined.
	ErrDegenerateCalibration = errors.New("vision: calibration points are collinear")

	// ErrDegenerateProjection is returned by Project when the homogeneous
	// w coordinate vanishes and the perspective divide would blow up.
	ErrDegenerateProjection = errors.New("vision: degenerate projection (w ~ 0)")
)

// PointPair binds a camera-frame pixel to the robot-plane position (in
// millimetres) measured at the same physical spot.
type PointPair struct {
	Camera Point `json:"camera"`
	Robot  Point `json:"robot"`
}

// CalibrationSet is an ordered list of camera/robot point pairs. It is
// treated as immutable once a homography has been fitted from it.
type CalibrationSet struct {
	Pairs []PointPair `json:"pairs"`
}

// Homography is a 3x3 projective matrix mapping camera-plane pixels to
// robot-plane millimetres. Obtain one via Fit; the zero value projects
// everything to a degenerate result.
type Homography struct {
	m [3][3]float64
}

// Matrix returns the row-major 3x3 matrix elements.
func (h Homography) Matrix() [3][3]float64 { return h.m }

// Fit computes the homography for the calibration set. Exactly four pairs
// solve the standard 8-unknown linear system; more than four use the
// normalized direct linear transform and a least-squares SVD solution to
// minimize reprojection error.
func Fit(cs CalibrationSet) (Homography, error) {
	n := len(cs.Pairs)
	if n < 4 {
		return Homography{}, ErrNotEnoughPoints
	}
	if collinear(cameraPoints(cs)) || collinear(robotPoints(cs)) {
		return Homography{}, ErrDegenerateCalibration
	}
	if n == 4 {
		return fitExact(cs)
	}
	return fitDLT(cs)
}

func cameraPoints(cs CalibrationSet) []Point {
	pts := make([]Point, len(cs.Pairs))
	for i, p := range cs.Pairs {
		pts[i] = p.Camera
	}
	return pts
}

func robotPoints(cs CalibrationSet) []Point {
	pts := make([]Point, len(cs.Pairs))
	for i, p := range cs.Pairs {
		pts[i] = p.Robot
	}
	return pts
}

// collinear reports whether every point in pts lies on one line, to within
// a numeric tolerance scaled by the point spread.
func collinear(pts []Point) bool {
	if len(pts) < 3 {
		return true
	}
	// Find the largest triangle area formed with the first edge long enough
	// to be a stable base.
	var maxArea, maxSpan float64
	for i := 1; i < len(pts); i++ {
		span := math.Hypot(pts[i].X-pts[0].X, pts[i].Y-pts[0].Y)
		if span > maxSpan {
			maxSpan = span
		}
	}
	if maxSpan == 0 {
		return true
	}
	for i := 1; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			ax, ay := pts[i].X-pts[0].X, pts[i].Y-pts[0].Y
			bx, by := pts[j].X-pts[0].X, pts[j].Y-pts[0].Y
			area := math.Abs(ax*by - ay*bx)
			if area > maxArea {
				maxArea = area
			}
		}
	}
	return maxArea < 1e-9*maxSpan*maxSpan
}

// fitExact solves the 8x8 linear system from four correspondences, each
// contributing two equations, with h33 fixed to 1.
func fitExact(cs CalibrationSet) (Homography, error) {
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)

	for i, pair := range cs.Pairs[:4] {
		x, y := pair.Camera.X, pair.Camera.Y
		u, v := pair.Robot.X, pair.Robot.Y

		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -x * u, -y * u})
		b.SetVec(2*i, u)
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -x * v, -y * v})
		b.SetVec(2*i+1, v)
	}

	var h mat.VecDense
	if err := h.SolveVec(a, b); err != nil {
		return Homography{}, fmt.Errorf("%w: %v", ErrDegenerateCalibration, err)
	}

	return Homography{m: [3][3]float64{
		{h.AtVec(0), h.AtVec(1), h.AtVec(2)},
		{h.AtVec(3), h.AtVec(4), h.AtVec(5)},
		{h.AtVec(6), h.AtVec(7), 1},
	}}, nil
}

// normalization computes the similarity transform that moves pts to
// centroid zero and average distance sqrt(2), the standard Hartley
// conditioning for the DLT.
type normalization struct {
	cx, cy, s float64
}

func normalize(pts []Point) normalization {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))

	var dist float64
	for _, p := range pts {
		dist += math.Hypot(p.X-cx, p.Y-cy)
	}
	dist /= float64(len(pts))
	s := 1.0
	if dist > 0 {
		s = math.Sqrt2 / dist
	}
	return normalization{cx: cx, cy: cy, s: s}
}

func (n normalization) apply(p Point) Point {
	return Point{X: (p.X - n.cx) * n.s, Y: (p.Y - n.cy) * n.s}
}

// fitDLT computes the least-squares homography for more than four pairs by
// the normalized DLT: stack 2N rows, take the right singular vector of the
// smallest singular value, then denormalize.
func fitDLT(cs CalibrationSet) (Homography, error) {
	n := len(cs.Pairs)
	nc := normalize(cameraPoints(cs))
	nr := normalize(robotPoints(cs))

	a := mat.NewDense(2*n, 9, nil)
	for i, pair := range cs.Pairs {
		c := nc.apply(pair.Camera)
		r := nr.apply(pair.Robot)
		x, y := c.X, c.Y
		u, v := r.X, r.Y

		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return Homography{}, fmt.Errorf("%w: SVD failed to converge", ErrDegenerateCalibration)
	}
	var v mat.Dense
	svd.VTo(&v)

	// Smallest singular value's right singular vector is the last column.
	_, cols := v.Dims()
	hv := make([]float64, 9)
	for i := 0; i < 9; i++ {
		hv[i] = v.At(i, cols-1)
	}

	// Denormalize: H = Tr^-1 * Hn * Tc.
	hn := [3][3]float64{
		{hv[0], hv[1], hv[2]},
		{hv[3], hv[4], hv[5]},
		{hv[6], hv[7], hv[8]},
	}
	tc := [3][3]float64{
		{nc.s, 0, -nc.s * nc.cx},
		{0, nc.s, -nc.s * nc.cy},
		{0, 0, 1},
	}
	trInv := [3][3]float64{
		{1 / nr.s, 0, nr.cx},
		{0, 1 / nr.s, nr.cy},
		{0, 0, 1},
	}
	h := matMul(trInv, matMul(hn, tc))

	if math.Abs(h[2][2]) < projectionEpsilon {
		return Homography{}, ErrDegenerateCalibration
	}
	// Scale so h33 == 1 to match the exact-fit convention.
	for i := range h {
		for j := range h[i] {
			h[i][j] /= h[2][2]
		}
	}
	return Homography{m: h}, nil
}

func matMul(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

// Project maps a camera-plane pixel to robot-plane millimetres: apply H to
// the homogeneous point and perspective-divide by w. Fails when |w| falls
// under the degeneracy epsilon.
func (h Homography) Project(p Point) (Point, error) {
	w := h.m[2][0]*p.X + h.m[2][1]*p.Y + h.m[2][2]
	if math.Abs(w) < projectionEpsilon {
		return Point{}, ErrDegenerateProjection
	}
	return Point{
		X: (h.m[0][0]*p.X + h.m[0][1]*p.Y + h.m[0][2]) / w,
		Y: (h.m[1][0]*p.X + h.m[1][1]*p.Y + h.m[1][2]) / w,
	}, nil
}

// Residual is the reprojection error for one calibration pair, in
// robot-space millimetres.
type Residual struct {
	Camera    Point   `json:"camera"`
	Expected  Point   `json:"expected"`
	Projected Point   `json:"projected"`
	Distance  float64 `json:"distance_mm"`
}

// Validate reprojects every calibration camera point through h and reports
// the per-point residual distance. This is an offline check for bad
// calibration data, not a hot-path operation.
func Validate(h Homography, cs CalibrationSet) ([]Residual, error) {
	residuals := make([]Residual, 0, len(cs.Pairs))
	for _, pair := range cs.Pairs {
		projected, err := h.Project(pair.Camera)
		if err != nil {
			return nil, fmt.Errorf("reprojecting %v: %w", pair.Camera, err)
		}
		residuals = append(residuals, Residual{
			Camera:    pair.Camera,
			Expected:  pair.Robot,
			Projected: projected,
			Distance:  math.Hypot(projected.X-pair.Robot.X, projected.Y-pair.Robot.Y),
		})
	}
	return residuals, nil
}

// MaxResidual returns the largest residual distance, or 0 for an empty set.
func MaxResidual(residuals []Residual) float64 {
	var max float64
	for _, r := range residuals {
		if r.Distance > max {
			max = r.Distance
		}
	}
	return max
}
