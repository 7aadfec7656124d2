package vision

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLens() *LensParams {
	return &LensParams{
		K: [3][3]float64{
			{400, 0, 320},
			{0, 400, 240},
			{0, 0, 1},
		},
		D:      [4]float64{-0.05, 0.01, 0, 0},
		Width:  640,
		Height: 480,
	}
}

func TestLensInvalidParamsPassthrough(t *testing.T) {
	var nilLens *LensParams
	p := Point{X: 123, Y: 45}
	assert.Equal(t, p, nilLens.Undistort(p))
	assert.Equal(t, p, nilLens.Distort(p))

	zeroFocal := &LensParams{}
	assert.Equal(t, p, zeroFocal.Undistort(p))
	assert.Equal(t, p, zeroFocal.Distort(p))
}

func TestLensCenterFixed(t *testing.T) {
	lens := testLens()
	center := Point{X: 320, Y: 240}
	assert.Equal(t, center, lens.Undistort(center))
	assert.Equal(t, center, lens.Distort(center))
}

func TestLensRoundTrip(t *testing.T) {
	lens := testLens()
	points := []Point{
		{320, 240}, {350, 250}, {200, 300}, {400, 100}, {100, 100},
	}
	for _, p := range points {
		back := lens.Distort(lens.Undistort(p))
		assert.InDelta(t, p.X, back.X, 1e-6, "point %v", p)
		assert.InDelta(t, p.Y, back.Y, 1e-6, "point %v", p)
	}
}

func TestLensBarrelPullsTowardCenter(t *testing.T) {
	// Negative leading distortion term means points move toward the
	// principal point when undistorted.
	lens := testLens()
	p := Point{X: 500, Y: 240}
	u := lens.Undistort(p)
	assert.Less(t, u.X, p.X)
	assert.InDelta(t, 240.0, u.Y, 1e-9)
}

func TestUndistortImageStep(t *testing.T) {
	lens := testLens()
	src := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			src.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), A: 255})
		}
	}

	full := lens.UndistortImage(src, 1)
	require.NotNil(t, full)
	assert.Equal(t, src.Bounds(), full.Bounds())

	// A coarser step still covers every destination pixel (block fill).
	coarse := lens.UndistortImage(src, 4)
	require.NotNil(t, coarse)
	assert.Equal(t, src.Bounds(), coarse.Bounds())

	// step < 1 is treated as 1.
	clamped := lens.UndistortImage(src, 0)
	assert.Equal(t, full.Pix, clamped.Pix)

	// Invalid params return the source untouched.
	var nilLens *LensParams
	assert.Equal(t, src, nilLens.UndistortImage(src, 1))
}
