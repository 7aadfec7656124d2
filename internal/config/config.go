// Package config loads and validates the cell configuration: arm motion
// parameters, the placement table, calibration data, and lens parameters.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/marigold-robotics/sortcell/internal/vision"
)

// DefaultConfigPath is the path to the canonical cell defaults file.
// This is the single source of truth for all default cell values.
const DefaultConfigPath = "config/cell.defaults.json"

// Placement is a drop target for one waste class: where to release the
// object and how high to descend when picking it up.
type Placement struct {
	Drop       vision.Point `json:"drop"`
	DropZ      float64      `json:"drop_z"`
	PickHeight *float64     `json:"pick_height,omitempty"`
}

// CellConfig represents the root configuration for the sorting cell. The
// schema matches the /api/config endpoint so the same JSON can be used for
// both startup configuration and runtime inspection. Pointer fields
// distinguish "unset" from zero; the Get* methods supply defaults.
type CellConfig struct {
	// Serial link params
	SerialPort *string `json:"serial_port,omitempty"` // empty means autodetect
	BaudRate   *int    `json:"baud_rate,omitempty"`

	// Arm motion params
	HomeX       *float64 `json:"home_x,omitempty"`
	HomeY       *float64 `json:"home_y,omitempty"`
	HomeZ       *float64 `json:"home_z,omitempty"`
	HoverHeight *float64 `json:"hover_height,omitempty"` // Z for transit moves, mm
	PickHeight  *float64 `json:"pick_height,omitempty"`  // default descend Z, mm
	Speed       *float64 `json:"speed,omitempty"`        // feedrate, mm/min

	// Timing params (duration strings like "500ms")
	GripSettle     *string `json:"grip_settle,omitempty"`
	MoveTimeout    *string `json:"move_timeout,omitempty"`
	ConnectTimeout *string `json:"connect_timeout,omitempty"`
	JobTimeout     *string `json:"job_timeout,omitempty"`

	// Reachability envelope
	EnvelopeMinRadius *float64 `json:"envelope_min_radius,omitempty"`
	EnvelopeMaxRadius *float64 `json:"envelope_max_radius,omitempty"`

	// Camera frame size the calibration was captured at
	FrameWidth  *float64 `json:"frame_width,omitempty"`
	FrameHeight *float64 `json:"frame_height,omitempty"`

	// Placements maps waste class names to drop targets. A class absent
	// from this map is unknown to the cell and its jobs are rejected.
	Placements map[string]Placement `json:"placements,omitempty"`

	// Calibration point pairs, camera pixel to arm millimetres
	Calibration []vision.PointPair `json:"calibration,omitempty"`

	// LensFile points at an optional lens calibration JSON
	LensFile *string `json:"lens_file,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyCellConfig returns a CellConfig with all fields set to nil.
// Use LoadCellConfig to load actual values from the defaults file.
func EmptyCellConfig() *CellConfig {
	return &CellConfig{}
}

// LoadCellConfig loads a CellConfig from a JSON file. The file is validated
// to ensure it has a .json extension and is under the max file size. Fields
// omitted from the JSON file retain their default values, so partial configs
// are safe.
func LoadCellConfig(path string) (*CellConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCellConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical cell defaults from
// DefaultConfigPath. It searches for the file in the current directory and
// common parent directories. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *CellConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadCellConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the configuration for invalid values.
func (c *CellConfig) Validate() error {
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if c.Speed != nil && *c.Speed <= 0 {
		return fmt.Errorf("speed must be positive, got %g", *c.Speed)
	}
	if c.HoverHeight != nil && *c.HoverHeight < 0 {
		return fmt.Errorf("hover_height must be non-negative, got %g", *c.HoverHeight)
	}
	if c.EnvelopeMinRadius != nil && *c.EnvelopeMinRadius < 0 {
		return fmt.Errorf("envelope_min_radius must be non-negative, got %g", *c.EnvelopeMinRadius)
	}
	if c.EnvelopeMinRadius != nil && c.EnvelopeMaxRadius != nil &&
		*c.EnvelopeMaxRadius <= *c.EnvelopeMinRadius {
		return fmt.Errorf("envelope_max_radius %g must exceed envelope_min_radius %g",
			*c.EnvelopeMaxRadius, *c.EnvelopeMinRadius)
	}
	for _, key := range []*string{c.GripSettle, c.MoveTimeout, c.ConnectTimeout, c.JobTimeout} {
		if key == nil {
			continue
		}
		if _, err := time.ParseDuration(*key); err != nil {
			return fmt.Errorf("invalid duration %q: %w", *key, err)
		}
	}
	if len(c.Calibration) > 0 && len(c.Calibration) < 4 {
		return fmt.Errorf("calibration needs at least 4 point pairs, got %d", len(c.Calibration))
	}
	for class, p := range c.Placements {
		if class == "" {
			return fmt.Errorf("placement with empty class name")
		}
		if p.PickHeight != nil && *p.PickHeight < 0 {
			return fmt.Errorf("placement %q: pick_height must be non-negative", class)
		}
	}
	return nil
}

func (c *CellConfig) GetSerialPort() string {
	if c.SerialPort != nil {
		return *c.SerialPort
	}
	return "" // autodetect
}

func (c *CellConfig) GetBaudRate() int {
	if c.BaudRate != nil {
		return *c.BaudRate
	}
	return 115200
}

// GetHome returns the arm rest position.
func (c *CellConfig) GetHome() (x, y, z float64) {
	x, y, z = 115, -3, 45
	if c.HomeX != nil {
		x = *c.HomeX
	}
	if c.HomeY != nil {
		y = *c.HomeY
	}
	if c.HomeZ != nil {
		z = *c.HomeZ
	}
	return x, y, z
}

func (c *CellConfig) GetHoverHeight() float64 {
	if c.HoverHeight != nil {
		return *c.HoverHeight
	}
	return 80
}

func (c *CellConfig) GetPickHeight() float64 {
	if c.PickHeight != nil {
		return *c.PickHeight
	}
	return 15
}

// GetPickHeightFor returns the descend height for a class, honouring the
// per-placement override.
func (c *CellConfig) GetPickHeightFor(class string) float64 {
	if p, ok := c.Placements[class]; ok && p.PickHeight != nil {
		return *p.PickHeight
	}
	return c.GetPickHeight()
}

func (c *CellConfig) GetSpeed() float64 {
	if c.Speed != nil {
		return *c.Speed
	}
	return 6000
}

// parseDuration returns the parsed value or the fallback. Validate has
// already rejected malformed strings.
func parseDuration(s *string, fallback time.Duration) time.Duration {
	if s == nil {
		return fallback
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fallback
	}
	return d
}

func (c *CellConfig) GetGripSettle() time.Duration {
	return parseDuration(c.GripSettle, 600*time.Millisecond)
}

func (c *CellConfig) GetMoveTimeout() time.Duration {
	return parseDuration(c.MoveTimeout, 10*time.Second)
}

func (c *CellConfig) GetConnectTimeout() time.Duration {
	return parseDuration(c.ConnectTimeout, 15*time.Second)
}

func (c *CellConfig) GetJobTimeout() time.Duration {
	return parseDuration(c.JobTimeout, 60*time.Second)
}

// GetEnvelope returns the reachability envelope centred on the arm base.
func (c *CellConfig) GetEnvelope() vision.Envelope {
	env := vision.Envelope{MinRadius: 50, MaxRadius: 350}
	if c.EnvelopeMinRadius != nil {
		env.MinRadius = *c.EnvelopeMinRadius
	}
	if c.EnvelopeMaxRadius != nil {
		env.MaxRadius = *c.EnvelopeMaxRadius
	}
	return env
}

// GetFrameSize returns the camera frame dimensions the calibration was
// captured at.
func (c *CellConfig) GetFrameSize() (w, h float64) {
	w, h = 640, 480
	if c.FrameWidth != nil {
		w = *c.FrameWidth
	}
	if c.FrameHeight != nil {
		h = *c.FrameHeight
	}
	return w, h
}

// GetCalibration returns the configured calibration set, or the bench
// default mapping frame corners to measured arm positions.
func (c *CellConfig) GetCalibration() vision.CalibrationSet {
	if len(c.Calibration) > 0 {
		return vision.CalibrationSet{Pairs: c.Calibration}
	}
	return vision.CalibrationSet{Pairs: []vision.PointPair{
		{Camera: vision.Point{X: 0, Y: 0}, Robot: vision.Point{X: 91.3, Y: -99.5}},
		{Camera: vision.Point{X: 640, Y: 0}, Robot: vision.Point{X: 88.4, Y: 35.5}},
		{Camera: vision.Point{X: 640, Y: 480}, Robot: vision.Point{X: 205.7, Y: 40.9}},
		{Camera: vision.Point{X: 0, Y: 480}, Robot: vision.Point{X: 211.5, Y: -120.2}},
	}}
}

// LoadLens loads the lens calibration named by lens_file. Returns nil with
// no error when no lens file is configured; the pipeline then skips lens
// correction.
func (c *CellConfig) LoadLens() (*vision.LensParams, error) {
	if c.LensFile == nil || *c.LensFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(*c.LensFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read lens file: %w", err)
	}
	var lens vision.LensParams
	if err := json.Unmarshal(data, &lens); err != nil {
		return nil, fmt.Errorf("failed to parse lens file: %w", err)
	}
	if !lens.Valid() {
		return nil, fmt.Errorf("lens file %s: camera matrix has zero focal length", *c.LensFile)
	}
	return &lens, nil
}
