// Package arm defines the robot arm driver interface and its two
// implementations: a virtual arm for development and a serial-attached
// uArm Swift Pro driver speaking G-code.
package arm

import (
	"context"
	"fmt"
)

// Status describes the arm's current activity. The string values are part of
// the HTTP API surface and are reported verbatim to clients.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusIdle         Status = "idle"
	StatusHoming       Status = "homing"
	StatusMoving       Status = "moving"
	StatusGrabbing     Status = "grabbing"
	StatusReleasing    Status = "releasing"
	StatusError        Status = "error"
)

// Position is an end-effector position in the arm's base frame, millimetres.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (p Position) String() string {
	return fmt.Sprintf("(%.1f, %.1f, %.1f)", p.X, p.Y, p.Z)
}

// Capabilities describes what a connected arm can do. Callers check these
// before planning operations rather than probing at runtime.
type Capabilities struct {
	// Model is a human-readable hardware identifier.
	Model string `json:"model"`

	// Pump reports whether the arm has a suction pump end effector.
	Pump bool `json:"pump"`

	// PositionFeedback reports whether Status position reflects hardware
	// feedback rather than the last commanded target.
	PositionFeedback bool `json:"position_feedback"`
}

// Driver is the hardware abstraction the pick sequencer drives. All blocking
// operations take a context; implementations must return promptly once it is
// cancelled. EmergencyStop is the one exception: it never blocks and is safe
// to call from any goroutine at any time, including concurrently with a
// blocking operation it is interrupting.
type Driver interface {
	// Connect establishes the hardware link and leaves the arm in
	// StatusIdle. Calling Connect on a connected driver is a no-op.
	Connect(ctx context.Context) error

	// Disconnect releases the hardware link.
	Disconnect() error

	// Home moves the arm to its configured rest position.
	Home(ctx context.Context) error

	// MoveTo moves the end effector to pos at the given speed (mm/min).
	MoveTo(ctx context.Context, pos Position, speed float64) error

	// Grip engages (hold=true) or releases (hold=false) the end effector.
	Grip(ctx context.Context, hold bool) error

	// Status reports the arm's current activity and last known position.
	Status() (Status, Position)

	// HasObject reports whether the end effector currently holds an object.
	HasObject() bool

	// EmergencyStop aborts any in-progress motion and de-energises the
	// effector. Idempotent; repeat calls are harmless.
	EmergencyStop()

	// Capabilities describes the connected hardware.
	Capabilities() Capabilities
}

// Stats accumulates operation counts for an arm session.
type Stats struct {
	Moves     int      `json:"moves"`
	Grips     int      `json:"grips"`
	Releases  int      `json:"releases"`
	Homes     int      `json:"homes"`
	EStops    int      `json:"emergency_stops"`
	History   []string `json:"history"`
	StartedAt string   `json:"started_at"`
}

// StatsProvider is implemented by drivers that track per-session operation
// statistics. The HTTP layer exposes these when available.
type StatsProvider interface {
	Stats() Stats
	ResetStats()
}

// CommErrorKind classifies a communication failure with physical hardware.
type CommErrorKind int

const (
	// ConnectFailed covers failures to open or initialise the link.
	ConnectFailed CommErrorKind = iota
	// AckTimeout means a command was written but no acknowledgement
	// arrived within the deadline.
	AckTimeout
	// WriteFailed means the command could not be written at all.
	WriteFailed
	// Disconnected means the link dropped mid-session.
	Disconnected
)

func (k CommErrorKind) String() string {
	switch k {
	case ConnectFailed:
		return "connect failed"
	case AckTimeout:
		return "ack timeout"
	case WriteFailed:
		return "write failed"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// CommError wraps a hardware communication failure with the operation that
// triggered it.
type CommError struct {
	Kind CommErrorKind
	Op   string
	Err  error
}

func (e *CommError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("arm: %s during %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("arm: %s during %s", e.Kind, e.Op)
}

func (e *CommError) Unwrap() error { return e.Err }

// ErrNotConnected is returned by operations invoked before Connect.
var ErrNotConnected = fmt.Errorf("arm: not connected")

// ErrStopped is returned by operations interrupted by an emergency stop.
var ErrStopped = fmt.Errorf("arm: emergency stop engaged")
