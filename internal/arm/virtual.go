package arm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marigold-robotics/sortcell/internal/monitoring"
)

const historyLimit = 100

// Virtual is an in-memory arm for development and tests. It honours the same
// state machine as the hardware driver, simulates motion time, and records
// per-session operation statistics.
type Virtual struct {
	mu sync.RWMutex

	// MoveDelay and GripDelay simulate hardware motion time. Zero delays
	// make the arm instantaneous, which tests rely on.
	MoveDelay time.Duration
	GripDelay time.Duration

	connected bool
	status    Status
	pos       Position
	hasObject bool

	stats Stats

	// stopCh is closed by EmergencyStop to interrupt simulated motion.
	// Recreated on Connect and Home so the arm can recover after a stop.
	stopCh chan struct{}
}

// NewVirtual creates a disconnected virtual arm.
func NewVirtual() *Virtual {
	return &Virtual{
		status: StatusDisconnected,
		stopCh: make(chan struct{}),
		stats:  Stats{StartedAt: time.Now().UTC().Format(time.RFC3339)},
	}
}

func (v *Virtual) Connect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.connected {
		return nil
	}
	v.connected = true
	v.status = StatusIdle
	v.stopCh = make(chan struct{})
	monitoring.Logf("virtual arm connected")
	return nil
}

func (v *Virtual) Disconnect() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = false
	v.status = StatusDisconnected
	return nil
}

// sleep waits for d, the context, or an emergency stop, whichever first.
func (v *Virtual) sleep(ctx context.Context, d time.Duration, stop <-chan struct{}) error {
	if d <= 0 {
		select {
		case <-stop:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin transitions into an active status, returning the stop channel to
// watch during the simulated operation. Homing clears a prior emergency
// stop; every other operation refuses to run until the arm is re-homed.
func (v *Virtual) begin(status Status, op string) (<-chan struct{}, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return nil, fmt.Errorf("%s: %w", op, ErrNotConnected)
	}
	if v.status == StatusError {
		if status != StatusHoming {
			return nil, fmt.Errorf("%s: %w", op, ErrStopped)
		}
		v.stopCh = make(chan struct{})
	}
	v.status = status
	return v.stopCh, nil
}

func (v *Virtual) finish(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		v.status = StatusError
		return
	}
	if v.connected {
		v.status = StatusIdle
	}
}

func (v *Virtual) record(format string, args ...any) {
	entry := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	v.stats.History = append(v.stats.History, entry)
	if len(v.stats.History) > historyLimit {
		v.stats.History = v.stats.History[len(v.stats.History)-historyLimit:]
	}
}

func (v *Virtual) Home(ctx context.Context) error {
	stop, err := v.begin(StatusHoming, "home")
	if err != nil {
		return err
	}

	err = v.sleep(ctx, v.MoveDelay, stop)
	v.mu.Lock()
	if err == nil {
		v.pos = Position{X: 115, Y: -3, Z: 45}
		v.stats.Homes++
		v.record("home -> %s", v.pos)
	}
	v.mu.Unlock()
	v.finish(err)
	return err
}

func (v *Virtual) MoveTo(ctx context.Context, pos Position, speed float64) error {
	stop, err := v.begin(StatusMoving, "move")
	if err != nil {
		return err
	}
	err = v.sleep(ctx, v.MoveDelay, stop)
	v.mu.Lock()
	if err == nil {
		v.pos = pos
		v.stats.Moves++
		v.record("move -> %s at %.0f", pos, speed)
	}
	v.mu.Unlock()
	v.finish(err)
	return err
}

func (v *Virtual) Grip(ctx context.Context, hold bool) error {
	status := StatusGrabbing
	if !hold {
		status = StatusReleasing
	}
	stop, err := v.begin(status, "grip")
	if err != nil {
		return err
	}
	err = v.sleep(ctx, v.GripDelay, stop)
	v.mu.Lock()
	if err == nil {
		v.hasObject = hold
		if hold {
			v.stats.Grips++
			v.record("grip")
		} else {
			v.stats.Releases++
			v.record("release")
		}
	}
	v.mu.Unlock()
	v.finish(err)
	return err
}

func (v *Virtual) Status() (Status, Position) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.status, v.pos
}

func (v *Virtual) HasObject() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.hasObject
}

func (v *Virtual) EmergencyStop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	select {
	case <-v.stopCh:
		// already stopped
	default:
		close(v.stopCh)
	}
	v.hasObject = false
	v.stats.EStops++
	v.record("emergency stop")
	if v.connected {
		v.status = StatusError
	}
}

func (v *Virtual) Capabilities() Capabilities {
	return Capabilities{Model: "virtual", Pump: true, PositionFeedback: true}
}

func (v *Virtual) Stats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := v.stats
	s.History = append([]string(nil), v.stats.History...)
	return s
}

func (v *Virtual) ResetStats() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stats = Stats{StartedAt: time.Now().UTC().Format(time.RFC3339)}
}
