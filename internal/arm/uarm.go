package arm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marigold-robotics/sortcell/internal/monitoring"
)

// CommandBus is the slice of the serial mux the driver needs. Satisfied by
// *serialmux.Mux; tests substitute a scripted implementation.
type CommandBus interface {
	SendCommand(string) error
	Request(ctx context.Context, command string, match func(string) bool) (string, error)
	WaitQuiet(ctx context.Context, window time.Duration) error
	Close() error
}

// UArmOptions configures the physical driver. Zero values get sensible
// defaults from Normalize.
type UArmOptions struct {
	// Home is the rest position the arm parks at.
	Home Position

	// AckTimeout bounds the wait for a command acknowledgement.
	AckTimeout time.Duration

	// BootQuiet is how long the firmware's boot chatter must be silent
	// before the link is considered ready.
	BootQuiet time.Duration

	// Speed is the default feedrate in mm/min for moves that do not
	// specify one.
	Speed float64
}

func (o UArmOptions) normalize() UArmOptions {
	if o.Home == (Position{}) {
		o.Home = Position{X: 115, Y: -3, Z: 45}
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.BootQuiet <= 0 {
		o.BootQuiet = 500 * time.Millisecond
	}
	if o.Speed <= 0 {
		o.Speed = 6000
	}
	return o
}

// UArm drives a uArm Swift Pro over its G-code serial protocol. Commands are
// framed "#<seq> <cmd>" and the firmware acknowledges "$<seq> ok ...". Every
// acknowledgement wait is bounded by the configured timeout.
type UArm struct {
	bus  CommandBus
	opts UArmOptions

	mu        sync.Mutex
	seq       int
	connected bool
	status    Status
	pos       Position
	hasObject bool

	// cancelInflight interrupts the blocking operation in progress when an
	// emergency stop fires. Nil when no operation is running.
	cancelInflight context.CancelFunc
}

// NewUArm creates a driver on top of an established serial mux. The mux's
// Monitor loop must be running before Connect is called.
func NewUArm(bus CommandBus, opts UArmOptions) *UArm {
	return &UArm{
		bus:    bus,
		opts:   opts.normalize(),
		status: StatusDisconnected,
	}
}

// nextSeq returns the next command sequence number.
func (u *UArm) nextSeq() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.seq++
	return u.seq
}

// request sends a framed command and waits for its acknowledgement line.
func (u *UArm) request(ctx context.Context, op, cmd string) (string, error) {
	seq := u.nextSeq()
	framed := fmt.Sprintf("#%d %s", seq, cmd)
	ackPrefix := fmt.Sprintf("$%d ", seq)

	ctx, cancel := context.WithTimeout(ctx, u.opts.AckTimeout)
	defer cancel()

	line, err := u.bus.Request(ctx, framed, func(l string) bool {
		return strings.HasPrefix(l, ackPrefix)
	})
	if err != nil {
		kind := WriteFailed
		if errors.Is(err, context.DeadlineExceeded) {
			kind = AckTimeout
		} else if errors.Is(err, context.Canceled) {
			return "", fmt.Errorf("%s: %w", op, ErrStopped)
		}
		return "", &CommError{Kind: kind, Op: op, Err: err}
	}

	reply := strings.TrimSpace(strings.TrimPrefix(line, ackPrefix))
	if !strings.HasPrefix(reply, "ok") {
		return "", &CommError{Kind: WriteFailed, Op: op, Err: fmt.Errorf("firmware error: %s", reply)}
	}
	return reply, nil
}

// begin marks an operation in progress and returns the context the operation
// must use, wired so EmergencyStop can interrupt it.
func (u *UArm) begin(ctx context.Context, status Status, op string) (context.Context, context.CancelFunc, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.connected {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrNotConnected)
	}
	if u.status == StatusError && status != StatusHoming {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrStopped)
	}
	opCtx, cancel := context.WithCancel(ctx)
	u.cancelInflight = cancel
	u.status = status
	return opCtx, cancel, nil
}

func (u *UArm) finish(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cancelInflight = nil
	if err != nil {
		u.status = StatusError
		return
	}
	if u.connected {
		u.status = StatusIdle
	}
}

// Connect waits out the firmware boot banner, attaches the motors, and reads
// the current position.
func (u *UArm) Connect(ctx context.Context) error {
	u.mu.Lock()
	if u.connected {
		u.mu.Unlock()
		return nil
	}
	u.mu.Unlock()

	if err := u.bus.WaitQuiet(ctx, u.opts.BootQuiet); err != nil {
		return &CommError{Kind: ConnectFailed, Op: "connect", Err: err}
	}

	ackCtx, cancel := context.WithTimeout(ctx, u.opts.AckTimeout)
	defer cancel()
	// M17 energises the steppers; the ack doubles as a liveness probe.
	seq := u.nextSeq()
	framed := fmt.Sprintf("#%d M17", seq)
	prefix := fmt.Sprintf("$%d ", seq)
	if _, err := u.bus.Request(ackCtx, framed, func(l string) bool {
		return strings.HasPrefix(l, prefix)
	}); err != nil {
		return &CommError{Kind: ConnectFailed, Op: "connect", Err: err}
	}

	u.mu.Lock()
	u.connected = true
	u.status = StatusIdle
	u.mu.Unlock()

	if pos, err := u.queryPosition(ctx); err == nil {
		u.mu.Lock()
		u.pos = pos
		u.mu.Unlock()
	} else {
		monitoring.Logf("arm: position query after connect failed: %v", err)
	}
	monitoring.Logf("uArm connected, position %s", u.pos)
	return nil
}

func (u *UArm) Disconnect() error {
	u.mu.Lock()
	u.connected = false
	u.status = StatusDisconnected
	u.cancelInflight = nil
	u.mu.Unlock()
	return u.bus.Close()
}

// queryPosition asks the firmware for the cartesian position (P2220 replies
// "ok X154.71 Y194.91 Z10.21").
func (u *UArm) queryPosition(ctx context.Context) (Position, error) {
	reply, err := u.request(ctx, "position", "P2220")
	if err != nil {
		return Position{}, err
	}
	var pos Position
	for _, field := range strings.Fields(reply) {
		if len(field) < 2 {
			continue
		}
		val, perr := strconv.ParseFloat(field[1:], 64)
		if perr != nil {
			continue
		}
		switch field[0] {
		case 'X':
			pos.X = val
		case 'Y':
			pos.Y = val
		case 'Z':
			pos.Z = val
		}
	}
	return pos, nil
}

func (u *UArm) Home(ctx context.Context) error {
	opCtx, cancel, err := u.begin(ctx, StatusHoming, "home")
	if err != nil {
		return err
	}
	defer cancel()

	home := u.opts.Home
	_, err = u.request(opCtx, "home",
		fmt.Sprintf("G0 X%.2f Y%.2f Z%.2f F%.0f", home.X, home.Y, home.Z, u.opts.Speed))
	if err == nil {
		u.mu.Lock()
		u.pos = home
		u.mu.Unlock()
	}
	u.finish(err)
	return err
}

func (u *UArm) MoveTo(ctx context.Context, pos Position, speed float64) error {
	if speed <= 0 {
		speed = u.opts.Speed
	}
	opCtx, cancel, err := u.begin(ctx, StatusMoving, "move")
	if err != nil {
		return err
	}
	defer cancel()

	_, err = u.request(opCtx, "move",
		fmt.Sprintf("G0 X%.2f Y%.2f Z%.2f F%.0f", pos.X, pos.Y, pos.Z, speed))
	if err == nil {
		u.mu.Lock()
		u.pos = pos
		u.mu.Unlock()
	}
	u.finish(err)
	return err
}

func (u *UArm) Grip(ctx context.Context, hold bool) error {
	status := StatusGrabbing
	cmd := "M2231 V1"
	if !hold {
		status = StatusReleasing
		cmd = "M2231 V0"
	}
	opCtx, cancel, err := u.begin(ctx, status, "grip")
	if err != nil {
		return err
	}
	defer cancel()

	_, err = u.request(opCtx, "grip", cmd)
	if err == nil {
		u.mu.Lock()
		u.hasObject = hold
		u.mu.Unlock()
	}
	u.finish(err)
	return err
}

func (u *UArm) Status() (Status, Position) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status, u.pos
}

func (u *UArm) HasObject() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hasObject
}

// EmergencyStop interrupts any in-flight operation, drops the pump, and
// detaches the servos. The stop commands are fired without waiting for
// acknowledgements: a wedged firmware must not delay the stop.
func (u *UArm) EmergencyStop() {
	u.mu.Lock()
	if u.cancelInflight != nil {
		u.cancelInflight()
		u.cancelInflight = nil
	}
	connected := u.connected
	if connected {
		u.status = StatusError
	}
	u.hasObject = false
	u.mu.Unlock()

	if !connected {
		return
	}
	if err := u.bus.SendCommand("M2231 V0"); err != nil {
		monitoring.Logf("arm: emergency stop: pump off failed: %v", err)
	}
	if err := u.bus.SendCommand("M2019"); err != nil {
		monitoring.Logf("arm: emergency stop: servo detach failed: %v", err)
	}
}

func (u *UArm) Capabilities() Capabilities {
	return Capabilities{Model: "uArm Swift Pro", Pump: true, PositionFeedback: false}
}
