package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marigold-robotics/sortcell/internal/arm"
	"github.com/marigold-robotics/sortcell/internal/config"
	"github.com/marigold-robotics/sortcell/internal/db"
	"github.com/marigold-robotics/sortcell/internal/vision"
)

func ptrF(v float64) *float64 { return &v }
func ptrS(v string) *string   { return &v }

// fakeDriver records every mutating call in order. MoveGate, when set,
// blocks MoveTo until the gate closes or the context ends.
type fakeDriver struct {
	mu        sync.Mutex
	calls     []string
	status    arm.Status
	pos       arm.Position
	hasObject bool
	stops     int

	MoveGate chan struct{}
	MoveErr  error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{status: arm.StatusIdle}
}

func (f *fakeDriver) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDriver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDriver) Connect(ctx context.Context) error { return nil }
func (f *fakeDriver) Disconnect() error                 { return nil }

func (f *fakeDriver) Home(ctx context.Context) error {
	f.record("home")
	f.mu.Lock()
	f.pos = arm.Position{X: 115, Y: -3, Z: 45}
	f.status = arm.StatusIdle
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) MoveTo(ctx context.Context, pos arm.Position, speed float64) error {
	f.record(fmt.Sprintf("move %.1f %.1f %.1f", pos.X, pos.Y, pos.Z))
	f.mu.Lock()
	gate := f.MoveGate
	err := f.MoveErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if gate != nil {
		f.mu.Lock()
		f.status = arm.StatusMoving
		f.mu.Unlock()
		select {
		case <-gate:
		case <-ctx.Done():
			f.mu.Lock()
			f.status = arm.StatusError
			f.mu.Unlock()
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.pos = pos
	f.status = arm.StatusIdle
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Grip(ctx context.Context, hold bool) error {
	f.record(fmt.Sprintf("grip %v", hold))
	f.mu.Lock()
	f.hasObject = hold
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Status() (arm.Status, arm.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.pos
}

func (f *fakeDriver) HasObject() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasObject
}

func (f *fakeDriver) EmergencyStop() {
	f.record("estop")
	f.mu.Lock()
	f.stops++
	f.status = arm.StatusError
	f.hasObject = false
	f.mu.Unlock()
}

func (f *fakeDriver) Capabilities() arm.Capabilities {
	return arm.Capabilities{Model: "fake", Pump: true}
}

func testConfig() *config.CellConfig {
	return &config.CellConfig{
		HoverHeight: ptrF(80),
		PickHeight:  ptrF(15),
		GripSettle:  ptrS("1ms"),
		MoveTimeout: ptrS("2s"),
		JobTimeout:  ptrS("5s"),
		Placements: map[string]config.Placement{
			"plastic": {Drop: vision.Point{X: 120, Y: -180}, DropZ: 60},
			"banana":  {Drop: vision.Point{X: 180, Y: -180}, DropZ: 60, PickHeight: ptrF(25)},
		},
	}
}

func newTestSequencer(t *testing.T, driver arm.Driver, cfg *config.CellConfig, store JobStore) (*Sequencer, context.CancelFunc) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	projector, err := vision.NewProjector(cfg.GetCalibration(), nil, cfg.GetEnvelope(), 640, 480)
	if err != nil {
		t.Fatalf("building projector: %v", err)
	}
	seq := New(driver, projector, cfg, store)
	ctx, cancel := context.WithCancel(context.Background())
	go seq.Run(ctx)
	t.Cleanup(func() {
		cancel()
		seq.Close()
	})
	return seq, cancel
}

func plasticDetection() vision.Detection {
	return vision.Detection{
		Class:      "plastic",
		Confidence: 0.92,
		BBox:       vision.BBox{X1: 100, Y1: 100, X2: 200, Y2: 180},
	}
}

func TestPickSequenceHappyPath(t *testing.T) {
	driver := newFakeDriver()
	seq, _ := newTestSequencer(t, driver, nil, nil)

	result, job, err := seq.SubmitGrab(plasticDetection(), vision.ViewState{Zoom: 1})
	if err != nil {
		t.Fatalf("SubmitGrab failed: %v", err)
	}
	if !result.Accepted || result.Busy {
		t.Fatalf("result = %+v, want accepted", result)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := seq.Wait(ctx, job)
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if state != StateDone {
		t.Fatalf("state = %s, want DONE", state)
	}

	calls := driver.Calls()
	wantShape := []string{"move", "move", "grip true", "move", "move", "move", "grip false", "home"}
	if len(calls) != len(wantShape) {
		t.Fatalf("calls = %v, want %d calls", calls, len(wantShape))
	}
	for i, prefix := range wantShape {
		if !strings.HasPrefix(calls[i], prefix) {
			t.Errorf("call[%d] = %q, want prefix %q", i, calls[i], prefix)
		}
	}

	// Approach at hover height, descend to pick height, transport ends at
	// the configured plastic drop.
	if !strings.HasSuffix(calls[0], " 80.0") {
		t.Errorf("approach %q not at hover height", calls[0])
	}
	if !strings.HasSuffix(calls[1], " 15.0") {
		t.Errorf("descend %q not at pick height", calls[1])
	}
	if calls[5] != "move 120.0 -180.0 60.0" {
		t.Errorf("drop descend = %q", calls[5])
	}

	status := seq.Status()
	if status.State != arm.StatusIdle || status.HasObject {
		t.Errorf("final status = %+v, want idle without object", status)
	}
	if job.Target == (vision.Point{}) {
		t.Error("job target never set")
	}
}

func TestUnknownClassRejectedWithoutMotion(t *testing.T) {
	driver := newFakeDriver()
	seq, _ := newTestSequencer(t, driver, nil, nil)

	det := plasticDetection()
	det.Class = "unknown_type"
	_, job, err := seq.SubmitGrab(det, vision.ViewState{Zoom: 1})
	if err != nil {
		t.Fatalf("SubmitGrab failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, jobErr := seq.Wait(ctx, job)
	if state != StateFailed {
		t.Fatalf("state = %s, want FAILED", state)
	}
	var unknown *UnknownClassError
	if !errors.As(jobErr, &unknown) || unknown.Class != "unknown_type" {
		t.Errorf("error = %v, want UnknownClassError", jobErr)
	}
	if calls := driver.Calls(); len(calls) != 0 {
		t.Errorf("driver calls = %v, want none", calls)
	}
}

func TestUnreachableTargetRejectedWithoutMotion(t *testing.T) {
	driver := newFakeDriver()
	cfg := testConfig()
	// Envelope tightened so the projected target falls outside it.
	cfg.EnvelopeMinRadius = ptrF(1)
	cfg.EnvelopeMaxRadius = ptrF(10)
	seq, _ := newTestSequencer(t, driver, cfg, nil)

	_, job, err := seq.SubmitGrab(plasticDetection(), vision.ViewState{Zoom: 1})
	if err != nil {
		t.Fatalf("SubmitGrab failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, jobErr := seq.Wait(ctx, job)
	if state != StateFailed {
		t.Fatalf("state = %s, want FAILED", state)
	}
	var oob *vision.OutOfEnvelopeError
	if !errors.As(jobErr, &oob) {
		t.Errorf("error = %v, want OutOfEnvelopeError", jobErr)
	}
	if calls := driver.Calls(); len(calls) != 0 {
		t.Errorf("driver calls = %v, want none", calls)
	}
}

func TestEmptyDetectionRejected(t *testing.T) {
	seq, _ := newTestSequencer(t, newFakeDriver(), nil, nil)
	det := plasticDetection()
	det.BBox = vision.BBox{X1: 100, Y1: 100, X2: 100, Y2: 180}
	_, _, err := seq.SubmitGrab(det, vision.ViewState{Zoom: 1})
	if !errors.Is(err, ErrEmptyDetection) {
		t.Errorf("error = %v, want ErrEmptyDetection", err)
	}
}

func TestBusyRejection(t *testing.T) {
	driver := newFakeDriver()
	driver.MoveGate = make(chan struct{})
	seq, _ := newTestSequencer(t, driver, nil, nil)

	_, first, err := seq.SubmitGrab(plasticDetection(), vision.ViewState{Zoom: 1})
	if err != nil {
		t.Fatalf("first SubmitGrab failed: %v", err)
	}

	// Wait until the first job is holding the arm.
	deadline := time.Now().Add(2 * time.Second)
	for len(driver.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first job never reached the driver")
		}
		time.Sleep(time.Millisecond)
	}
	callsBefore := len(driver.Calls())

	result, _, err := seq.SubmitGrab(plasticDetection(), vision.ViewState{Zoom: 1})
	if !result.Busy {
		t.Fatalf("second submission result = %+v, want busy", result)
	}
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("error = %v, want BusyError", err)
	}
	if busy.JobID != first.ID {
		t.Errorf("busy job = %s, want %s", busy.JobID, first.ID)
	}
	if result.CurrentState.Terminal() {
		t.Errorf("busy state = %s, want in-flight state", result.CurrentState)
	}

	// The rejection altered nothing about the first job's trajectory.
	if got := len(driver.Calls()); got != callsBefore {
		t.Errorf("driver calls went %d -> %d on busy rejection", callsBefore, got)
	}

	close(driver.MoveGate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if state, err := seq.Wait(ctx, first); err != nil || state != StateDone {
		t.Errorf("first job finished %s, %v", state, err)
	}

	// Slot frees once the first job terminates.
	result, _, err = seq.SubmitGrab(plasticDetection(), vision.ViewState{Zoom: 1})
	if err != nil || !result.Accepted {
		t.Errorf("submission after completion = %+v, %v", result, err)
	}
}

func TestEmergencyStopAbortsMovingJob(t *testing.T) {
	driver := newFakeDriver()
	driver.MoveGate = make(chan struct{})
	seq, _ := newTestSequencer(t, driver, nil, nil)

	_, job, err := seq.SubmitGrab(plasticDetection(), vision.ViewState{Zoom: 1})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(driver.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never reached the driver")
		}
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	seq.EmergencyStop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, jobErr := seq.Wait(ctx, job)
	if state != StateFailed {
		t.Fatalf("state = %s, want FAILED", state)
	}
	if !errors.Is(jobErr, ErrStopped) {
		t.Errorf("error = %v, want ErrStopped", jobErr)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("abort took %v despite blocked driver", elapsed)
	}

	driver.mu.Lock()
	stops := driver.stops
	driver.mu.Unlock()
	if stops != 1 {
		t.Errorf("driver stops = %d, want 1", stops)
	}

	// Idempotent from the caller's perspective.
	seq.EmergencyStop()
}

func TestEmergencyStopBeforeExecutionAbortsJob(t *testing.T) {
	driver := newFakeDriver()
	cfg := testConfig()
	projector, err := vision.NewProjector(cfg.GetCalibration(), nil, cfg.GetEnvelope(), 640, 480)
	if err != nil {
		t.Fatalf("building projector: %v", err)
	}
	seq := New(driver, projector, cfg, nil)

	// The worker is not running yet: the stop lands after acceptance but
	// before the job executes.
	_, job, err := seq.SubmitGrab(plasticDetection(), vision.ViewState{Zoom: 1})
	if err != nil {
		t.Fatal(err)
	}
	seq.EmergencyStop()

	ctx, cancel := context.WithCancel(context.Background())
	go seq.Run(ctx)
	t.Cleanup(func() {
		cancel()
		seq.Close()
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	state, jobErr := seq.Wait(waitCtx, job)
	if state != StateFailed {
		t.Fatalf("state = %s, want FAILED", state)
	}
	if !errors.Is(jobErr, ErrStopped) {
		t.Errorf("error = %v, want ErrStopped", jobErr)
	}

	// The stopped job never reached the arm; only the stop itself did.
	if calls := driver.Calls(); len(calls) != 1 || calls[0] != "estop" {
		t.Errorf("driver calls = %v, want just the stop", calls)
	}

	// A stop consumed by the aborted job does not bleed into the next one.
	result, next, err := seq.SubmitGrab(plasticDetection(), vision.ViewState{Zoom: 1})
	if err != nil || !result.Accepted {
		t.Fatalf("submission after stop = %+v, %v", result, err)
	}
	if state, err := seq.Wait(waitCtx, next); err != nil || state != StateDone {
		t.Errorf("next job finished %s, %v", state, err)
	}
}

func TestMoveTimeoutFailsJob(t *testing.T) {
	driver := newFakeDriver()
	driver.MoveGate = make(chan struct{}) // never closed
	cfg := testConfig()
	cfg.MoveTimeout = ptrS("50ms")
	seq, _ := newTestSequencer(t, driver, cfg, nil)

	_, job, err := seq.SubmitGrab(plasticDetection(), vision.ViewState{Zoom: 1})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, jobErr := seq.Wait(ctx, job)
	if state != StateFailed {
		t.Fatalf("state = %s, want FAILED", state)
	}
	if !errors.Is(jobErr, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", jobErr)
	}
	if status, _ := driver.Status(); status != arm.StatusError {
		t.Errorf("arm status = %s, want error", status)
	}
}

func TestTestSortRunsSynchronously(t *testing.T) {
	driver := newFakeDriver()
	seq, _ := newTestSequencer(t, driver, nil, nil)

	state, err := seq.TestSort(context.Background(), "banana")
	if err != nil {
		t.Fatalf("TestSort failed: %v", err)
	}
	if state != StateDone {
		t.Errorf("state = %s, want DONE", state)
	}
	// Per-class pick height override applies.
	var sawOverride bool
	for _, c := range driver.Calls() {
		if strings.HasSuffix(c, " 25.0") {
			sawOverride = true
		}
	}
	if !sawOverride {
		t.Errorf("calls %v missing banana pick height 25", driver.Calls())
	}
}

func TestHomeRejectedWhileBusy(t *testing.T) {
	driver := newFakeDriver()
	driver.MoveGate = make(chan struct{})
	seq, _ := newTestSequencer(t, driver, nil, nil)

	_, job, err := seq.SubmitGrab(plasticDetection(), vision.ViewState{Zoom: 1})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(driver.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never reached the driver")
		}
		time.Sleep(time.Millisecond)
	}

	var busy *BusyError
	if err := seq.Home(context.Background()); !errors.As(err, &busy) {
		t.Errorf("Home while busy = %v, want BusyError", err)
	}

	close(driver.MoveGate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seq.Wait(ctx, job)

	if err := seq.Home(context.Background()); err != nil {
		t.Errorf("Home after completion failed: %v", err)
	}
}

func TestVirtualArmEndToEnd(t *testing.T) {
	virtual := arm.NewVirtual()
	if err := virtual.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	seq, _ := newTestSequencer(t, virtual, nil, nil)

	state, err := seq.TestSort(context.Background(), "plastic")
	if err != nil {
		t.Fatalf("TestSort failed: %v", err)
	}
	if state != StateDone {
		t.Fatalf("state = %s, want DONE", state)
	}
	stats := virtual.Stats()
	if stats.Moves == 0 || stats.Grips != 1 || stats.Releases != 1 || stats.Homes != 1 {
		t.Errorf("virtual stats = %+v", stats)
	}
}

// recordingStore captures persistence calls.
type recordingStore struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingStore) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recordingStore) RecordJob(j db.Job) error {
	r.add("record " + j.Class)
	return nil
}

func (r *recordingStore) SetJobTarget(jobID string, x, y float64) error {
	r.add("target")
	return nil
}

func (r *recordingStore) UpdateJobState(jobID, state, detail string) error {
	r.add("state " + state)
	return nil
}

func (r *recordingStore) FinishJob(jobID, state, errMsg string) error {
	r.add("finish " + state)
	return nil
}

func TestJobPersistence(t *testing.T) {
	store := &recordingStore{}
	seq, _ := newTestSequencer(t, newFakeDriver(), nil, store)

	if _, err := seq.TestSort(context.Background(), "plastic"); err != nil {
		t.Fatal(err)
	}

	store.mu.Lock()
	events := append([]string(nil), store.events...)
	store.mu.Unlock()

	if len(events) == 0 || events[0] != "record plastic" {
		t.Fatalf("events = %v, want leading record", events)
	}
	if events[len(events)-1] != "finish DONE" {
		t.Errorf("events = %v, want trailing finish DONE", events)
	}
	var sawTransformed bool
	for _, e := range events {
		if e == "state TRANSFORMED" {
			sawTransformed = true
		}
	}
	if !sawTransformed {
		t.Errorf("events = %v, missing TRANSFORMED transition", events)
	}
}
