// Package sequencer orchestrates pick-and-place jobs: it converts a
// detection into a robot target, drives the arm through the pick state
// machine on a dedicated worker goroutine, and enforces the single in-flight
// job policy.
package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marigold-robotics/sortcell/internal/arm"
	"github.com/marigold-robotics/sortcell/internal/config"
	"github.com/marigold-robotics/sortcell/internal/db"
	"github.com/marigold-robotics/sortcell/internal/monitoring"
	"github.com/marigold-robotics/sortcell/internal/vision"
)

// JobState is a pick job's position in its lifecycle. The string values are
// persisted and reported over the API.
type JobState string

const (
	StateReceived     JobState = "RECEIVED"
	StateTransformed  JobState = "TRANSFORMED"
	StateApproaching  JobState = "APPROACHING"
	StateDescending   JobState = "DESCENDING"
	StateGripping     JobState = "GRIPPING"
	StateLifting      JobState = "LIFTING"
	StateTransporting JobState = "TRANSPORTING"
	StateReleasing    JobState = "RELEASING"
	StateReturning    JobState = "RETURNING"
	StateDone         JobState = "DONE"
	StateFailed       JobState = "FAILED"
)

// Terminal reports whether the state ends a job.
func (s JobState) Terminal() bool { return s == StateDone || s == StateFailed }

// Job is one pick-and-place request moving through the state machine.
type Job struct {
	ID        string           `json:"id"`
	Detection vision.Detection `json:"detection"`
	View      vision.ViewState `json:"view"`
	Target    vision.Point     `json:"target"` // robot mm, set once transformed
	State     JobState         `json:"state"`
	Err       error            `json:"-"`
	Started   time.Time        `json:"started"`
	Finished  time.Time        `json:"finished,omitzero"`

	done chan struct{}
	stop chan struct{} // the stop channel armed for this job at submission
}

// SubmitResult answers a grab submission. Exactly one of Accepted and Busy
// is true; Busy carries the in-flight job's state so the caller can surface
// it.
type SubmitResult struct {
	Accepted     bool     `json:"accepted"`
	Busy         bool     `json:"busy"`
	JobID        string   `json:"job_id,omitempty"`
	CurrentState JobState `json:"current_state,omitempty"`
}

// ArmStatus is the combined arm and job view handed to status pollers.
type ArmStatus struct {
	Connected bool         `json:"connected"`
	State     arm.Status   `json:"state"`
	Position  arm.Position `json:"position"`
	HasObject bool         `json:"has_object"`
	JobID     string       `json:"job_id,omitempty"`
	JobState  JobState     `json:"job_state,omitempty"`
}

// JobStore persists job records and transitions. *db.DB satisfies it; a nil
// store disables persistence.
type JobStore interface {
	RecordJob(db.Job) error
	SetJobTarget(jobID string, x, y float64) error
	UpdateJobState(jobID, state, detail string) error
	FinishJob(jobID, state, errMsg string) error
}

// Sequencer owns the arm: it is the only component that issues mutating
// driver calls. Jobs execute one at a time on an internal worker goroutine
// so a slow serial link never stalls submission or status reads.
type Sequencer struct {
	driver    arm.Driver
	projector *vision.Projector
	cfg       *config.CellConfig
	store     JobStore

	mu      sync.Mutex
	current *Job

	jobCh  chan *Job
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a sequencer. store may be nil.
func New(driver arm.Driver, projector *vision.Projector, cfg *config.CellConfig, store JobStore) *Sequencer {
	return &Sequencer{
		driver:    driver,
		projector: projector,
		cfg:       cfg,
		store:     store,
		jobCh:     make(chan *Job, 1),
		stopCh:    make(chan struct{}),
	}
}

// Run executes jobs until ctx is cancelled. It must be running for submitted
// jobs to make progress.
func (s *Sequencer) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobCh:
			s.execute(ctx, job)
		}
	}
}

// SubmitGrab validates a detection and, if the single job slot is free,
// queues it for execution. The caller gets the job ID immediately; motion
// happens on the worker goroutine.
func (s *Sequencer) SubmitGrab(det vision.Detection, view vision.ViewState) (SubmitResult, *Job, error) {
	if det.BBox.Empty() {
		return SubmitResult{}, nil, ErrEmptyDetection
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && !s.current.State.Terminal() {
		busy := &BusyError{JobID: s.current.ID, State: s.current.State}
		return SubmitResult{Busy: true, JobID: s.current.ID, CurrentState: s.current.State}, nil, busy
	}

	// Arm a fresh stop channel for this job; a stop signalled before
	// acceptance must not abort it. A stop arriving any time after this
	// point closes the channel the job captured here.
	select {
	case <-s.stopCh:
		s.stopCh = make(chan struct{})
	default:
	}

	job := &Job{
		ID:        uuid.NewString(),
		Detection: det,
		View:      view,
		State:     StateReceived,
		Started:   time.Now(),
		done:      make(chan struct{}),
		stop:      s.stopCh,
	}
	s.current = job
	s.jobCh <- job

	monitoring.Logf("job %s received: class=%s bbox=%v", job.ID, det.Class, det.BBox)
	return SubmitResult{Accepted: true, JobID: job.ID, CurrentState: job.State}, job, nil
}

// Wait blocks until the job reaches a terminal state or ctx is done.
func (s *Sequencer) Wait(ctx context.Context, job *Job) (JobState, error) {
	select {
	case <-job.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return job.State, job.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// TestSort runs a synchronous diagnostic pick for the given class using a
// synthetic detection centred on the first calibration point.
func (s *Sequencer) TestSort(ctx context.Context, class string) (JobState, error) {
	cal := s.projector.Calibration()
	if len(cal.Pairs) == 0 {
		return "", fmt.Errorf("sequencer: no calibration points for test sort")
	}
	c := cal.Pairs[0].Camera
	det := vision.Detection{
		Class:      class,
		Confidence: 1,
		BBox:       vision.BBox{X1: c.X - 10, Y1: c.Y - 10, X2: c.X + 10, Y2: c.Y + 10},
	}

	result, job, err := s.SubmitGrab(det, vision.ViewState{Zoom: 1})
	if err != nil {
		return "", err
	}
	if !result.Accepted {
		return "", &BusyError{JobID: result.JobID, State: result.CurrentState}
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.GetJobTimeout())
	defer cancel()
	return s.Wait(waitCtx, job)
}

// Status reports the arm and any in-flight job.
func (s *Sequencer) Status() ArmStatus {
	state, pos := s.driver.Status()
	status := ArmStatus{
		Connected: state != arm.StatusDisconnected,
		State:     state,
		Position:  pos,
		HasObject: s.driver.HasObject(),
	}
	s.mu.Lock()
	if s.current != nil {
		status.JobID = s.current.ID
		status.JobState = s.current.State
	}
	s.mu.Unlock()
	return status
}

// Home drives the arm to its rest pose. Rejected with BusyError while a job
// is in flight; homing must not race job motion.
func (s *Sequencer) Home(ctx context.Context) error {
	s.mu.Lock()
	if s.current != nil && !s.current.State.Terminal() {
		busy := &BusyError{JobID: s.current.ID, State: s.current.State}
		s.mu.Unlock()
		return busy
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.GetMoveTimeout())
	defer cancel()
	return s.driver.Home(ctx)
}

// EmergencyStop aborts the in-flight job and stops the arm. The driver stop
// is invoked unconditionally and the call never fails: the logical state is
// forced to a safe terminal regardless of what the hardware does.
func (s *Sequencer) EmergencyStop() {
	s.mu.Lock()
	select {
	case <-s.stopCh:
		// stop already signalled for the current job
	default:
		close(s.stopCh)
	}
	job := s.current
	s.mu.Unlock()

	s.driver.EmergencyStop()
	if job != nil && !job.State.Terminal() {
		monitoring.Logf("job %s aborted by emergency stop", job.ID)
	}
}

// Close waits for the worker to drain after its context is cancelled.
func (s *Sequencer) Close() {
	s.wg.Wait()
}

// setState advances the job's state, logs it, and persists the transition.
func (s *Sequencer) setState(job *Job, state JobState, detail string) {
	s.mu.Lock()
	job.State = state
	s.mu.Unlock()

	monitoring.Logf("job %s -> %s%s", job.ID, state, optDetail(detail))
	if s.store != nil && !state.Terminal() && state != StateReceived {
		if err := s.store.UpdateJobState(job.ID, string(state), detail); err != nil {
			monitoring.Logf("job %s: persisting state %s: %v", job.ID, state, err)
		}
	}
}

func optDetail(detail string) string {
	if detail == "" {
		return ""
	}
	return " (" + detail + ")"
}

// finish records the job's terminal state and releases waiters. The job
// slot stays occupied by the terminal job until the next submission
// replaces it, so status pollers can see the outcome.
func (s *Sequencer) finish(job *Job, state JobState, err error) {
	s.mu.Lock()
	job.State = state
	job.Err = err
	job.Finished = time.Now()
	s.mu.Unlock()

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		monitoring.Logf("job %s FAILED: %v", job.ID, err)
	} else {
		monitoring.Logf("job %s done in %s", job.ID, job.Finished.Sub(job.Started).Round(time.Millisecond))
	}
	if s.store != nil {
		if serr := s.store.FinishJob(job.ID, string(state), errMsg); serr != nil {
			monitoring.Logf("job %s: persisting terminal state: %v", job.ID, serr)
		}
	}
	close(job.done)
}

// jobContext derives the context motion runs under: cancelled by the
// worker's context or by an emergency stop signalled since the job was
// accepted.
func (s *Sequencer) jobContext(ctx context.Context, job *Job) (context.Context, context.CancelFunc) {
	jobCtx, cancel := context.WithCancel(ctx)
	select {
	case <-job.stop:
		// Stop arrived between acceptance and execution.
		cancel()
	default:
		go func() {
			select {
			case <-job.stop:
				cancel()
			case <-jobCtx.Done():
			}
		}()
	}
	return jobCtx, cancel
}

// execute runs one job through the pick state machine.
func (s *Sequencer) execute(ctx context.Context, job *Job) {
	det := job.Detection

	if s.store != nil {
		center := det.BBox.Center()
		rec := db.Job{
			ID: job.ID, Class: det.Class, State: string(StateReceived),
			DisplayX: center.X, DisplayY: center.Y,
		}
		if err := s.store.RecordJob(rec); err != nil {
			monitoring.Logf("job %s: persisting: %v", job.ID, err)
		}
	}

	// Placement lookup happens before any motion.
	placement, ok := s.cfg.Placements[det.Class]
	if !ok {
		s.finish(job, StateFailed, &UnknownClassError{Class: det.Class})
		return
	}

	// Pixel to robot target. Rejections here never touch hardware.
	target, err := s.projector.Project(det.BBox.Center(), job.View)
	if err != nil {
		s.finish(job, StateFailed, err)
		return
	}
	s.mu.Lock()
	job.Target = target
	s.mu.Unlock()
	if s.store != nil {
		if err := s.store.SetJobTarget(job.ID, target.X, target.Y); err != nil {
			monitoring.Logf("job %s: persisting target: %v", job.ID, err)
		}
	}
	s.setState(job, StateTransformed, fmt.Sprintf("target (%.1f, %.1f)", target.X, target.Y))

	jobCtx, cancel := s.jobContext(ctx, job)
	defer cancel()

	hover := s.cfg.GetHoverHeight()
	speed := s.cfg.GetSpeed()
	pickZ := s.cfg.GetPickHeightFor(det.Class)

	type step struct {
		state  JobState
		detail string
		run    func(context.Context) error
	}
	steps := []step{
		{StateApproaching, "", func(c context.Context) error {
			return s.driver.MoveTo(c, arm.Position{X: target.X, Y: target.Y, Z: hover}, speed)
		}},
		{StateDescending, fmt.Sprintf("pick height %.0f", pickZ), func(c context.Context) error {
			return s.driver.MoveTo(c, arm.Position{X: target.X, Y: target.Y, Z: pickZ}, speed)
		}},
		{StateGripping, "", func(c context.Context) error {
			if err := s.driver.Grip(c, true); err != nil {
				return err
			}
			// Timed settle: grip confirmation is an assumption on hardware
			// without sensor feedback.
			return sleepCtx(c, s.cfg.GetGripSettle())
		}},
		{StateLifting, "", func(c context.Context) error {
			return s.driver.MoveTo(c, arm.Position{X: target.X, Y: target.Y, Z: hover}, speed)
		}},
		{StateTransporting, det.Class, func(c context.Context) error {
			return s.driver.MoveTo(c, arm.Position{X: placement.Drop.X, Y: placement.Drop.Y, Z: hover}, speed)
		}},
		{StateReleasing, "", func(c context.Context) error {
			if err := s.driver.MoveTo(c, arm.Position{X: placement.Drop.X, Y: placement.Drop.Y, Z: placement.DropZ}, speed); err != nil {
				return err
			}
			return s.driver.Grip(c, false)
		}},
		{StateReturning, "", func(c context.Context) error {
			return s.driver.Home(c)
		}},
	}

	for _, st := range steps {
		// Checkpoint: a signalled stop aborts before the next motion is
		// issued, whether or not the driver honours context cancellation.
		if jobCtx.Err() != nil {
			s.finish(job, StateFailed, fmt.Errorf("%w (before %s)", ErrStopped, st.state))
			return
		}
		s.setState(job, st.state, st.detail)

		stepCtx, stepCancel := context.WithTimeout(jobCtx, s.cfg.GetMoveTimeout())
		err := st.run(stepCtx)
		stepCancel()

		if err != nil {
			if jobCtx.Err() != nil {
				err = fmt.Errorf("%w (during %s)", ErrStopped, st.state)
			}
			s.finish(job, StateFailed, err)
			return
		}
	}

	s.finish(job, StateDone, nil)
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
