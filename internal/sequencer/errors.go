package sequencer

import "fmt"

// BusyError is the expected outcome of submitting a grab while another job
// is in flight. It is backpressure, not a fault: callers retry on their own
// cadence.
type BusyError struct {
	JobID string
	State JobState
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("sequencer: busy with job %s in state %s", e.JobID, e.State)
}

// UnknownClassError marks a detection whose class has no placement entry.
// The job fails before any motion: misrouting an object is worse than
// rejecting it, and an unknown class means a detector/config mismatch that
// needs a human, not a default bin.
type UnknownClassError struct {
	Class string
}

func (e *UnknownClassError) Error() string {
	return fmt.Sprintf("sequencer: no placement configured for class %q", e.Class)
}

// ErrEmptyDetection rejects a detection with a degenerate bounding box.
var ErrEmptyDetection = fmt.Errorf("sequencer: detection bbox is empty")

// ErrStopped marks a job aborted by an emergency stop.
var ErrStopped = fmt.Errorf("sequencer: aborted by emergency stop")
