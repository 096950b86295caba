package pack

import (
	"errors"
	"fmt"

	"packline.ai/internal/sim"
)

// ErrAborted is returned by Packer.Run when a policy aborted the batch.
var ErrAborted = errors.New("pack: batch aborted")

// HandleError reports an object name the simulator could not resolve.
type HandleError struct {
	Name string
	Err  error
}

func (e *HandleError) Error() string {
	return fmt.Sprintf("resolve %q: %v", e.Name, e.Err)
}

func (e *HandleError) Unwrap() error { return e.Err }

// AttachError reports a parent reassignment that kept returning a nonzero
// status until the retry bound was exhausted.
type AttachError struct {
	// Op is "open" or "close".
	Op       string
	Child    sim.Handle
	Parent   sim.Handle
	Attempts int
	Status   int
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("%s: set parent of %d to %d failed after %d attempts (status %d)", e.Op, e.Child, e.Parent, e.Attempts, e.Status)
}

// Retryable reports whether the caller may try the whole operation again.
// Exhausted attachments leave the scene as it was before the last call.
func (e *AttachError) Retryable() bool { return true }

// PhaseError aborts the placement of one box.
type PhaseError struct {
	Index int
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("box %d: %s: %v", e.Index, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// IsRetryable reports whether err carries a retryable failure.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
