package pipeline

import (
	"errors"
	"fmt"

	"github.com/kalambet/accredit/internal/storage"
)

// ValidationError reports a request that names an unknown document,
// accreditor or depth. It matches storage.ErrValidation under errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == storage.ErrValidation
}

// StageError wraps the failure of one pipeline stage.
type StageError struct {
	Stage storage.JobStatus
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrAborted is returned by Run when the job left the expected state while
// it was being processed, typically because it was cancelled.
var ErrAborted = errors.New("job no longer active")

// Failure messages recorded on jobs.
const (
	MsgStageTimeout = "stage_timeout"
	MsgCancelled    = "cancelled"
	MsgInterrupted  = "interrupted"
)
