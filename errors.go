package dbos

import (
	"fmt"

	"github.com/dbos-go/dbos/pkg/models"
)

// WorkflowConflictIDError is returned when an insert into operation_outputs
// or transaction_outputs raced another worker recording the same
// (workflow_uuid, function_id); the caller re-reads and returns the row the
// winner wrote. It is a type alias for models.ConflictError so
// pkg/systemdb and pkg/appdb can construct one without importing this
// package (which imports both of them).
type WorkflowConflictIDError = models.ConflictError

// NonExistentWorkflowError is returned by RetrieveWorkflow and
// ExecuteWorkflowID when no workflow_status row exists for the given id.
type NonExistentWorkflowError struct {
	WorkflowID string
}

func (e *NonExistentWorkflowError) Error() string {
	return fmt.Sprintf("workflow %q does not exist", e.WorkflowID)
}

// MaxStepRetriesExceededError is returned by InvokeStep once its retry
// budget is exhausted; it carries the last error the step function raised.
type MaxStepRetriesExceededError struct {
	StepName   string
	MaxRetries int
	Cause      error
}

func (e *MaxStepRetriesExceededError) Error() string {
	return fmt.Sprintf("step %q exceeded %d retries: %v", e.StepName, e.MaxRetries, e.Cause)
}

func (e *MaxStepRetriesExceededError) Unwrap() error {
	return e.Cause
}

// UnsupportedError is returned when a caller asks for a dialect or feature
// the core does not implement.
type UnsupportedError struct {
	Feature string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported: %s", e.Feature)
}

// RecordedError is the decoded form of a user error that was captured into
// operation_outputs, transaction_outputs, or workflow_status.error on a
// prior execution and is now being replayed to the caller verbatim. It
// preserves the original error's message across the encode/decode
// round-trip without requiring the original Go type to be registered.
type RecordedError struct {
	Message string
}

func (e *RecordedError) Error() string {
	return e.Message
}
