package models

import "fmt"

// ConflictError is constructed by both pkg/systemdb and pkg/appdb when an
// insert into operation_outputs/transaction_outputs hits the dialect's
// unique-constraint violation code: another worker already recorded this
// function_id's checkpoint, the trigger for WorkflowConflictIDError. It lives here,
// rather than in either database package, so neither has to import the
// other and the root package can re-export a single alias for it.
type ConflictError struct {
	WorkflowID string
	FunctionID int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("workflow %s function_id %d conflicted with a concurrent writer", e.WorkflowID, e.FunctionID)
}
