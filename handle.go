package dbos

import (
	"context"
	"time"

	"github.com/dbos-go/dbos/pkg/models"
)

// WorkflowHandle is returned by StartWorkflow/RetrieveWorkflow: a reference
// to one workflow invocation that can be polled for status or joined for
// its terminal result.
type WorkflowHandle struct {
	workflowID string
	d          *DBOS
	done       chan struct{} // closed once the locally-dispatched goroutine finishes
	result     interface{}
	resultErr  error
}

// GetWorkflowID returns the id of the workflow this handle refers to.
func (h *WorkflowHandle) GetWorkflowID() string { return h.workflowID }

// GetStatus reads the current workflow_status row. It always goes to the
// system DB rather than any cached value, since another process may be the
// one executing the workflow.
func (h *WorkflowHandle) GetStatus(ctx context.Context) (*models.WorkflowStatus, error) {
	row, err := h.d.systemDB.GetWorkflowStatus(ctx, h.workflowID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, &NonExistentWorkflowError{WorkflowID: h.workflowID}
	}
	return row, nil
}

// GetResult blocks until the workflow reaches a terminal state and returns
// its decoded output, or the decoded error it terminated with. It accepts
// no timeout and waits until terminal.
func (h *WorkflowHandle) GetResult(ctx context.Context) (interface{}, error) {
	if h.done != nil {
		select {
		case <-h.done:
			return h.result, h.resultErr
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h.pollForResult(ctx)
}

func (h *WorkflowHandle) pollForResult(ctx context.Context) (interface{}, error) {
	const pollInterval = 25 * time.Millisecond
	for {
		row, err := h.GetStatus(ctx)
		if err != nil {
			return nil, err
		}
		if row.Status.IsTerminal() {
			return decodeOutcome(row)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func decodeOutcome(row *models.WorkflowStatus) (interface{}, error) {
	if row.Status == models.WorkflowStatusError {
		if row.Error == nil {
			return nil, &RecordedError{Message: "workflow failed with no recorded error"}
		}
		return nil, errFromEncoded(*row.Error)
	}
	if row.Output == nil {
		return nil, nil
	}
	return Decode(*row.Output)
}

func errFromEncoded(s string) error {
	err, decodeErr := decodeError(s)
	if decodeErr != nil {
		return &RecordedError{Message: s}
	}
	return err
}

func newLocalHandle(d *DBOS, workflowID string) *WorkflowHandle {
	return &WorkflowHandle{workflowID: workflowID, d: d, done: make(chan struct{})}
}

func newRemoteHandle(d *DBOS, workflowID string) *WorkflowHandle {
	return &WorkflowHandle{workflowID: workflowID, d: d}
}

func (h *WorkflowHandle) finish(result interface{}, err error) {
	h.result = result
	h.resultErr = err
	if h.done != nil {
		close(h.done)
	}
}
