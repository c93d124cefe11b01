// Package systemdb implements the system database: the authoritative store
// for workflow status, per-step outputs, notifications, events, scheduler
// state, and the workflow queue. This is the hardest-working part of the
// runtime's persistence layer.
package systemdb

import (
	"context"
	"time"

	"github.com/dbos-go/dbos/pkg/models"
)

// SystemDB is the interface the executor, recovery loop, and write buffers
// use to read and write workflow state. The executor never talks to SQL
// directly — it only ever goes through this interface, so it is exercised
// identically against the sqlx-backed implementation and the in-memory fake
// used by unit tests.
type SystemDB interface {
	// InsertWorkflowStatus performs an insert-if-absent: if no row exists, it inserts one with status PENDING and
	// recovery_attempts=1 and returns it with inserted=true. If a row
	// already exists, it increments recovery_attempts, resets status to
	// PENDING only if the row is not already terminal, and returns the
	// updated (or unchanged, if terminal) row with inserted=false.
	InsertWorkflowStatus(ctx context.Context, row *models.WorkflowStatus) (current *models.WorkflowStatus, inserted bool, err error)

	// UpdateWorkflowOutcome writes the outcome of one workflow unless its
	// row is already terminal. The write buffer flush does not use it; it
	// goes through FlushStatusBuffer.
	UpdateWorkflowOutcome(ctx context.Context, workflowUUID string, status models.WorkflowStatusValue, output, errStr *string, updatedAt int64) error

	// GetWorkflowStatus returns nil, nil if no such workflow exists.
	GetWorkflowStatus(ctx context.Context, workflowUUID string) (*models.WorkflowStatus, error)

	// InsertWorkflowInputs inserts workflow_inputs, skipping silently (per
	// the FK-ordering rule) if workflowUUID has no workflow_status row.
	InsertWorkflowInputs(ctx context.Context, workflowUUID, inputs string) error
	GetWorkflowInputs(ctx context.Context, workflowUUID string) (string, bool, error)

	// CheckOperationOutput implements the OAOO lookup used by steps, send,
	// recv, set_event, get_event, and sleep.
	CheckOperationOutput(ctx context.Context, workflowUUID string, functionID int64) (*models.OperationOutput, bool, error)

	// RecordOperationOutput inserts the checkpoint for a step/signal/sleep.
	// A unique-constraint conflict is surfaced as *dbos.WorkflowConflictIDError
	// via the dialect's IsConflict classification (pkg/systemdb/dialect.go).
	RecordOperationOutput(ctx context.Context, row *models.OperationOutput) error

	// Send inserts a notification row under the sender's OAOO function_id
	// protection (the caller is responsible for the operation_outputs
	// checkpoint; Send only performs the insert).
	Send(ctx context.Context, n *models.Notification) error

	// Recv polls for a notification matching (destinationUUID, topic),
	// deletes it, and returns its payload. ok=false on timeout expiry.
	// timeout<=0 waits with no deadline.
	Recv(ctx context.Context, destinationUUID, topic string, timeout time.Duration) (message string, ok bool, err error)

	// SetEvent upserts workflow_events.
	SetEvent(ctx context.Context, e *models.WorkflowEvent) error

	// GetEvent polls for a workflow_events row, with the same timeout
	// semantics as Recv.
	GetEvent(ctx context.Context, targetUUID, key string, timeout time.Duration) (value string, ok bool, err error)

	// PendingWorkflows returns workflow_status rows in PENDING whose
	// executor_id is in executorIDs (or any executor_id, if empty), for the
	// recovery loop.
	PendingWorkflows(ctx context.Context, executorIDs []string) ([]*models.WorkflowStatus, error)

	// ListWorkflows returns workflow_status rows created at or after
	// sinceMs, ordered by created_at.
	ListWorkflows(ctx context.Context, sinceMs int64) ([]*models.WorkflowStatus, error)

	// GetSchedulerState returns the last recorded fire time for a scheduled
	// workflow function; ok=false if it has never fired.
	GetSchedulerState(ctx context.Context, workflowFnName string) (lastRunMs int64, ok bool, err error)
	// UpsertSchedulerState records the last fire time for a scheduled
	// workflow function, once per tick.
	UpsertSchedulerState(ctx context.Context, st *models.SchedulerState) error

	// Enqueue inserts a workflow_queue row for a not-yet-started workflow.
	Enqueue(ctx context.Context, q *models.WorkflowQueueEntry) error
	// DequeueStart marks a queued workflow as started (sets started_at).
	DequeueStart(ctx context.Context, workflowUUID string, startedAtMs int64) error
	// DequeueComplete marks a queued workflow as finished.
	DequeueComplete(ctx context.Context, workflowUUID string, completedAtMs int64) error

	// FlushStatusBuffer and FlushInputsBuffer are the batch write paths used
	// by the write buffer. FlushInputsBuffer MUST be called after
	// FlushStatusBuffer for the same batch so that workflow_inputs' FK to
	// workflow_status is never violated; rows whose parent row is absent
	// are dropped as a defensive fallback.
	FlushStatusBuffer(ctx context.Context, rows []*models.WorkflowStatus) error
	FlushInputsBuffer(ctx context.Context, rows []*models.WorkflowInputs) error

	// Ping supports the readiness/health surface.
	Ping(ctx context.Context) error
	Close() error
}

// notificationChannel is the Postgres LISTEN/NOTIFY channel used by the
// sqlx implementation's Recv fast path; GetEvent always polls.
const notificationChannel = "dbos_notifications_channel"
