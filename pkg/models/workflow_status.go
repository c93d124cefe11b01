// Package models holds the row types persisted by the system database and
// the application database adapter, mirrored 1:1 against the dbos schema
// (see pkg/systemdb and pkg/appdb for the queries that read/write them).
package models

// WorkflowStatusValue is the lifecycle state of a workflow invocation.
type WorkflowStatusValue string

const (
	WorkflowStatusPending WorkflowStatusValue = "PENDING"
	WorkflowStatusSuccess WorkflowStatusValue = "SUCCESS"
	WorkflowStatusError   WorkflowStatusValue = "ERROR"
)

// IsTerminal reports whether no further status write is permitted.
func (s WorkflowStatusValue) IsTerminal() bool {
	return s == WorkflowStatusSuccess || s == WorkflowStatusError
}

// WorkflowStatus is one row of workflow_status: the authoritative record of
// a single workflow invocation.
type WorkflowStatus struct {
	WorkflowUUID       string               `db:"workflow_uuid"`
	Status             WorkflowStatusValue  `db:"status"`
	Name               string               `db:"name"`
	AuthenticatedUser  string               `db:"authenticated_user"`
	AssumedRole        string               `db:"assumed_role"`
	AuthenticatedRoles string               `db:"authenticated_roles"`
	Request            string               `db:"request"`
	Output             *string              `db:"output"`
	Error              *string              `db:"error"`
	ExecutorID         string               `db:"executor_id"`
	CreatedAt          int64                `db:"created_at"`
	UpdatedAt          int64                `db:"updated_at"`
	ApplicationVersion string               `db:"application_version"`
	ApplicationID      string               `db:"application_id"`
	ClassName          string               `db:"class_name"`
	ConfigName         string               `db:"config_name"`
	RecoveryAttempts   int64                `db:"recovery_attempts"`
	QueueName          *string              `db:"queue_name"`
}

// IsTemp reports whether this row belongs to a temp workflow:
// an ad-hoc transaction/step/send invoked outside an enclosing workflow.
func (w *WorkflowStatus) IsTemp() bool {
	return len(w.Name) >= len(TempWorkflowPrefix) && w.Name[:len(TempWorkflowPrefix)] == TempWorkflowPrefix
}

// TempWorkflowPrefix is prepended to the synthetic name of a temp workflow:
// "<temp>:{kind}:{fn_qualname}".
const TempWorkflowPrefix = "<temp>"

// TempWorkflowKind enumerates the operations that can spawn a temp workflow.
type TempWorkflowKind string

const (
	TempWorkflowTransaction TempWorkflowKind = "transaction"
	TempWorkflowStep        TempWorkflowKind = "step"
	TempWorkflowSend        TempWorkflowKind = "send"
)

// TempWorkflowName builds the synthetic name recorded for a temp workflow.
func TempWorkflowName(kind TempWorkflowKind, fnQualname string) string {
	return TempWorkflowPrefix + ":" + string(kind) + ":" + fnQualname
}

// OperationOutput is one row of operation_outputs: the checkpointed result
// of a step, send, recv, set_event, get_event or sleep call.
type OperationOutput struct {
	WorkflowUUID string  `db:"workflow_uuid"`
	FunctionID   int64   `db:"function_id"`
	Output       *string `db:"output"`
	Error        *string `db:"error"`
}

// WorkflowInputs is the workflow_inputs row recorded once on first dispatch.
type WorkflowInputs struct {
	WorkflowUUID string `db:"workflow_uuid"`
	Inputs       string `db:"inputs"`
}

// Notification is one row of notifications: an inter-workflow message
// awaiting pickup by recv.
type Notification struct {
	DestinationUUID  string `db:"destination_uuid"`
	Topic            string `db:"topic"`
	Message          string `db:"message"`
	CreatedAtEpochMs int64  `db:"created_at_epoch_ms"`
	MessageUUID      string `db:"message_uuid"`
}

// WorkflowEvent is one row of workflow_events: a durable key/value fact
// published by set_event and read by get_event.
type WorkflowEvent struct {
	WorkflowUUID string `db:"workflow_uuid"`
	Key          string `db:"key"`
	Value        string `db:"value"`
}

// SchedulerState is one row of scheduler_state: the last fire time recorded
// for a scheduled workflow function.
type SchedulerState struct {
	WorkflowFnName string `db:"workflow_fn_name"`
	LastRunTime    int64  `db:"last_run_time"`
}

// WorkflowQueueEntry is one row of workflow_queue: a workflow dispatched onto
// a queue, with the epoch-ms times it started and completed (nil until set).
type WorkflowQueueEntry struct {
	WorkflowUUID     string  `db:"workflow_uuid"`
	ExecutorID       string  `db:"executor_id"`
	QueueName        string  `db:"queue_name"`
	CreatedAtEpochMs int64   `db:"created_at_epoch_ms"`
	StartedAtEpochMs *int64  `db:"started_at_epoch_ms"`
	CompletedAtMs    *int64  `db:"completed_at_epoch_ms"`
}
