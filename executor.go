package dbos

import (
	"context"
	"time"

	"github.com/dbos-go/dbos/pkg/models"
	"github.com/dbos-go/dbos/pkg/retry"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// StepOptions configures InvokeStep's retry behaviour.
type StepOptions struct {
	// RetriesAllowed enables the retry-with-backoff loop; when false the
	// step runs exactly once and a failure propagates as the raw error
	// (no MaxStepRetriesExceededError wrapping).
	RetriesAllowed bool
	RetryPolicy    retry.Config
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// decodeCheckpoint turns a stored (output, error) pair — shared shape of
// operation_outputs and transaction_outputs rows — into the OAOO replay
// result.
func decodeCheckpoint(output, errStr *string) (interface{}, error) {
	if errStr != nil {
		return nil, errFromEncoded(*errStr)
	}
	if output == nil {
		return nil, nil
	}
	return Decode(*output)
}

// StartWorkflow dispatches a registered workflow and returns immediately
// with a handle.
func (d *DBOS) StartWorkflow(ctx context.Context, name string, args ...interface{}) (*WorkflowHandle, error) {
	fn, ok := d.registry.lookup(name)
	if !ok {
		return nil, &UnsupportedError{Feature: "start_workflow: unregistered workflow " + name}
	}
	return d.dispatch(ctx, name, fn, args, nil, nil, "")
}

// StartWorkflowOnQueue dispatches like StartWorkflow but also records the
// invocation in workflow_queue, stamping its started/completed times around
// execution.
func (d *DBOS) StartWorkflowOnQueue(ctx context.Context, queueName, name string, args ...interface{}) (*WorkflowHandle, error) {
	fn, ok := d.registry.lookup(name)
	if !ok {
		return nil, &UnsupportedError{Feature: "start_workflow: unregistered workflow " + name}
	}
	return d.dispatch(ctx, name, fn, args, nil, nil, queueName)
}

// GetWorkflows lists workflow_status rows created at or after since,
// temp workflows included.
func (d *DBOS) GetWorkflows(ctx context.Context, since time.Time) ([]*models.WorkflowStatus, error) {
	return d.systemDB.ListWorkflows(ctx, since.UnixMilli())
}

// InvokeWorkflow is the blocking equivalent of
// StartWorkflow(...).GetResult(...).
func (d *DBOS) InvokeWorkflow(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	h, err := d.StartWorkflow(ctx, name, args...)
	if err != nil {
		return nil, err
	}
	return h.GetResult(ctx)
}

// StartChildWorkflow dispatches fn as a child of parent's workflow,
// defaulting its id to "{parent_id}-{child_index}".
func (d *DBOS) StartChildWorkflow(parent *Context, name string, args ...interface{}) (*WorkflowHandle, error) {
	fn, ok := d.registry.lookup(name)
	if !ok {
		return nil, &UnsupportedError{Feature: "start_workflow: unregistered workflow " + name}
	}
	return d.dispatch(parent.Std(), name, fn, args, parent, nil, "")
}

// RetrieveWorkflow returns a handle to a previously dispatched workflow,
// failing with NonExistentWorkflowError if no such row exists.
func (d *DBOS) RetrieveWorkflow(ctx context.Context, workflowID string) (*WorkflowHandle, error) {
	row, err := d.systemDB.GetWorkflowStatus(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, &NonExistentWorkflowError{WorkflowID: workflowID}
	}
	return newRemoteHandle(d, workflowID), nil
}

// ExecuteWorkflowID re-enters the OAOO dispatch path for a known workflow
// id, replaying its recorded inputs.
func (d *DBOS) ExecuteWorkflowID(ctx context.Context, workflowID string) (*WorkflowHandle, error) {
	row, err := d.systemDB.GetWorkflowStatus(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, &NonExistentWorkflowError{WorkflowID: workflowID}
	}
	fn, ok := d.registry.lookup(row.Name)
	if !ok {
		return nil, &UnsupportedError{Feature: "execute_workflow_id: unregistered workflow " + row.Name}
	}
	var args []interface{}
	if inputs, found, err := d.systemDB.GetWorkflowInputs(ctx, workflowID); err == nil && found {
		if decoded, derr := decodeInputs(inputs); derr == nil {
			args = decoded
		}
	}
	id := workflowID
	return d.dispatch(ctx, row.Name, fn, args, nil, &id, "")
}

// dispatch implements the workflow dispatch algorithm end to end.
func (d *DBOS) dispatch(stdCtx context.Context, name string, fn WorkflowFunc, args []interface{}, parent *Context, forcedID *string, queueName string) (*WorkflowHandle, error) {
	var workflowID string
	switch {
	case forcedID != nil:
		workflowID = *forcedID
	default:
		if id, ok := d.pendingWorkflowID.consume(); ok {
			workflowID = id
		} else if parent != nil {
			childIndex := parent.nextFunctionID()
			workflowID = parent.childWorkflowID(childIndex)
		} else {
			workflowID = uuid.NewString()
		}
	}

	now := nowMillis()
	row := &models.WorkflowStatus{
		WorkflowUUID:       workflowID,
		Name:               name,
		ExecutorID:         d.cfg.ExecutorID,
		ApplicationID:      d.cfg.ApplicationID,
		ApplicationVersion: d.cfg.ApplicationVersion,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if queueName != "" {
		row.QueueName = &queueName
	}
	if _, _, err := d.systemDB.InsertWorkflowStatus(stdCtx, row); err != nil {
		return nil, err
	}
	if queueName != "" {
		if err := d.systemDB.Enqueue(stdCtx, &models.WorkflowQueueEntry{
			WorkflowUUID: workflowID, ExecutorID: d.cfg.ExecutorID,
			QueueName: queueName, CreatedAtEpochMs: now,
		}); err != nil {
			return nil, err
		}
	}

	// A terminal workflow_status row is NOT a short-circuit here: the
	// workflow body re-runs on every dispatch of the same workflow_uuid
	// (replay, recovery, execute_workflow_id) — only the transactions and
	// steps it calls are memoized via their own function_id checkpoints. A
	// replay of an already-terminal workflow therefore still calls fn,
	// reaches the same deterministic result through cached step/
	// transaction outputs, and simply re-records the same terminal status.

	if encoded, err := encodeInputs(args); err == nil {
		d.buffers.bufferInputs(&models.WorkflowInputs{WorkflowUUID: workflowID, Inputs: encoded})
	}

	parentID := ""
	if parent != nil {
		parentID = parent.WorkflowID()
	}
	wfCtx := newWorkflowContext(stdCtx, workflowID, parentID)

	h := newLocalHandle(d, workflowID)
	go d.runWorkflow(h, wfCtx, fn, args, queueName != "")
	return h, nil
}

func (d *DBOS) runWorkflow(h *WorkflowHandle, ctx *Context, fn WorkflowFunc, args []interface{}, queued bool) {
	if queued {
		if err := d.systemDB.DequeueStart(ctx.Std(), ctx.WorkflowID(), nowMillis()); err != nil {
			d.logger.Warn("queue start stamp failed", map[string]interface{}{
				"workflow_id": ctx.WorkflowID(), "error": err.Error(),
			})
		}
	}

	result, err := d.executeWorkflowBody(ctx, fn, args)

	if queued {
		if qerr := d.systemDB.DequeueComplete(ctx.Std(), ctx.WorkflowID(), nowMillis()); qerr != nil {
			d.logger.Warn("queue completion stamp failed", map[string]interface{}{
				"workflow_id": ctx.WorkflowID(), "error": qerr.Error(),
			})
		}
	}
	h.finish(result, err)
}

// executeWorkflowBody runs fn and buffers the terminal status write,
// returning what the handle should resolve with.
func (d *DBOS) executeWorkflowBody(ctx *Context, fn WorkflowFunc, args []interface{}) (interface{}, error) {
	var input interface{} = args
	if len(args) == 1 {
		input = args[0]
	}

	result, err := fn(ctx, input)
	now := nowMillis()

	if err != nil {
		encErr, encErrErr := encodeError(err)
		if encErrErr != nil {
			encErr = err.Error()
		}
		d.buffers.bufferStatus(&models.WorkflowStatus{
			WorkflowUUID: ctx.WorkflowID(), Status: models.WorkflowStatusError, Error: &encErr, UpdatedAt: now,
		})
		return nil, err
	}

	encOut, encErr := Encode(result)
	if encErr != nil {
		msg := encErr.Error()
		d.buffers.bufferStatus(&models.WorkflowStatus{
			WorkflowUUID: ctx.WorkflowID(), Status: models.WorkflowStatusError, Error: &msg, UpdatedAt: now,
		})
		return nil, encErr
	}
	d.buffers.bufferStatus(&models.WorkflowStatus{
		WorkflowUUID: ctx.WorkflowID(), Status: models.WorkflowStatusSuccess, Output: &encOut, UpdatedAt: now,
	})
	return result, nil
}

// InvokeTransaction runs fn inside a single App-DB transaction, checkpointing
// its result in transaction_outputs so it commits atomically with fn's own
// effects.
func (d *DBOS) InvokeTransaction(ctx *Context, name string, fn TransactionFunc, input interface{}, isolation models.IsolationLevel) (interface{}, error) {
	if d.appDB == nil {
		return nil, &UnsupportedError{Feature: "invoke_transaction: no AppDB configured"}
	}
	functionID := ctx.nextFunctionID()

	tx, err := d.appDB.BeginTx(ctx.Std(), isolation)
	if err != nil {
		return nil, err
	}

	existing, ok, err := d.appDB.CheckTransactionExecution(ctx.Std(), tx, ctx.WorkflowID(), functionID)
	if err != nil {
		rollback(tx)
		return nil, err
	}
	if ok {
		commit(tx)
		return decodeCheckpoint(existing.Output, existing.Error)
	}

	result, fnErr := fn(ctx, tx, input)
	if fnErr != nil {
		rollback(tx)
		encErr, _ := encodeError(fnErr)
		row := &models.TransactionOutput{WorkflowUUID: ctx.WorkflowID(), FunctionID: functionID, Error: &encErr, ExecutorID: d.cfg.ExecutorID}
		if recErr := d.appDB.RecordTransactionError(ctx.Std(), row); recErr != nil {
			if conflict, isConflict := asConflict(recErr); isConflict {
				return d.rereadTransactionOutcome(ctx, conflict)
			}
			return nil, recErr
		}
		return nil, fnErr
	}

	encOut, err := Encode(result)
	if err != nil {
		rollback(tx)
		return nil, err
	}
	row := &models.TransactionOutput{WorkflowUUID: ctx.WorkflowID(), FunctionID: functionID, Output: &encOut, ExecutorID: d.cfg.ExecutorID}
	if err := d.appDB.RecordTransactionOutput(ctx.Std(), tx, row); err != nil {
		rollback(tx)
		if conflict, isConflict := asConflict(err); isConflict {
			return d.rereadTransactionOutcome(ctx, conflict)
		}
		return nil, err
	}
	if err := commitErr(tx); err != nil {
		return nil, err
	}
	return result, nil
}

func (d *DBOS) rereadTransactionOutcome(ctx *Context, conflict *models.ConflictError) (interface{}, error) {
	tx, err := d.appDB.BeginTx(ctx.Std(), models.IsolationReadCommitted)
	if err != nil {
		return nil, err
	}
	defer commit(tx)
	existing, ok, err := d.appDB.CheckTransactionExecution(ctx.Std(), tx, conflict.WorkflowID, conflict.FunctionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conflict
	}
	return decodeCheckpoint(existing.Output, existing.Error)
}

func asConflict(err error) (*models.ConflictError, bool) {
	var c *models.ConflictError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}

func rollback(tx *sqlx.Tx) {
	if tx != nil {
		_ = tx.Rollback()
	}
}

func commit(tx *sqlx.Tx) {
	if tx != nil {
		_ = tx.Commit()
	}
}

func commitErr(tx *sqlx.Tx) error {
	if tx == nil {
		return nil
	}
	return errors.Wrap(tx.Commit(), "commit app-db transaction")
}

// InvokeStep runs fn, checkpointing its result in operation_outputs so a
// replay returns the stored row instead of re-executing.
func (d *DBOS) InvokeStep(ctx *Context, name string, fn StepFunc, input interface{}, opts StepOptions) (interface{}, error) {
	functionID := ctx.nextFunctionID()

	existing, ok, err := d.systemDB.CheckOperationOutput(ctx.Std(), ctx.WorkflowID(), functionID)
	if err != nil {
		return nil, err
	}
	if ok {
		return decodeCheckpoint(existing.Output, existing.Error)
	}

	maxAttempts := 1
	policy := opts.RetryPolicy
	if opts.RetriesAllowed {
		if policy.MaxRetries <= 0 {
			policy = d.cfg.DefaultStepRetryPolicy
		}
		maxAttempts = policy.MaxRetries
		if maxAttempts <= 0 {
			maxAttempts = 3
		}
	}
	backoff := retry.NewExponentialBackoff(policy)

	var result interface{}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, lastErr = fn(ctx, input)
		if lastErr == nil {
			break
		}
		if attempt < maxAttempts {
			select {
			case <-time.After(backoff.NextDelay(attempt)):
			case <-ctx.Std().Done():
				return nil, ctx.Std().Err()
			}
		}
	}

	if lastErr != nil {
		var finalErr error = lastErr
		if opts.RetriesAllowed {
			finalErr = &MaxStepRetriesExceededError{StepName: name, MaxRetries: maxAttempts, Cause: lastErr}
		}
		encErr, _ := encodeError(finalErr)
		row := &models.OperationOutput{WorkflowUUID: ctx.WorkflowID(), FunctionID: functionID, Error: &encErr}
		if recErr := d.systemDB.RecordOperationOutput(ctx.Std(), row); recErr != nil {
			if conflict, isConflict := asConflict(recErr); isConflict {
				return d.rereadOperationOutcome(ctx, conflict)
			}
			return nil, recErr
		}
		return nil, finalErr
	}

	encOut, err := Encode(result)
	if err != nil {
		return nil, err
	}
	row := &models.OperationOutput{WorkflowUUID: ctx.WorkflowID(), FunctionID: functionID, Output: &encOut}
	if err := d.systemDB.RecordOperationOutput(ctx.Std(), row); err != nil {
		if conflict, isConflict := asConflict(err); isConflict {
			return d.rereadOperationOutcome(ctx, conflict)
		}
		return nil, err
	}
	return result, nil
}

func (d *DBOS) rereadOperationOutcome(ctx *Context, conflict *models.ConflictError) (interface{}, error) {
	existing, ok, err := d.systemDB.CheckOperationOutput(ctx.Std(), conflict.WorkflowID, conflict.FunctionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conflict
	}
	return decodeCheckpoint(existing.Output, existing.Error)
}

// recordIdempotentOperation checkpoints a send/set_event-style call whose
// only observable effect is the side write, not a return value.
func (d *DBOS) recordIdempotentOperation(ctx *Context, functionID int64) error {
	marker := "ok"
	row := &models.OperationOutput{WorkflowUUID: ctx.WorkflowID(), FunctionID: functionID, Output: &marker}
	if err := d.systemDB.RecordOperationOutput(ctx.Std(), row); err != nil {
		if _, isConflict := asConflict(err); isConflict {
			return nil
		}
		return err
	}
	return nil
}

// Send inserts a notification for destinationID under topic, checkpointed
// under the sender's function_id so a replay does not send twice.
func (d *DBOS) Send(ctx *Context, destinationID string, message interface{}, topic string) error {
	functionID := ctx.nextFunctionID()
	if _, ok, err := d.systemDB.CheckOperationOutput(ctx.Std(), ctx.WorkflowID(), functionID); err != nil {
		return err
	} else if ok {
		return nil
	}

	encMsg, err := Encode(message)
	if err != nil {
		return err
	}
	n := &models.Notification{
		DestinationUUID: destinationID, Topic: topic, Message: encMsg,
		CreatedAtEpochMs: nowMillis(), MessageUUID: uuid.NewString(),
	}
	if err := d.systemDB.Send(ctx.Std(), n); err != nil {
		return err
	}
	return d.recordIdempotentOperation(ctx, functionID)
}

// Recv polls for a notification addressed to ctx's workflow under topic,
// checkpointing a reservation so a replay never waits twice.
// A timeout<=0 waits with no deadline; expiry returns (nil, nil).
func (d *DBOS) Recv(ctx *Context, topic string, timeout time.Duration) (interface{}, error) {
	functionID := ctx.nextFunctionID()
	if existing, ok, err := d.systemDB.CheckOperationOutput(ctx.Std(), ctx.WorkflowID(), functionID); err != nil {
		return nil, err
	} else if ok {
		return decodeCheckpoint(existing.Output, existing.Error)
	}

	message, received, err := d.systemDB.Recv(ctx.Std(), ctx.WorkflowID(), topic, timeout)
	if err != nil {
		return nil, err
	}
	if !received {
		row := &models.OperationOutput{WorkflowUUID: ctx.WorkflowID(), FunctionID: functionID, Output: nil}
		_ = d.systemDB.RecordOperationOutput(ctx.Std(), row)
		return nil, nil
	}

	decoded, err := Decode(message)
	if err != nil {
		return nil, err
	}
	row := &models.OperationOutput{WorkflowUUID: ctx.WorkflowID(), FunctionID: functionID, Output: &message}
	if err := d.systemDB.RecordOperationOutput(ctx.Std(), row); err != nil {
		if conflict, isConflict := asConflict(err); isConflict {
			return d.rereadOperationOutcome(ctx, conflict)
		}
		return nil, err
	}
	return decoded, nil
}

// SetEvent durably publishes key=value for ctx's workflow.
func (d *DBOS) SetEvent(ctx *Context, key string, value interface{}) error {
	functionID := ctx.nextFunctionID()
	if _, ok, err := d.systemDB.CheckOperationOutput(ctx.Std(), ctx.WorkflowID(), functionID); err != nil {
		return err
	} else if ok {
		return nil
	}
	encVal, err := Encode(value)
	if err != nil {
		return err
	}
	if err := d.systemDB.SetEvent(ctx.Std(), &models.WorkflowEvent{WorkflowUUID: ctx.WorkflowID(), Key: key, Value: encVal}); err != nil {
		return err
	}
	return d.recordIdempotentOperation(ctx, functionID)
}

// GetEvent polls targetWorkflowID's workflow_events for key, with the same
// timeout semantics as Recv.
func (d *DBOS) GetEvent(ctx *Context, targetWorkflowID, key string, timeout time.Duration) (interface{}, error) {
	functionID := ctx.nextFunctionID()
	if existing, ok, err := d.systemDB.CheckOperationOutput(ctx.Std(), ctx.WorkflowID(), functionID); err != nil {
		return nil, err
	} else if ok {
		return decodeCheckpoint(existing.Output, existing.Error)
	}

	value, found, err := d.systemDB.GetEvent(ctx.Std(), targetWorkflowID, key, timeout)
	if err != nil {
		return nil, err
	}
	if !found {
		row := &models.OperationOutput{WorkflowUUID: ctx.WorkflowID(), FunctionID: functionID, Output: nil}
		_ = d.systemDB.RecordOperationOutput(ctx.Std(), row)
		return nil, nil
	}
	decoded, err := Decode(value)
	if err != nil {
		return nil, err
	}
	row := &models.OperationOutput{WorkflowUUID: ctx.WorkflowID(), FunctionID: functionID, Output: &value}
	if err := d.systemDB.RecordOperationOutput(ctx.Std(), row); err != nil {
		if conflict, isConflict := asConflict(err); isConflict {
			return d.rereadOperationOutcome(ctx, conflict)
		}
		return nil, err
	}
	return decoded, nil
}

// Sleep durably sleeps for seconds, re-using a previously recorded wake
// time on replay so a crashed sleeper does not restart its clock. Returns
// the sleeper's workflow id.
func (d *DBOS) Sleep(ctx *Context, seconds float64) (string, error) {
	functionID := ctx.nextFunctionID()

	var wakeAtMs int64
	existing, ok, err := d.systemDB.CheckOperationOutput(ctx.Std(), ctx.WorkflowID(), functionID)
	if err != nil {
		return "", err
	}
	if ok && existing.Output != nil {
		v, err := Decode(*existing.Output)
		if err != nil {
			return "", err
		}
		wakeAtMs = int64(v.(float64))
	} else {
		wakeAtMs = nowMillis() + int64(seconds*1000)
		encoded, err := Encode(float64(wakeAtMs))
		if err != nil {
			return "", err
		}
		row := &models.OperationOutput{WorkflowUUID: ctx.WorkflowID(), FunctionID: functionID, Output: &encoded}
		if err := d.systemDB.RecordOperationOutput(ctx.Std(), row); err != nil {
			if conflict, isConflict := asConflict(err); isConflict {
				existing2, ok2, err2 := d.systemDB.CheckOperationOutput(ctx.Std(), conflict.WorkflowID, conflict.FunctionID)
				if err2 != nil {
					return "", err2
				}
				if ok2 && existing2.Output != nil {
					v, err := Decode(*existing2.Output)
					if err != nil {
						return "", err
					}
					wakeAtMs = int64(v.(float64))
				}
			} else {
				return "", err
			}
		}
	}

	remaining := time.Until(time.UnixMilli(wakeAtMs))
	if remaining > 0 {
		select {
		case <-time.After(remaining):
		case <-ctx.Std().Done():
			return ctx.WorkflowID(), ctx.Std().Err()
		}
	}
	return ctx.WorkflowID(), nil
}

// RunTransaction invokes fn as a temp workflow: a synthetic,
// non-recoverable wrapper for a transaction invoked with no enclosing
// workflow.
func (d *DBOS) RunTransaction(ctx context.Context, name string, fn TransactionFunc, input interface{}, isolation models.IsolationLevel) (interface{}, error) {
	tempName := models.TempWorkflowName(models.TempWorkflowTransaction, qualnameOf(name))
	wrapper := func(wfCtx *Context, _ interface{}) (interface{}, error) {
		return d.InvokeTransaction(wfCtx, name, fn, input, isolation)
	}
	h, err := d.dispatch(ctx, tempName, wrapper, nil, nil, nil, "")
	if err != nil {
		return nil, err
	}
	return h.GetResult(ctx)
}

// RunStep invokes fn as a temp workflow.
func (d *DBOS) RunStep(ctx context.Context, name string, fn StepFunc, input interface{}, opts StepOptions) (interface{}, error) {
	tempName := models.TempWorkflowName(models.TempWorkflowStep, qualnameOf(name))
	wrapper := func(wfCtx *Context, _ interface{}) (interface{}, error) {
		return d.InvokeStep(wfCtx, name, fn, input, opts)
	}
	h, err := d.dispatch(ctx, tempName, wrapper, nil, nil, nil, "")
	if err != nil {
		return nil, err
	}
	return h.GetResult(ctx)
}
