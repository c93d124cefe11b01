package dbos

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dbos-go/dbos/pkg/appdb"
	"github.com/dbos-go/dbos/pkg/models"
	"github.com/dbos-go/dbos/pkg/retry"
	"github.com/dbos-go/dbos/pkg/systemdb"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// newTestDBOS wires a DBOS instance against the in-memory system/app DB
// fakes: no live database, just the OAOO bookkeeping the fakes share with
// the sqlx-backed implementation.
func newTestDBOS(t *testing.T) (*DBOS, *systemdb.Fake) {
	t.Helper()
	sdb := systemdb.NewFake()
	adb := appdb.NewFake()
	registry := NewRegistry()
	d, err := Init(Config{
		SystemDB:            sdb,
		AppDB:               adb,
		Registry:            registry,
		ExecutorID:          "test-executor",
		BufferFlushInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Destroy() })
	return d, sdb
}

// TestOAOOValue exercises the central exactly-once guarantee: the workflow
// body re-runs on every dispatch of the same workflow_uuid, but the
// transaction/step it calls run at most once per distinct id, replaying
// their checkpointed outputs thereafter.
func TestOAOOValue(t *testing.T) {
	d, _ := newTestDBOS(t)

	var txnCounter, stepCounter, wfCounter int64

	d.registry.RegisterWorkflow("wf", func(ctx *Context, input interface{}) (interface{}, error) {
		atomic.AddInt64(&wfCounter, 1)
		args := input.([]interface{})
		v1 := args[0].(string)
		v2 := args[1].(string)

		txOut, err := d.InvokeTransaction(ctx, "tx", func(_ *Context, _ *sqlx.Tx, in interface{}) (interface{}, error) {
			atomic.AddInt64(&txnCounter, 1)
			return in.(string) + "1", nil
		}, v2, models.IsolationSerializable)
		if err != nil {
			return nil, err
		}

		stepOut, err := d.InvokeStep(ctx, "step", func(_ *Context, in interface{}) (interface{}, error) {
			atomic.AddInt64(&stepCounter, 1)
			return in, nil
		}, v1, StepOptions{})
		if err != nil {
			return nil, err
		}

		return txOut.(string) + stepOut.(string), nil
	})

	ctx := context.Background()

	out, err := d.InvokeWorkflow(ctx, "wf", "bob", "bob")
	require.NoError(t, err)
	require.Equal(t, "bob1bob", out)

	u := uuid.NewString()

	d.SetWorkflowID(u)
	out, err = d.InvokeWorkflow(ctx, "wf", "alice", "alice")
	require.NoError(t, err)
	require.Equal(t, "alice1alice", out)

	d.SetWorkflowID(u)
	out, err = d.InvokeWorkflow(ctx, "wf", "alice", "alice")
	require.NoError(t, err)
	require.Equal(t, "alice1alice", out)

	require.EqualValues(t, 2, atomic.LoadInt64(&txnCounter))
	require.EqualValues(t, 2, atomic.LoadInt64(&stepCounter))
	require.EqualValues(t, 3, atomic.LoadInt64(&wfCounter))

	require.NoError(t, d.WaitForBufferFlush(ctx))
	h, err := d.ExecuteWorkflowID(ctx, u)
	require.NoError(t, err)
	result, err := h.GetResult(ctx)
	require.NoError(t, err)
	require.Equal(t, "alice1alice", result)
	require.EqualValues(t, 4, atomic.LoadInt64(&wfCounter))
	require.EqualValues(t, 2, atomic.LoadInt64(&txnCounter))
	require.EqualValues(t, 2, atomic.LoadInt64(&stepCounter))
}

// TestOAOOError: a workflow that always fails after running its
// transaction and step still raises the same recorded error on every
// replay of the same id, without re-running the transaction/step.
func TestOAOOError(t *testing.T) {
	d, _ := newTestDBOS(t)

	var txnCounter, stepCounter int64

	d.registry.RegisterWorkflow("wf_err", func(ctx *Context, input interface{}) (interface{}, error) {
		if _, err := d.InvokeTransaction(ctx, "tx", func(_ *Context, _ *sqlx.Tx, in interface{}) (interface{}, error) {
			atomic.AddInt64(&txnCounter, 1)
			return in, nil
		}, "x", models.IsolationSerializable); err != nil {
			return nil, err
		}
		if _, err := d.InvokeStep(ctx, "step", func(_ *Context, in interface{}) (interface{}, error) {
			atomic.AddInt64(&stepCounter, 1)
			return in, nil
		}, "x", StepOptions{}); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("test error")
	})

	ctx := context.Background()

	_, err := d.InvokeWorkflow(ctx, "wf_err")
	require.Error(t, err)
	require.Equal(t, "test error", err.Error())

	u := uuid.NewString()

	d.SetWorkflowID(u)
	_, err = d.InvokeWorkflow(ctx, "wf_err")
	require.Error(t, err)
	require.Equal(t, "test error", err.Error())

	d.SetWorkflowID(u)
	_, err = d.InvokeWorkflow(ctx, "wf_err")
	require.Error(t, err)
	require.Equal(t, "test error", err.Error())

	require.EqualValues(t, 2, atomic.LoadInt64(&txnCounter))
	require.EqualValues(t, 2, atomic.LoadInt64(&stepCounter))

	require.NoError(t, d.WaitForBufferFlush(ctx))
	h, err := d.ExecuteWorkflowID(ctx, u)
	require.NoError(t, err)
	_, err = h.GetResult(ctx)
	require.Error(t, err)
	require.Equal(t, "test error", err.Error())
}

// TestRecovery: recovery re-dispatches a PENDING workflow and replays its
// already-checkpointed transaction without re-running it, while
// recovery_attempts strictly increases.
func TestRecovery(t *testing.T) {
	d, sdb := newTestDBOS(t)

	var txnCounter, wfCounter int64

	d.registry.RegisterWorkflow("wf", func(ctx *Context, input interface{}) (interface{}, error) {
		atomic.AddInt64(&wfCounter, 1)
		args := input.([]interface{})
		v1, v2 := args[0].(string), args[1].(string)
		txOut, err := d.InvokeTransaction(ctx, "tx", func(_ *Context, _ *sqlx.Tx, in interface{}) (interface{}, error) {
			atomic.AddInt64(&txnCounter, 1)
			return in.(string) + "1", nil
		}, v2, models.IsolationSerializable)
		if err != nil {
			return nil, err
		}
		return txOut.(string) + v1, nil
	})

	ctx := context.Background()
	u := uuid.NewString()
	d.SetWorkflowID(u)
	out, err := d.InvokeWorkflow(ctx, "wf", "bob", "bob")
	require.NoError(t, err)
	require.Equal(t, "bob1bob", out)
	require.NoError(t, d.WaitForBufferFlush(ctx))

	row, err := sdb.GetWorkflowStatus(ctx, u)
	require.NoError(t, err)
	require.Equal(t, models.WorkflowStatusSuccess, row.Status)
	require.EqualValues(t, 1, row.RecoveryAttempts)

	// Simulate a crash: force the row back to PENDING as if the executor
	// died before its status write committed.
	sdb.ForceStatus(u, models.WorkflowStatusPending)

	handles, err := d.RecoverPendingWorkflows(ctx, nil)
	require.NoError(t, err)
	require.Len(t, handles, 1)

	result, err := handles[0].GetResult(ctx)
	require.NoError(t, err)
	require.Equal(t, "bob1bob", result)

	require.EqualValues(t, 2, atomic.LoadInt64(&wfCounter))
	require.EqualValues(t, 1, atomic.LoadInt64(&txnCounter))

	row, err = sdb.GetWorkflowStatus(ctx, u)
	require.NoError(t, err)
	require.EqualValues(t, 2, row.RecoveryAttempts)
}

// TestTempWorkflowListing: a transaction/step invoked outside any
// enclosing workflow gets wrapped as a "<temp>"-named workflow that is
// never recovered, but is visible as an ordinary workflow_status row once
// the write buffer flushes.
func TestTempWorkflowListing(t *testing.T) {
	d, _ := newTestDBOS(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Second)

	txOut, err := d.RunTransaction(ctx, "tx", func(_ *Context, _ *sqlx.Tx, in interface{}) (interface{}, error) {
		return in.(string) + "1", nil
	}, "var2", models.IsolationSerializable)
	require.NoError(t, err)
	require.Equal(t, "var21", txOut)

	stepOut, err := d.RunStep(ctx, "step", func(_ *Context, in interface{}) (interface{}, error) {
		return in, nil
	}, "var", StepOptions{})
	require.NoError(t, err)
	require.Equal(t, "var", stepOut)

	require.NoError(t, d.WaitForBufferFlush(ctx))

	rows, err := d.GetWorkflows(ctx, start)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.True(t, row.IsTemp())
	}
}

// TestStepRetriesExceeded: a step with retries enabled that always fails
// observes exactly maxAttempts invocations, then fails with
// MaxStepRetriesExceededError.
func TestStepRetriesExceeded(t *testing.T) {
	d, _ := newTestDBOS(t)
	ctx := context.Background()

	var attempts int64
	d.registry.RegisterWorkflow("wf_retry", func(ctx *Context, input interface{}) (interface{}, error) {
		return d.InvokeStep(ctx, "always_fails", func(_ *Context, _ interface{}) (interface{}, error) {
			atomic.AddInt64(&attempts, 1)
			return nil, fmt.Errorf("boom")
		}, nil, StepOptions{
			RetriesAllowed: true,
			RetryPolicy: retry.Config{
				MaxRetries:      3,
				InitialInterval: time.Millisecond,
				MaxInterval:     2 * time.Millisecond,
				MaxElapsedTime:  time.Second,
				Multiplier:      2,
			},
		})
	})

	_, err := d.InvokeWorkflow(ctx, "wf_retry")
	require.Error(t, err)
	var maxErr *MaxStepRetriesExceededError
	require.ErrorAs(t, err, &maxErr)
	require.EqualValues(t, 3, atomic.LoadInt64(&attempts))
}

// TestDurableSleepOAOO: durable sleep is OAOO. A replay of the same
// workflow id re-uses the previously recorded wake time instead of
// restarting the full duration.
func TestDurableSleepOAOO(t *testing.T) {
	d, _ := newTestDBOS(t)
	ctx := context.Background()

	d.registry.RegisterWorkflow("sleep_wf", func(ctx *Context, input interface{}) (interface{}, error) {
		return d.Sleep(ctx, input.(float64))
	})

	u := uuid.NewString()
	d.SetWorkflowID(u)
	start := time.Now()
	out, err := d.InvokeWorkflow(ctx, "sleep_wf", 0.3)
	require.NoError(t, err)
	require.Equal(t, u, out)
	require.GreaterOrEqual(t, time.Since(start), 280*time.Millisecond)

	d.SetWorkflowID(u)
	start = time.Now()
	out, err = d.InvokeWorkflow(ctx, "sleep_wf", 0.3)
	require.NoError(t, err)
	require.Equal(t, u, out)
	require.Less(t, time.Since(start), 150*time.Millisecond)
}

// TestSendRecv round-trips a message between two workflow ids.
func TestSendRecv(t *testing.T) {
	d, _ := newTestDBOS(t)
	ctx := context.Background()

	destID := uuid.NewString()
	wfCtx := newTempContext(ctx, destID)

	sendDone := make(chan error, 1)
	go func() {
		sender := newTempContext(ctx, uuid.NewString())
		sendDone <- d.Send(sender, destID, "hello", "greeting")
	}()

	msg, err := d.Recv(wfCtx, "greeting", 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello", msg)
	require.NoError(t, <-sendDone)
}

// TestSetEventGetEventTimeout: GetEvent polls for a workflow's set_event
// and returns nil once the explicit timeout expires, without error.
func TestSetEventGetEventTimeout(t *testing.T) {
	d, _ := newTestDBOS(t)
	ctx := context.Background()
	targetID := uuid.NewString()

	reader := newTempContext(ctx, uuid.NewString())
	val, err := d.GetEvent(reader, targetID, "missing-key", 50*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, val)

	writer := newTempContext(ctx, targetID)
	require.NoError(t, d.SetEvent(writer, "ready", "yes"))

	reader2 := newTempContext(ctx, uuid.NewString())
	val, err = d.GetEvent(reader2, targetID, "ready", time.Second)
	require.NoError(t, err)
	require.Equal(t, "yes", val)
}

// TestRetrieveWorkflowNonExistent: RetrieveWorkflow fails with
// NonExistentWorkflowError for an unknown id.
func TestRetrieveWorkflowNonExistent(t *testing.T) {
	d, _ := newTestDBOS(t)
	ctx := context.Background()

	_, err := d.RetrieveWorkflow(ctx, "does-not-exist")
	require.Error(t, err)
	var nee *NonExistentWorkflowError
	require.ErrorAs(t, err, &nee)
}

// TestScheduledWorkflow: ScheduleWorkflow fires a registered workflow on
// interval boundaries, recording each aligned fire time in scheduler_state
// and deriving deterministic workflow ids from it.
func TestScheduledWorkflow(t *testing.T) {
	d, sdb := newTestDBOS(t)
	ctx := context.Background()

	var fires int64
	d.registry.RegisterWorkflow("tick", func(ctx *Context, input interface{}) (interface{}, error) {
		atomic.AddInt64(&fires, 1)
		return input, nil
	})

	stop, err := d.ScheduleWorkflow("tick", 50*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(180 * time.Millisecond)
	stop()

	require.GreaterOrEqual(t, atomic.LoadInt64(&fires), int64(2))

	lastRun, ok, err := sdb.GetSchedulerState(ctx, "tick")
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, lastRun%50, "fire times align to interval boundaries")

	// The fire's workflow id is derived from the function name and the
	// aligned fire time, so a second executor's duplicate fire would
	// collapse onto the same row.
	h, err := d.RetrieveWorkflow(ctx, fmt.Sprintf("tick-%d", lastRun))
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("tick-%d", lastRun), h.GetWorkflowID())
}

// TestStartWorkflowOnQueue: a queued dispatch records a workflow_queue
// entry and stamps its started/completed times around execution.
func TestStartWorkflowOnQueue(t *testing.T) {
	d, sdb := newTestDBOS(t)
	ctx := context.Background()

	d.registry.RegisterWorkflow("queued", func(ctx *Context, input interface{}) (interface{}, error) {
		return "done", nil
	})

	h, err := d.StartWorkflowOnQueue(ctx, "default", "queued")
	require.NoError(t, err)
	out, err := h.GetResult(ctx)
	require.NoError(t, err)
	require.Equal(t, "done", out)

	entry, ok := sdb.QueueEntry(h.GetWorkflowID())
	require.True(t, ok)
	require.Equal(t, "default", entry.QueueName)
	require.NotNil(t, entry.StartedAtEpochMs)
	require.NotNil(t, entry.CompletedAtMs)

	row, err := sdb.GetWorkflowStatus(ctx, h.GetWorkflowID())
	require.NoError(t, err)
	require.NotNil(t, row.QueueName)
	require.Equal(t, "default", *row.QueueName)
}

// TestChildWorkflowIDLaw: child workflow ids default to
// "{parent_id}-{child_index}" absent a sentinel override.
func TestChildWorkflowIDLaw(t *testing.T) {
	d, _ := newTestDBOS(t)
	ctx := context.Background()

	var childID string
	d.registry.RegisterWorkflow("child", func(ctx *Context, input interface{}) (interface{}, error) {
		return "child-done", nil
	})
	d.registry.RegisterWorkflow("parent", func(ctx *Context, input interface{}) (interface{}, error) {
		h, err := d.StartChildWorkflow(ctx, "child")
		if err != nil {
			return nil, err
		}
		childID = h.GetWorkflowID()
		return h.GetResult(ctx.Std())
	})

	parentID := uuid.NewString()
	d.SetWorkflowID(parentID)
	_, err := d.InvokeWorkflow(ctx, "parent")
	require.NoError(t, err)
	require.Truef(t, len(childID) > len(parentID) && childID[:len(parentID)] == parentID,
		"child id %q must start with parent id %q", childID, parentID)
}
