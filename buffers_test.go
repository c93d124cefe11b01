package dbos

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dbos-go/dbos/pkg/models"
	"github.com/dbos-go/dbos/pkg/observability"
	"github.com/dbos-go/dbos/pkg/systemdb"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newTestBuffers(db systemdb.SystemDB) *writeBuffers {
	// Long interval: these tests drive flushes explicitly.
	return newWriteBuffers(db, time.Hour, observability.NewNoopLogger())
}

func TestBufferStatusLastWriterWins(t *testing.T) {
	b := newTestBuffers(systemdb.NewFake())
	out1, out2 := "first", "second"
	b.bufferStatus(&models.WorkflowStatus{WorkflowUUID: "w1", Status: models.WorkflowStatusSuccess, Output: &out1})
	b.bufferStatus(&models.WorkflowStatus{WorkflowUUID: "w1", Status: models.WorkflowStatusSuccess, Output: &out2})

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.statusBuf, 1)
	require.Equal(t, "second", *b.statusBuf["w1"].Output)
}

func TestBufferInputsFirstWriterWins(t *testing.T) {
	b := newTestBuffers(systemdb.NewFake())
	b.bufferInputs(&models.WorkflowInputs{WorkflowUUID: "w1", Inputs: "first"})
	b.bufferInputs(&models.WorkflowInputs{WorkflowUUID: "w1", Inputs: "second"})

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.inputsBuf, 1)
	require.Equal(t, "first", b.inputsBuf["w1"].Inputs)
}

func TestBufferFlushDropsOrphanInputs(t *testing.T) {
	fake := systemdb.NewFake()
	b := newTestBuffers(fake)
	ctx := context.Background()

	// w1 has a workflow_status parent, w2 never gets one (a temp workflow
	// whose status row was intentionally skipped).
	_, _, err := fake.InsertWorkflowStatus(ctx, &models.WorkflowStatus{WorkflowUUID: "w1", Name: "wf"})
	require.NoError(t, err)

	b.bufferInputs(&models.WorkflowInputs{WorkflowUUID: "w1", Inputs: "kept"})
	b.bufferInputs(&models.WorkflowInputs{WorkflowUUID: "w2", Inputs: "dropped"})
	require.NoError(t, b.flushNow(ctx))

	inputs, ok, err := fake.GetWorkflowInputs(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "kept", inputs)

	_, ok, err = fake.GetWorkflowInputs(ctx, "w2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBufferFlushNeverOverwritesTerminal(t *testing.T) {
	fake := systemdb.NewFake()
	b := newTestBuffers(fake)
	ctx := context.Background()

	_, _, err := fake.InsertWorkflowStatus(ctx, &models.WorkflowStatus{WorkflowUUID: "w1", Name: "wf"})
	require.NoError(t, err)

	done := "done"
	b.bufferStatus(&models.WorkflowStatus{WorkflowUUID: "w1", Status: models.WorkflowStatusSuccess, Output: &done})
	require.NoError(t, b.flushNow(ctx))

	late := "late"
	b.bufferStatus(&models.WorkflowStatus{WorkflowUUID: "w1", Status: models.WorkflowStatusError, Error: &late})
	require.NoError(t, b.flushNow(ctx))

	row, err := fake.GetWorkflowStatus(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, models.WorkflowStatusSuccess, row.Status)
	require.Equal(t, "done", *row.Output)
}

// flakySystemDB fails its first FlushStatusBuffer call so tests can assert
// the buffer requeues rows for the next flush.
type flakySystemDB struct {
	*systemdb.Fake
	mu       sync.Mutex
	failures int
}

func (f *flakySystemDB) FlushStatusBuffer(ctx context.Context, rows []*models.WorkflowStatus) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("transient flush failure")
	}
	return f.Fake.FlushStatusBuffer(ctx, rows)
}

func TestBufferFlushRequeuesOnError(t *testing.T) {
	flaky := &flakySystemDB{Fake: systemdb.NewFake(), failures: 1}
	b := newTestBuffers(flaky)
	ctx := context.Background()

	_, _, err := flaky.InsertWorkflowStatus(ctx, &models.WorkflowStatus{WorkflowUUID: "w1", Name: "wf"})
	require.NoError(t, err)

	done := "done"
	b.bufferStatus(&models.WorkflowStatus{WorkflowUUID: "w1", Status: models.WorkflowStatusSuccess, Output: &done})

	require.Error(t, b.flushNow(ctx))
	require.NoError(t, b.flushNow(ctx))

	row, err := flaky.GetWorkflowStatus(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, models.WorkflowStatusSuccess, row.Status)
}
