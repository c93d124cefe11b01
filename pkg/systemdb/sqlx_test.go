package systemdb

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dbos-go/dbos/pkg/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSystemDB(t *testing.T, dialect Dialect) (*SQLXSystemDB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")
	return New(db, dialect, nil, nil), mock
}

func TestRecordOperationOutputSuccess(t *testing.T) {
	s, mock := newMockSystemDB(t, Postgres)
	out := "result"

	mock.ExpectExec("INSERT INTO dbos.operation_outputs").
		WithArgs("wf-1", int64(0), "result", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.RecordOperationOutput(context.Background(), &models.OperationOutput{
		WorkflowUUID: "wf-1", FunctionID: 0, Output: &out,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOperationOutputConflict(t *testing.T) {
	s, mock := newMockSystemDB(t, Postgres)

	mock.ExpectExec("INSERT INTO dbos.operation_outputs").
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.RecordOperationOutput(context.Background(), &models.OperationOutput{
		WorkflowUUID: "wf-1", FunctionID: 3,
	})
	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "wf-1", conflict.WorkflowID)
	assert.EqualValues(t, 3, conflict.FunctionID)
}

func TestGetWorkflowStatusNotFound(t *testing.T) {
	s, mock := newMockSystemDB(t, Postgres)

	mock.ExpectQuery("SELECT (.+) FROM dbos.workflow_status").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"workflow_uuid"}))

	row, err := s.GetWorkflowStatus(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestUpdateWorkflowOutcomeGuardsTerminal(t *testing.T) {
	s, mock := newMockSystemDB(t, Postgres)
	out := "done"

	// The statement itself refuses to touch terminal rows.
	mock.ExpectExec(`UPDATE dbos.workflow_status\s+SET status = \?, output = \?, error = \?, updated_at = \?\s+WHERE workflow_uuid = \? AND status NOT IN \(\?, \?\)`).
		WithArgs("SUCCESS", "done", nil, int64(42), "wf-1", "SUCCESS", "ERROR").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateWorkflowOutcome(context.Background(), "wf-1", models.WorkflowStatusSuccess, &out, nil, 42)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertWorkflowInputsParentGuard(t *testing.T) {
	s, mock := newMockSystemDB(t, Postgres)

	// Zero rows affected: no parent workflow_status row, silently skipped.
	mock.ExpectExec(`INSERT INTO dbos.workflow_inputs(.+)WHERE EXISTS`).
		WithArgs("orphan", "inputs", "orphan").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.InsertWorkflowInputs(context.Background(), "orphan", "inputs"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetEventUpsertPostgres(t *testing.T) {
	s, mock := newMockSystemDB(t, Postgres)

	mock.ExpectExec(`INSERT INTO dbos.workflow_events(.+)ON CONFLICT \(workflow_uuid, key\) DO UPDATE`).
		WithArgs("wf-1", "k", "v").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetEvent(context.Background(), &models.WorkflowEvent{WorkflowUUID: "wf-1", Key: "k", Value: "v"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetEventUpsertMySQL(t *testing.T) {
	s, mock := newMockSystemDB(t, MySQL)

	mock.ExpectExec("INSERT INTO dbos.workflow_events(.+)ON DUPLICATE KEY UPDATE").
		WithArgs("wf-1", "k", "v").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SetEvent(context.Background(), &models.WorkflowEvent{WorkflowUUID: "wf-1", Key: "k", Value: "v"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSchedulerState(t *testing.T) {
	s, mock := newMockSystemDB(t, Postgres)

	mock.ExpectExec(`INSERT INTO dbos.scheduler_state(.+)ON CONFLICT \(workflow_fn_name\) DO UPDATE`).
		WithArgs("tick", int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpsertSchedulerState(context.Background(), &models.SchedulerState{
		WorkflowFnName: "tick", LastRunTime: 1000,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushStatusBufferTransactional(t *testing.T) {
	s, mock := newMockSystemDB(t, Postgres)
	out := "done"

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE dbos.workflow_status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE dbos.workflow_status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rows := []*models.WorkflowStatus{
		{WorkflowUUID: "wf-1", Status: models.WorkflowStatusSuccess, Output: &out, UpdatedAt: 1},
		{WorkflowUUID: "wf-2", Status: models.WorkflowStatusError, UpdatedAt: 2},
	}
	require.NoError(t, s.FlushStatusBuffer(context.Background(), rows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushStatusBufferRollsBackOnError(t *testing.T) {
	s, mock := newMockSystemDB(t, Postgres)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE dbos.workflow_status").
		WillReturnError(errors.New("write failed"))
	mock.ExpectRollback()

	rows := []*models.WorkflowStatus{{WorkflowUUID: "wf-1", Status: models.WorkflowStatusError}}
	require.Error(t, s.FlushStatusBuffer(context.Background(), rows))
	require.NoError(t, mock.ExpectationsWereMet())
}
