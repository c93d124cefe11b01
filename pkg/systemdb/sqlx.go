package systemdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/dbos-go/dbos/pkg/models"
	"github.com/dbos-go/dbos/pkg/observability"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// pollInterval is the fixed wait between polls used by Recv/GetEvent when no
// dialect notification channel is available.
const pollInterval = 100 * time.Millisecond

// SQLXSystemDB is the production SystemDB backed by a pooled *sqlx.DB
// against either Postgres or MySQL. It takes a Logger/MetricsClient at
// construction, same as pkg/database.Database, and wraps every write in
// an errors.Wrap'd error.
type SQLXSystemDB struct {
	db       *sqlx.DB
	dialect  Dialect
	logger   observability.Logger
	metrics  observability.MetricsClient
	notifier *pgNotifier
}

// New wraps an already-open, already-migrated *sqlx.DB as a SystemDB.
func New(db *sqlx.DB, dialect Dialect, logger observability.Logger, metrics observability.MetricsClient) *SQLXSystemDB {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &SQLXSystemDB{db: db, dialect: dialect, logger: logger, metrics: metrics}
}

// NewWithListener is New plus the Postgres LISTEN/NOTIFY fast path: Recv
// waiters wake on the pg_notify trigger instead of their next poll tick.
// dsn opens the listener's dedicated connection. MySQL has no equivalent
// primitive, so only the Postgres dialect accepts this constructor.
func NewWithListener(db *sqlx.DB, dialect Dialect, dsn string, logger observability.Logger, metrics observability.MetricsClient) (*SQLXSystemDB, error) {
	s := New(db, dialect, logger, metrics)
	if dialect != Postgres {
		return nil, errors.Errorf("notification listener requires postgres, got %s", dialect)
	}
	n, err := newPGNotifier(dsn, s.logger)
	if err != nil {
		return nil, err
	}
	s.notifier = n
	return s, nil
}

func (s *SQLXSystemDB) rebind(query string) string {
	return s.db.Rebind(query)
}

// InsertWorkflowStatus is a single statement per branch: try the insert;
// on conflict (workflow_uuid already present), fall back to the
// recovery-attempts update, then re-read either way so the caller always
// observes the committed row.
func (s *SQLXSystemDB) InsertWorkflowStatus(ctx context.Context, row *models.WorkflowStatus) (*models.WorkflowStatus, bool, error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordHistogram("systemdb.insert_workflow_status", time.Since(start).Seconds(), map[string]string{"dialect": string(s.dialect)})
	}()

	insertQuery := s.rebind(`
		INSERT INTO dbos.workflow_status
			(workflow_uuid, status, name, authenticated_user, assumed_role, authenticated_roles,
			 request, executor_id, created_at, updated_at, application_version, application_id,
			 class_name, config_name, recovery_attempts, queue_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`)
	_, err := s.db.ExecContext(ctx, insertQuery,
		row.WorkflowUUID, models.WorkflowStatusPending, row.Name, row.AuthenticatedUser, row.AssumedRole,
		row.AuthenticatedRoles, row.Request, row.ExecutorID, row.CreatedAt, row.UpdatedAt,
		row.ApplicationVersion, row.ApplicationID, row.ClassName, row.ConfigName, row.QueueName)

	if err == nil {
		current, getErr := s.GetWorkflowStatus(ctx, row.WorkflowUUID)
		if getErr != nil {
			return nil, false, getErr
		}
		return current, true, nil
	}

	if !s.dialect.IsConflict(err) {
		return nil, false, errors.Wrap(err, "insert workflow_status")
	}

	// Row already exists: bump recovery_attempts, reset to PENDING unless terminal.
	updateQuery := s.rebind(`
		UPDATE dbos.workflow_status
		SET recovery_attempts = recovery_attempts + 1,
		    status = CASE WHEN status IN (?, ?) THEN status ELSE ? END,
		    updated_at = ?
		WHERE workflow_uuid = ?
	`)
	_, err = s.db.ExecContext(ctx, updateQuery,
		models.WorkflowStatusSuccess, models.WorkflowStatusError, models.WorkflowStatusPending, row.UpdatedAt, row.WorkflowUUID)
	if err != nil {
		return nil, false, errors.Wrap(err, "update workflow_status recovery_attempts")
	}

	current, err := s.GetWorkflowStatus(ctx, row.WorkflowUUID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *SQLXSystemDB) UpdateWorkflowOutcome(ctx context.Context, workflowUUID string, status models.WorkflowStatusValue, output, errStr *string, updatedAt int64) error {
	// Terminal states are never overwritten.
	query := s.rebind(`
		UPDATE dbos.workflow_status
		SET status = ?, output = ?, error = ?, updated_at = ?
		WHERE workflow_uuid = ? AND status NOT IN (?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query, status, output, errStr, updatedAt, workflowUUID,
		models.WorkflowStatusSuccess, models.WorkflowStatusError)
	if err != nil {
		return errors.Wrap(err, "update workflow_status outcome")
	}
	return nil
}

func (s *SQLXSystemDB) GetWorkflowStatus(ctx context.Context, workflowUUID string) (*models.WorkflowStatus, error) {
	query := s.rebind(`SELECT * FROM dbos.workflow_status WHERE workflow_uuid = ?`)
	var row models.WorkflowStatus
	if err := s.db.GetContext(ctx, &row, query, workflowUUID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get workflow_status")
	}
	return &row, nil
}

// insertInputsQuery only inserts when the workflow_status parent row exists
// and no inputs row is present yet, so neither the FK nor the PK can raise:
// the skip-on-missing-parent rule expressed in the statement itself.
func (s *SQLXSystemDB) insertInputsQuery() string {
	if s.dialect == MySQL {
		return s.rebind(`
			INSERT IGNORE INTO dbos.workflow_inputs (workflow_uuid, inputs)
			SELECT ?, ? FROM DUAL
			WHERE EXISTS (SELECT 1 FROM dbos.workflow_status WHERE workflow_uuid = ?)
		`)
	}
	return s.rebind(`
		INSERT INTO dbos.workflow_inputs (workflow_uuid, inputs)
		SELECT ?, ?
		WHERE EXISTS (SELECT 1 FROM dbos.workflow_status WHERE workflow_uuid = ?)
		ON CONFLICT (workflow_uuid) DO NOTHING
	`)
}

func (s *SQLXSystemDB) InsertWorkflowInputs(ctx context.Context, workflowUUID, inputs string) error {
	_, err := s.db.ExecContext(ctx, s.insertInputsQuery(), workflowUUID, inputs, workflowUUID)
	if err != nil {
		return errors.Wrap(err, "insert workflow_inputs")
	}
	return nil
}

func (s *SQLXSystemDB) GetWorkflowInputs(ctx context.Context, workflowUUID string) (string, bool, error) {
	query := s.rebind(`SELECT inputs FROM dbos.workflow_inputs WHERE workflow_uuid = ?`)
	var inputs string
	if err := s.db.GetContext(ctx, &inputs, query, workflowUUID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "get workflow_inputs")
	}
	return inputs, true, nil
}

func (s *SQLXSystemDB) CheckOperationOutput(ctx context.Context, workflowUUID string, functionID int64) (*models.OperationOutput, bool, error) {
	query := s.rebind(`SELECT * FROM dbos.operation_outputs WHERE workflow_uuid = ? AND function_id = ?`)
	var row models.OperationOutput
	if err := s.db.GetContext(ctx, &row, query, workflowUUID, functionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "get operation_outputs")
	}
	return &row, true, nil
}

func (s *SQLXSystemDB) RecordOperationOutput(ctx context.Context, row *models.OperationOutput) error {
	query := s.rebind(`
		INSERT INTO dbos.operation_outputs (workflow_uuid, function_id, output, error) VALUES (?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query, row.WorkflowUUID, row.FunctionID, row.Output, row.Error)
	if err != nil {
		if s.dialect.IsConflict(err) {
			return &models.ConflictError{WorkflowID: row.WorkflowUUID, FunctionID: row.FunctionID}
		}
		return errors.Wrap(err, "insert operation_outputs")
	}
	return nil
}

func (s *SQLXSystemDB) Send(ctx context.Context, n *models.Notification) error {
	query := s.rebind(`
		INSERT INTO dbos.notifications (destination_uuid, topic, message, created_at_epoch_ms, message_uuid)
		VALUES (?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query, n.DestinationUUID, n.Topic, n.Message, n.CreatedAtEpochMs, n.MessageUUID)
	if err != nil {
		return errors.Wrap(err, "insert notification")
	}
	return nil
}

func (s *SQLXSystemDB) Recv(ctx context.Context, destinationUUID, topic string, timeout time.Duration) (string, bool, error) {
	notifyKey := destinationUUID + ":" + topic
	return s.pollDelete(ctx, "notifications", "destination_uuid", destinationUUID, "topic", topic, "message", notifyKey, timeout)
}

func (s *SQLXSystemDB) SetEvent(ctx context.Context, e *models.WorkflowEvent) error {
	var query string
	if s.dialect == MySQL {
		query = s.rebind(`
			INSERT INTO dbos.workflow_events (workflow_uuid, ` + "`key`" + `, value) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE value = VALUES(value)
		`)
	} else {
		query = s.rebind(`
			INSERT INTO dbos.workflow_events (workflow_uuid, key, value) VALUES (?, ?, ?)
			ON CONFLICT (workflow_uuid, key) DO UPDATE SET value = EXCLUDED.value
		`)
	}
	_, err := s.db.ExecContext(ctx, query, e.WorkflowUUID, e.Key, e.Value)
	if err != nil {
		return errors.Wrap(err, "upsert workflow_events")
	}
	return nil
}

func (s *SQLXSystemDB) GetEvent(ctx context.Context, targetUUID, key string, timeout time.Duration) (string, bool, error) {
	deadline, hasDeadline := deadlineFrom(timeout)
	for {
		query := s.rebind(`SELECT value FROM dbos.workflow_events WHERE workflow_uuid = ? AND ` + keyColumn(s.dialect) + ` = ?`)
		var value string
		err := s.db.GetContext(ctx, &value, query, targetUUID, key)
		if err == nil {
			return value, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, errors.Wrap(err, "get workflow_events")
		}
		if hasDeadline && time.Now().After(deadline) {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func keyColumn(d Dialect) string {
	if d == MySQL {
		return "`key`"
	}
	return "key"
}

func deadlineFrom(timeout time.Duration) (time.Time, bool) {
	if timeout <= 0 {
		return time.Time{}, false
	}
	return time.Now().Add(timeout), true
}

// pollDelete implements the shared poll-then-delete loop Recv uses against
// notifications. When the notification listener is attached, waiters
// subscribe under notifyKey before each poll so an insert landing between
// poll and wait still wakes them; the poll tick remains as the fallback
// for dialects (and dropped notifications) without the fast path.
func (s *SQLXSystemDB) pollDelete(ctx context.Context, table, matchCol1, matchVal1, matchCol2, matchVal2, payloadCol, notifyKey string, timeout time.Duration) (string, bool, error) {
	deadline, hasDeadline := deadlineFrom(timeout)
	for {
		var wakeCh chan struct{}
		if s.notifier != nil {
			wakeCh = s.notifier.subscribe(notifyKey)
		}

		var payload string
		err := s.db.GetContext(ctx, &payload, s.rebind(
			`SELECT `+payloadCol+` FROM dbos.`+table+` WHERE `+matchCol1+` = ? AND `+matchCol2+` = ? LIMIT 1`,
		), matchVal1, matchVal2)
		if err == nil {
			if wakeCh != nil {
				s.notifier.unsubscribe(notifyKey, wakeCh)
			}
			_, delErr := s.db.ExecContext(ctx, s.rebind(
				`DELETE FROM dbos.`+table+` WHERE `+matchCol1+` = ? AND `+matchCol2+` = ? AND `+payloadCol+` = ?`,
			), matchVal1, matchVal2, payload)
			if delErr != nil {
				return "", false, errors.Wrapf(delErr, "delete %s", table)
			}
			return payload, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			if wakeCh != nil {
				s.notifier.unsubscribe(notifyKey, wakeCh)
			}
			return "", false, errors.Wrapf(err, "poll %s", table)
		}
		if hasDeadline && time.Now().After(deadline) {
			if wakeCh != nil {
				s.notifier.unsubscribe(notifyKey, wakeCh)
			}
			return "", false, nil
		}

		wait := pollInterval
		if wakeCh != nil {
			// The notifier wakes us early; the timer only covers drops.
			wait = 10 * pollInterval
			if hasDeadline {
				if until := time.Until(deadline); until < wait {
					wait = until
				}
			}
		}
		select {
		case <-ctx.Done():
			if wakeCh != nil {
				s.notifier.unsubscribe(notifyKey, wakeCh)
			}
			return "", false, ctx.Err()
		case <-wakeCh:
		case <-time.After(wait):
			if wakeCh != nil {
				s.notifier.unsubscribe(notifyKey, wakeCh)
			}
		}
	}
}

func (s *SQLXSystemDB) PendingWorkflows(ctx context.Context, executorIDs []string) ([]*models.WorkflowStatus, error) {
	var rows []*models.WorkflowStatus
	var query string
	var args []interface{}
	if len(executorIDs) == 0 {
		query = s.rebind(`SELECT * FROM dbos.workflow_status WHERE status = ?`)
		args = []interface{}{models.WorkflowStatusPending}
	} else {
		q, a, err := sqlx.In(`SELECT * FROM dbos.workflow_status WHERE status = ? AND executor_id IN (?)`,
			models.WorkflowStatusPending, executorIDs)
		if err != nil {
			return nil, errors.Wrap(err, "build pending workflows query")
		}
		query, args = s.rebind(q), a
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "list pending workflows")
	}
	return rows, nil
}

func (s *SQLXSystemDB) ListWorkflows(ctx context.Context, sinceMs int64) ([]*models.WorkflowStatus, error) {
	var rows []*models.WorkflowStatus
	query := s.rebind(`SELECT * FROM dbos.workflow_status WHERE created_at >= ? ORDER BY created_at`)
	if err := s.db.SelectContext(ctx, &rows, query, sinceMs); err != nil {
		return nil, errors.Wrap(err, "list workflows")
	}
	return rows, nil
}

func (s *SQLXSystemDB) GetSchedulerState(ctx context.Context, workflowFnName string) (int64, bool, error) {
	query := s.rebind(`SELECT last_run_time FROM dbos.scheduler_state WHERE workflow_fn_name = ?`)
	var lastRun int64
	if err := s.db.GetContext(ctx, &lastRun, query, workflowFnName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, "get scheduler_state")
	}
	return lastRun, true, nil
}

func (s *SQLXSystemDB) UpsertSchedulerState(ctx context.Context, st *models.SchedulerState) error {
	var query string
	if s.dialect == MySQL {
		query = s.rebind(`
			INSERT INTO dbos.scheduler_state (workflow_fn_name, last_run_time) VALUES (?, ?)
			ON DUPLICATE KEY UPDATE last_run_time = VALUES(last_run_time)
		`)
	} else {
		query = s.rebind(`
			INSERT INTO dbos.scheduler_state (workflow_fn_name, last_run_time) VALUES (?, ?)
			ON CONFLICT (workflow_fn_name) DO UPDATE SET last_run_time = EXCLUDED.last_run_time
		`)
	}
	_, err := s.db.ExecContext(ctx, query, st.WorkflowFnName, st.LastRunTime)
	if err != nil {
		return errors.Wrap(err, "upsert scheduler_state")
	}
	return nil
}

func (s *SQLXSystemDB) Enqueue(ctx context.Context, q *models.WorkflowQueueEntry) error {
	query := s.rebind(`
		INSERT INTO dbos.workflow_queue (workflow_uuid, executor_id, queue_name, created_at_epoch_ms)
		VALUES (?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query, q.WorkflowUUID, q.ExecutorID, q.QueueName, q.CreatedAtEpochMs)
	if err != nil && !s.dialect.IsConflict(err) {
		return errors.Wrap(err, "insert workflow_queue")
	}
	return nil
}

func (s *SQLXSystemDB) DequeueStart(ctx context.Context, workflowUUID string, startedAtMs int64) error {
	query := s.rebind(`UPDATE dbos.workflow_queue SET started_at_epoch_ms = ? WHERE workflow_uuid = ?`)
	_, err := s.db.ExecContext(ctx, query, startedAtMs, workflowUUID)
	if err != nil {
		return errors.Wrap(err, "update workflow_queue start")
	}
	return nil
}

func (s *SQLXSystemDB) DequeueComplete(ctx context.Context, workflowUUID string, completedAtMs int64) error {
	query := s.rebind(`UPDATE dbos.workflow_queue SET completed_at_epoch_ms = ? WHERE workflow_uuid = ?`)
	_, err := s.db.ExecContext(ctx, query, completedAtMs, workflowUUID)
	if err != nil {
		return errors.Wrap(err, "update workflow_queue complete")
	}
	return nil
}

func (s *SQLXSystemDB) FlushStatusBuffer(ctx context.Context, rows []*models.WorkflowStatus) error {
	if len(rows) == 0 {
		return nil
	}
	return dbTx(ctx, s.db, func(tx *sqlx.Tx) error {
		query := s.rebind(`
			UPDATE dbos.workflow_status
			SET status = ?, output = ?, error = ?, updated_at = ?
			WHERE workflow_uuid = ? AND status NOT IN (?, ?)
		`)
		for _, row := range rows {
			if _, err := tx.ExecContext(ctx, query, row.Status, row.Output, row.Error, row.UpdatedAt, row.WorkflowUUID,
				models.WorkflowStatusSuccess, models.WorkflowStatusError); err != nil {
				return errors.Wrapf(err, "flush workflow_status for %s", row.WorkflowUUID)
			}
		}
		return nil
	})
}

// FlushInputsBuffer runs after FlushStatusBuffer for the same batch. Each
// insert carries its own parent-exists guard, so rows whose workflow_status
// never materialised (temp workflows, in-flight status writes) drop out
// without erroring. Per-row autocommit rather than one wrapping transaction:
// on Postgres any statement error would poison a shared transaction, and a
// lost inputs row on crash is re-buffered by the flusher anyway.
func (s *SQLXSystemDB) FlushInputsBuffer(ctx context.Context, rows []*models.WorkflowInputs) error {
	query := s.insertInputsQuery()
	for _, row := range rows {
		if _, err := s.db.ExecContext(ctx, query, row.WorkflowUUID, row.Inputs, row.WorkflowUUID); err != nil {
			if s.dialect.IsForeignKeyViolation(err) {
				// Parent deleted between the guard and the insert.
				continue
			}
			return errors.Wrapf(err, "flush workflow_inputs for %s", row.WorkflowUUID)
		}
	}
	return nil
}

func (s *SQLXSystemDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLXSystemDB) Close() error {
	if s.notifier != nil {
		_ = s.notifier.close()
	}
	return s.db.Close()
}

// dbTx runs fn inside a transaction on db, rolling back on error.
func dbTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
