package appdb

import (
	"context"
	"database/sql"

	"github.com/dbos-go/dbos/pkg/models"
	"github.com/dbos-go/dbos/pkg/observability"
	"github.com/dbos-go/dbos/pkg/systemdb"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// SQLXAppDB is the production AppDB, backed by a pooled *sqlx.DB against the
// user's own Postgres or MySQL database.
type SQLXAppDB struct {
	db      *sqlx.DB
	dialect systemdb.Dialect
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New wraps an already-open, already-migrated *sqlx.DB as an AppDB.
func New(db *sqlx.DB, dialect systemdb.Dialect, logger observability.Logger, metrics observability.MetricsClient) *SQLXAppDB {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &SQLXAppDB{db: db, dialect: dialect, logger: logger, metrics: metrics}
}

func (a *SQLXAppDB) BeginTx(ctx context.Context, isolation models.IsolationLevel) (*sqlx.Tx, error) {
	opts := &sql.TxOptions{}
	switch isolation {
	case models.IsolationReadCommitted:
		opts.Isolation = sql.LevelReadCommitted
	case models.IsolationRepeatableRead:
		opts.Isolation = sql.LevelRepeatableRead
	default:
		opts.Isolation = sql.LevelSerializable
	}
	tx, err := a.db.BeginTxx(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "begin app-db transaction")
	}
	return tx, nil
}

func (a *SQLXAppDB) CheckTransactionExecution(ctx context.Context, tx *sqlx.Tx, workflowUUID string, functionID int64) (*models.TransactionOutput, bool, error) {
	query := a.db.Rebind(`SELECT * FROM dbos.transaction_outputs WHERE workflow_uuid = ? AND function_id = ?`)
	var row models.TransactionOutput
	if err := tx.GetContext(ctx, &row, query, workflowUUID, functionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "check transaction_outputs")
	}
	return &row, true, nil
}

func (a *SQLXAppDB) RecordTransactionOutput(ctx context.Context, tx *sqlx.Tx, row *models.TransactionOutput) error {
	txnIDExpr := a.dialect.TxnIDExpr()
	snapshotExpr := "NULL"
	if a.dialect.SupportsSnapshot() {
		snapshotExpr = a.dialect.TxnSnapshotExpr()
	}
	query := a.db.Rebind(`
		INSERT INTO dbos.transaction_outputs
			(workflow_uuid, function_id, output, error, txn_id, txn_snapshot, executor_id, created_at)
		VALUES (?, ?, ?, ?, ` + txnIDExpr + `, ` + snapshotExpr + `, ?, ` + a.dialect.EpochMsExpr() + `)
	`)
	_, err := tx.ExecContext(ctx, query, row.WorkflowUUID, row.FunctionID, row.Output, row.Error, row.ExecutorID)
	if err != nil {
		if a.dialect.IsConflict(err) {
			return &models.ConflictError{WorkflowID: row.WorkflowUUID, FunctionID: row.FunctionID}
		}
		return errors.Wrap(err, "insert transaction_outputs")
	}
	return nil
}

func (a *SQLXAppDB) RecordTransactionError(ctx context.Context, row *models.TransactionOutput) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin short error-recording transaction")
	}
	query := a.db.Rebind(`
		INSERT INTO dbos.transaction_outputs (workflow_uuid, function_id, output, error, executor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ` + a.dialect.EpochMsExpr() + `)
	`)
	if _, err := tx.ExecContext(ctx, query, row.WorkflowUUID, row.FunctionID, row.Output, row.Error, row.ExecutorID); err != nil {
		_ = tx.Rollback()
		if a.dialect.IsConflict(err) {
			return &models.ConflictError{WorkflowID: row.WorkflowUUID, FunctionID: row.FunctionID}
		}
		return errors.Wrap(err, "insert transaction_outputs error checkpoint")
	}
	return errors.Wrap(tx.Commit(), "commit short error-recording transaction")
}

func (a *SQLXAppDB) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *SQLXAppDB) Close() error {
	return a.db.Close()
}
