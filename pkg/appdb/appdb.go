// Package appdb implements the Application Database Adapter:
// the companion transaction_outputs table colocated with user schema so a
// transaction's checkpoint commits atomically with its own effects.
package appdb

import (
	"context"

	"github.com/dbos-go/dbos/pkg/models"
	"github.com/jmoiron/sqlx"
)

// AppDB is the interface invoke_transaction uses; exercised identically
// against the sqlx-backed implementation and the in-memory fake.
type AppDB interface {
	// BeginTx opens a transaction at the requested isolation level (default
	// SERIALIZABLE).
	BeginTx(ctx context.Context, isolation models.IsolationLevel) (*sqlx.Tx, error)

	// CheckTransactionExecution looks up a prior checkpoint inside the live
	// transaction, the first step of the transaction algorithm.
	CheckTransactionExecution(ctx context.Context, tx *sqlx.Tx, workflowUUID string, functionID int64) (*models.TransactionOutput, bool, error)

	// RecordTransactionOutput inserts the checkpoint, capturing
	// txn_id/txn_snapshot via dialect expressions evaluated inside tx. A
	// unique-constraint conflict surfaces as *models.ConflictError.
	RecordTransactionOutput(ctx context.Context, tx *sqlx.Tx, row *models.TransactionOutput) error

	// RecordTransactionError records a user error in its own short
	// transaction after the original transaction has rolled back, so the
	// checkpoint survives independently of the user's failed effects.
	RecordTransactionError(ctx context.Context, row *models.TransactionOutput) error

	Ping(ctx context.Context) error
	Close() error
}
