package appdb

import (
	"context"
	"strconv"
	"sync"

	"github.com/dbos-go/dbos/pkg/models"
	"github.com/jmoiron/sqlx"
)

// Fake is a map-backed AppDB used by hermetic OAOO tests. BeginTx returns a
// nil *sqlx.Tx: the user fn runs outside any SQL transaction, which is
// sufficient to assert exactly-once checkpoint bookkeeping without a live
// database.
type Fake struct {
	mu      sync.Mutex
	outputs map[string]*models.TransactionOutput
}

// NewFake constructs an empty in-memory AppDB.
func NewFake() *Fake {
	return &Fake{outputs: make(map[string]*models.TransactionOutput)}
}

func (f *Fake) BeginTx(ctx context.Context, isolation models.IsolationLevel) (*sqlx.Tx, error) {
	return nil, nil
}

func (f *Fake) CheckTransactionExecution(ctx context.Context, tx *sqlx.Tx, workflowUUID string, functionID int64) (*models.TransactionOutput, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.outputs[key(workflowUUID, functionID)]
	if !ok {
		return nil, false, nil
	}
	cp := *row
	return &cp, true, nil
}

func (f *Fake) RecordTransactionOutput(ctx context.Context, tx *sqlx.Tx, row *models.TransactionOutput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(row.WorkflowUUID, row.FunctionID)
	if _, exists := f.outputs[k]; exists {
		return &models.ConflictError{WorkflowID: row.WorkflowUUID, FunctionID: row.FunctionID}
	}
	cp := *row
	f.outputs[k] = &cp
	return nil
}

func (f *Fake) RecordTransactionError(ctx context.Context, row *models.TransactionOutput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(row.WorkflowUUID, row.FunctionID)
	if _, exists := f.outputs[k]; exists {
		return nil
	}
	cp := *row
	f.outputs[k] = &cp
	return nil
}

func (f *Fake) Ping(ctx context.Context) error { return nil }
func (f *Fake) Close() error                   { return nil }

func key(workflowUUID string, functionID int64) string {
	return workflowUUID + "/" + strconv.FormatInt(functionID, 10)
}
