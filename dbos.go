// Package dbos implements a durable workflow execution runtime: ordinary Go
// functions marked as workflows, transactions, or steps get exactly-once,
// crash-recoverable execution against a relational database.
//
// The function-registration/decorator surface, configuration loading, and
// CLI are deliberately out of scope — callers register functions by name
// against a Registry and hand this package a fully-formed *sqlx.DB plus a
// dialect tag.
package dbos

import (
	"context"
	"time"

	"github.com/dbos-go/dbos/pkg/appdb"
	"github.com/dbos-go/dbos/pkg/observability"
	"github.com/dbos-go/dbos/pkg/retry"
	"github.com/dbos-go/dbos/pkg/systemdb"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// WorkflowFunc is a durably-tracked user function.
type WorkflowFunc func(ctx *Context, input interface{}) (interface{}, error)

// StepFunc is a non-transactional durable operation.
type StepFunc func(ctx *Context, input interface{}) (interface{}, error)

// TransactionFunc runs inside a single App-DB transaction; tx is bound to
// ctx for the call's duration. tx is nil when running against the
// in-memory appdb.Fake used by hermetic tests.
type TransactionFunc func(ctx *Context, tx *sqlx.Tx, input interface{}) (interface{}, error)

// Registry holds the named workflow/step/transaction functions the
// executor and recovery loop dispatch against. Registration itself stays
// minimal: a name->function lookup, nothing more.
type Registry struct {
	workflows map[string]WorkflowFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]WorkflowFunc)}
}

// RegisterWorkflow makes fn dispatchable and recoverable by name.
func (r *Registry) RegisterWorkflow(name string, fn WorkflowFunc) {
	r.workflows[name] = fn
}

func (r *Registry) lookup(name string) (WorkflowFunc, bool) {
	fn, ok := r.workflows[name]
	return fn, ok
}

// Config configures a DBOS instance: pool handles are supplied already
// open, everything else about retries, logging, and metrics follows the
// ambient stack conventions used throughout this module.
type Config struct {
	SystemDB systemdb.SystemDB
	AppDB    appdb.AppDB // nil if the application never calls InvokeTransaction

	Registry *Registry

	ExecutorID         string
	ApplicationID      string
	ApplicationVersion string

	Logger  observability.Logger
	Metrics observability.MetricsClient

	// DefaultStepRetryPolicy is used by InvokeStep when the caller does not
	// supply one.
	DefaultStepRetryPolicy retry.Config

	// BufferFlushInterval is how often the write buffer drains in the
	// background (defaults to ~50ms).
	BufferFlushInterval time.Duration

	// RecoveryPollInterval enables the background recovery ticker: every
	// interval, PENDING workflows owned by this executor are re-dispatched.
	// Zero disables the ticker; recovery then runs only when the caller
	// invokes RecoverPendingWorkflows (typically once on startup). A
	// workflow is PENDING for its whole execution, so a ticker shorter than
	// the longest workflow this executor runs will re-enter still-running
	// workflows; their checkpoints make that safe but not free.
	RecoveryPollInterval time.Duration
}

// DBOS is the process-wide executor singleton: constructed by Init, torn
// down by Destroy, holding the system/app DB connections, the recovery
// loop, and the write buffers.
type DBOS struct {
	cfg      Config
	registry *Registry
	logger   observability.Logger
	metrics  observability.MetricsClient

	systemDB systemdb.SystemDB
	appDB    appdb.AppDB

	buffers  *writeBuffers
	recovery *recoveryLoop

	pendingWorkflowID nextWorkflowIDSentinel
}

// Init constructs pools (already supplied via cfg.SystemDB/AppDB), launches
// the write-buffer flusher, and starts the recovery loop's ticker when
// cfg.RecoveryPollInterval is set. Callers invoke Destroy to reverse this.
func Init(cfg Config) (*DBOS, error) {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNoOpMetricsClient()
	}
	if cfg.ExecutorID == "" {
		cfg.ExecutorID = uuid.NewString()
	}
	if cfg.BufferFlushInterval <= 0 {
		cfg.BufferFlushInterval = 50 * time.Millisecond
	}
	if cfg.DefaultStepRetryPolicy.MaxRetries <= 0 {
		cfg.DefaultStepRetryPolicy = retry.Config{MaxRetries: 3}
	}

	d := &DBOS{
		cfg:      cfg,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		systemDB: cfg.SystemDB,
		appDB:    cfg.AppDB,
	}
	d.buffers = newWriteBuffers(d.systemDB, cfg.BufferFlushInterval, d.logger)
	d.buffers.start()
	d.recovery = newRecoveryLoop(d)
	return d, nil
}

// Destroy stops accepting new dispatches conceptually (callers must stop
// invoking Start/Invoke themselves), flushes buffers synchronously, cancels
// the recovery loop, and releases both connection pools.
func (d *DBOS) Destroy() error {
	d.recovery.stop()
	d.buffers.stop()
	d.buffers.flushNow(context.Background())

	var firstErr error
	if err := d.systemDB.Close(); err != nil {
		firstErr = err
	}
	if d.appDB != nil {
		if err := d.appDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WaitForBufferFlush blocks until the write buffer has drained at least
// once more, for tests asserting against the persisted state.
func (d *DBOS) WaitForBufferFlush(ctx context.Context) error {
	return d.buffers.flushNow(ctx)
}

// SetWorkflowID pre-assigns the id the next Start/Invoke call will use,
// consumed exactly once.
func (d *DBOS) SetWorkflowID(id string) {
	d.pendingWorkflowID.set(id)
}

// nextWorkflowIDSentinel is the "caller pre-assigns the next workflow's id"
// mechanism: a one-shot override consumed by the next dispatch and then
// cleared.
type nextWorkflowIDSentinel struct {
	value *string
}

func (s *nextWorkflowIDSentinel) set(id string) {
	s.value = &id
}

func (s *nextWorkflowIDSentinel) consume() (string, bool) {
	if s.value == nil {
		return "", false
	}
	id := *s.value
	s.value = nil
	return id, true
}

// qualnameOf derives the temp-workflow qualname used by ad-hoc
// transactions/steps invoked outside an enclosing workflow.
func qualnameOf(name string) string {
	if name == "" {
		return "anonymous"
	}
	return name
}
