package dbos

import (
	"context"
	"sync"
	"time"

	"github.com/dbos-go/dbos/pkg/models"
	"github.com/dbos-go/dbos/pkg/observability"
	"github.com/dbos-go/dbos/pkg/systemdb"
)

// writeBuffers batches workflow_status/workflow_inputs writes: two maps
// keyed by workflow_uuid so a fast-cycling workflow only ever writes its
// final status once, drained on a ticker and on explicit WaitForBufferFlush.
//
// Ordering rule: inputs MUST flush after status for the same round,
// because workflow_inputs has an FK to workflow_status; rows whose parent
// is missing are silently dropped by the SystemDB implementation as a
// defensive fallback in case a status write is ever skipped or still
// in flight.
type writeBuffers struct {
	systemDB systemdb.SystemDB
	logger   observability.Logger
	interval time.Duration

	mu        sync.Mutex
	statusBuf map[string]*models.WorkflowStatus
	inputsBuf map[string]*models.WorkflowInputs

	flushMu sync.Mutex // serialises concurrent flush callers

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newWriteBuffers(db systemdb.SystemDB, interval time.Duration, logger observability.Logger) *writeBuffers {
	return &writeBuffers{
		systemDB:  db,
		logger:    logger,
		interval:  interval,
		statusBuf: make(map[string]*models.WorkflowStatus),
		inputsBuf: make(map[string]*models.WorkflowInputs),
		stopCh:    make(chan struct{}),
	}
}

// bufferStatus records the most-recent terminal status for a workflow;
// a later call for the same workflow_uuid overwrites the earlier one
// (last-writer-wins). The executor only ever buffers the final
// SUCCESS/ERROR status, never an intermediate PENDING, so this can never
// regress a terminal write.
func (b *writeBuffers) bufferStatus(row *models.WorkflowStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *row
	b.statusBuf[row.WorkflowUUID] = &cp
}

// bufferInputs records the first observed inputs for a workflow; later
// calls for the same id are no-ops (first-writer-wins).
func (b *writeBuffers) bufferInputs(row *models.WorkflowInputs) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.inputsBuf[row.WorkflowUUID]; exists {
		return
	}
	cp := *row
	b.inputsBuf[row.WorkflowUUID] = &cp
}

func (b *writeBuffers) start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := b.flush(context.Background()); err != nil {
					b.logger.Error("write buffer flush failed", map[string]interface{}{"error": err.Error()})
				}
			case <-b.stopCh:
				return
			}
		}
	}()
}

func (b *writeBuffers) stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// flushNow is the wait_for_buffer_flush() entry point: it drains whatever
// is currently buffered and blocks until that drain completes.
func (b *writeBuffers) flushNow(ctx context.Context) error {
	return b.flush(ctx)
}

func (b *writeBuffers) flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	statusRows := make([]*models.WorkflowStatus, 0, len(b.statusBuf))
	for id, row := range b.statusBuf {
		statusRows = append(statusRows, row)
		delete(b.statusBuf, id)
	}
	inputRows := make([]*models.WorkflowInputs, 0, len(b.inputsBuf))
	for id, row := range b.inputsBuf {
		inputRows = append(inputRows, row)
		delete(b.inputsBuf, id)
	}
	b.mu.Unlock()

	if len(statusRows) == 0 && len(inputRows) == 0 {
		return nil
	}

	if err := b.systemDB.FlushStatusBuffer(ctx, statusRows); err != nil {
		// Put rows back so a later flush retries them.
		b.requeue(statusRows, inputRows)
		return err
	}
	if err := b.systemDB.FlushInputsBuffer(ctx, inputRows); err != nil {
		b.requeue(nil, inputRows)
		return err
	}
	return nil
}

func (b *writeBuffers) requeue(statusRows []*models.WorkflowStatus, inputRows []*models.WorkflowInputs) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, row := range statusRows {
		if _, exists := b.statusBuf[row.WorkflowUUID]; !exists {
			b.statusBuf[row.WorkflowUUID] = row
		}
	}
	for _, row := range inputRows {
		if _, exists := b.inputsBuf[row.WorkflowUUID]; !exists {
			b.inputsBuf[row.WorkflowUUID] = row
		}
	}
}
