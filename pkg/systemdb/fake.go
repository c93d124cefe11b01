package systemdb

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dbos-go/dbos/pkg/models"
)

// Fake is a map-backed SystemDB satisfying the same interface as the
// sqlx-backed implementation, used to assert OAOO/recovery/retry properties
// hermetically, keeping unit tests off a live database.
type Fake struct {
	mu              sync.Mutex
	statuses        map[string]*models.WorkflowStatus
	inputs          map[string]string
	operationOutput map[string]*models.OperationOutput // key: workflowUUID + "/" + functionID
	notifications   map[string][]*models.Notification  // key: destinationUUID + "/" + topic
	events          map[string]map[string]string        // workflowUUID -> key -> value
	queue           map[string]*models.WorkflowQueueEntry
	scheduler       map[string]int64
}

// NewFake constructs an empty in-memory SystemDB.
func NewFake() *Fake {
	return &Fake{
		statuses:        make(map[string]*models.WorkflowStatus),
		inputs:          make(map[string]string),
		operationOutput: make(map[string]*models.OperationOutput),
		notifications:   make(map[string][]*models.Notification),
		events:          make(map[string]map[string]string),
		queue:           make(map[string]*models.WorkflowQueueEntry),
		scheduler:       make(map[string]int64),
	}
}

func opKey(workflowUUID string, functionID int64) string {
	return workflowUUID + "/" + strconv.FormatInt(functionID, 10)
}

func notifKey(destinationUUID, topic string) string {
	return destinationUUID + "/" + topic
}

func (f *Fake) InsertWorkflowStatus(ctx context.Context, row *models.WorkflowStatus) (*models.WorkflowStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.statuses[row.WorkflowUUID]
	if !ok {
		cp := *row
		cp.Status = models.WorkflowStatusPending
		cp.RecoveryAttempts = 1
		f.statuses[row.WorkflowUUID] = &cp
		out := cp
		return &out, true, nil
	}

	existing.RecoveryAttempts++
	if !existing.Status.IsTerminal() {
		existing.Status = models.WorkflowStatusPending
	}
	existing.UpdatedAt = row.UpdatedAt
	out := *existing
	return &out, false, nil
}

func (f *Fake) UpdateWorkflowOutcome(ctx context.Context, workflowUUID string, status models.WorkflowStatusValue, output, errStr *string, updatedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.statuses[workflowUUID]
	if !ok || row.Status.IsTerminal() {
		return nil
	}
	row.Status = status
	row.Output = output
	row.Error = errStr
	row.UpdatedAt = updatedAt
	return nil
}

func (f *Fake) GetWorkflowStatus(ctx context.Context, workflowUUID string) (*models.WorkflowStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.statuses[workflowUUID]
	if !ok {
		return nil, nil
	}
	out := *row
	return &out, nil
}

func (f *Fake) InsertWorkflowInputs(ctx context.Context, workflowUUID, inputs string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.statuses[workflowUUID]; !ok {
		// FK-ordering rule: inputs for a workflow with no status row yet are
		// silently dropped rather than violating the foreign key.
		return nil
	}
	if _, exists := f.inputs[workflowUUID]; exists {
		return nil
	}
	f.inputs[workflowUUID] = inputs
	return nil
}

func (f *Fake) GetWorkflowInputs(ctx context.Context, workflowUUID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inputs, ok := f.inputs[workflowUUID]
	return inputs, ok, nil
}

func (f *Fake) CheckOperationOutput(ctx context.Context, workflowUUID string, functionID int64) (*models.OperationOutput, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.operationOutput[opKey(workflowUUID, functionID)]
	if !ok {
		return nil, false, nil
	}
	out := *row
	return &out, true, nil
}

func (f *Fake) RecordOperationOutput(ctx context.Context, row *models.OperationOutput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := opKey(row.WorkflowUUID, row.FunctionID)
	if _, exists := f.operationOutput[key]; exists {
		return &models.ConflictError{WorkflowID: row.WorkflowUUID, FunctionID: row.FunctionID}
	}
	cp := *row
	f.operationOutput[key] = &cp
	return nil
}

func (f *Fake) Send(ctx context.Context, n *models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := notifKey(n.DestinationUUID, n.Topic)
	cp := *n
	f.notifications[key] = append(f.notifications[key], &cp)
	return nil
}

func (f *Fake) Recv(ctx context.Context, destinationUUID, topic string, timeout time.Duration) (string, bool, error) {
	deadline, hasDeadline := deadlineFrom(timeout)
	for {
		if msg, ok := f.tryPopNotification(destinationUUID, topic); ok {
			return msg, true, nil
		}
		if hasDeadline && time.Now().After(deadline) {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *Fake) tryPopNotification(destinationUUID, topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := notifKey(destinationUUID, topic)
	queue := f.notifications[key]
	if len(queue) == 0 {
		return "", false
	}
	msg := queue[0].Message
	f.notifications[key] = queue[1:]
	return msg, true
}

func (f *Fake) SetEvent(ctx context.Context, e *models.WorkflowEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.events[e.WorkflowUUID]
	if !ok {
		m = make(map[string]string)
		f.events[e.WorkflowUUID] = m
	}
	m[e.Key] = e.Value
	return nil
}

func (f *Fake) GetEvent(ctx context.Context, targetUUID, key string, timeout time.Duration) (string, bool, error) {
	deadline, hasDeadline := deadlineFrom(timeout)
	for {
		if v, ok := f.tryGetEvent(targetUUID, key); ok {
			return v, true, nil
		}
		if hasDeadline && time.Now().After(deadline) {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *Fake) tryGetEvent(targetUUID, key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.events[targetUUID]
	if !ok {
		return "", false
	}
	v, ok := m[key]
	return v, ok
}

func (f *Fake) PendingWorkflows(ctx context.Context, executorIDs []string) ([]*models.WorkflowStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.WorkflowStatus
	allowed := make(map[string]bool, len(executorIDs))
	for _, id := range executorIDs {
		allowed[id] = true
	}
	for _, row := range f.statuses {
		if row.Status != models.WorkflowStatusPending {
			continue
		}
		if len(executorIDs) > 0 && !allowed[row.ExecutorID] {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (f *Fake) ListWorkflows(ctx context.Context, sinceMs int64) ([]*models.WorkflowStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.WorkflowStatus
	for _, row := range f.statuses {
		if row.CreatedAt < sinceMs {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (f *Fake) GetSchedulerState(ctx context.Context, workflowFnName string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lastRun, ok := f.scheduler[workflowFnName]
	return lastRun, ok, nil
}

func (f *Fake) UpsertSchedulerState(ctx context.Context, st *models.SchedulerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduler[st.WorkflowFnName] = st.LastRunTime
	return nil
}

func (f *Fake) Enqueue(ctx context.Context, q *models.WorkflowQueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queue[q.WorkflowUUID]; ok {
		return nil
	}
	cp := *q
	f.queue[q.WorkflowUUID] = &cp
	return nil
}

func (f *Fake) DequeueStart(ctx context.Context, workflowUUID string, startedAtMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.queue[workflowUUID]; ok {
		row.StartedAtEpochMs = &startedAtMs
	}
	return nil
}

func (f *Fake) DequeueComplete(ctx context.Context, workflowUUID string, completedAtMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.queue[workflowUUID]; ok {
		row.CompletedAtMs = &completedAtMs
	}
	return nil
}

// ForceStatus is a test-only hook letting a test simulate a crash by
// resetting a terminal workflow back to PENDING.
func (f *Fake) ForceStatus(workflowUUID string, status models.WorkflowStatusValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.statuses[workflowUUID]; ok {
		row.Status = status
	}
}

func (f *Fake) FlushStatusBuffer(ctx context.Context, rows []*models.WorkflowStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range rows {
		existing, ok := f.statuses[row.WorkflowUUID]
		if !ok || existing.Status.IsTerminal() {
			continue
		}
		existing.Status = row.Status
		existing.Output = row.Output
		existing.Error = row.Error
		existing.UpdatedAt = row.UpdatedAt
	}
	return nil
}

func (f *Fake) FlushInputsBuffer(ctx context.Context, rows []*models.WorkflowInputs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range rows {
		if _, ok := f.statuses[row.WorkflowUUID]; !ok {
			continue // dropped: no parent workflow_status row
		}
		if _, exists := f.inputs[row.WorkflowUUID]; exists {
			continue
		}
		f.inputs[row.WorkflowUUID] = row.Inputs
	}
	return nil
}

// QueueEntry is a test-only accessor for the workflow_queue row of a
// workflow, if one was enqueued.
func (f *Fake) QueueEntry(workflowUUID string) (*models.WorkflowQueueEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.queue[workflowUUID]
	if !ok {
		return nil, false
	}
	cp := *row
	return &cp, true
}

func (f *Fake) Ping(ctx context.Context) error { return nil }
func (f *Fake) Close() error                   { return nil }
