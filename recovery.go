package dbos

import (
	"context"
	"sync"
	"time"

	"github.com/dbos-go/dbos/pkg/models"
	"github.com/dbos-go/dbos/pkg/resilience"
)

// recoveryLoop re-dispatches PENDING workflows assigned to this executor,
// so a process that crashed mid-workflow gets its in-flight work picked
// back up. The ticker only runs when Config.RecoveryPollInterval is set;
// otherwise recovery happens solely through RecoverPendingWorkflows.
type recoveryLoop struct {
	d       *DBOS
	breaker *resilience.CircuitBreaker

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newRecoveryLoop(d *DBOS) *recoveryLoop {
	r := &recoveryLoop{
		d:      d,
		stopCh: make(chan struct{}),
		breaker: resilience.NewCircuitBreaker(
			"dbos-recovery-poll",
			resilience.CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     10 * time.Second,
			},
			d.logger,
			d.metrics,
		),
	}
	if d.cfg.RecoveryPollInterval > 0 {
		r.wg.Add(1)
		go r.run(d.cfg.RecoveryPollInterval)
	}
	return r
}

func (r *recoveryLoop) run(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.pollOnce(context.Background()); err != nil {
				r.d.logger.Error("recovery poll failed", map[string]interface{}{"error": err.Error()})
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *recoveryLoop) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// pollOnce scans for this executor's PENDING workflows and re-dispatches
// each through the ordinary OAOO path: InsertWorkflowStatus bumps
// recovery_attempts and the registered function runs again from scratch,
// replaying any steps/transactions it already checkpointed.
func (r *recoveryLoop) pollOnce(ctx context.Context) error {
	_, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		rows, err := r.d.systemDB.PendingWorkflows(ctx, []string{r.d.cfg.ExecutorID})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			r.recover(ctx, row)
		}
		return nil, nil
	})
	return err
}

func (r *recoveryLoop) recover(ctx context.Context, row *models.WorkflowStatus) *WorkflowHandle {
	fn, ok := r.d.registry.lookup(row.Name)
	if !ok {
		r.d.logger.Warn("recovery: no registered function for pending workflow", map[string]interface{}{
			"workflow_id": row.WorkflowUUID, "name": row.Name,
		})
		return nil
	}
	var args []interface{}
	if inputs, found, err := r.d.systemDB.GetWorkflowInputs(ctx, row.WorkflowUUID); err == nil && found {
		if decoded, derr := decodeInputs(inputs); derr == nil {
			args = decoded
		}
	}
	id := row.WorkflowUUID
	h, err := r.d.dispatch(ctx, row.Name, fn, args, nil, &id, "")
	if err != nil {
		r.d.logger.Error("recovery: re-dispatch failed", map[string]interface{}{
			"workflow_id": row.WorkflowUUID, "error": err.Error(),
		})
		return nil
	}
	return h
}

// RecoverPendingWorkflows scans workflow_status for PENDING rows owned by
// any of executorIDs (all executors, if empty) and re-dispatches each,
// returning the new handles. Unlike the background loop this is
// synchronous and caller-triggered, e.g. from a CLI or on process startup
// before the background loop's first tick.
func (d *DBOS) RecoverPendingWorkflows(ctx context.Context, executorIDs []string) ([]*WorkflowHandle, error) {
	rows, err := d.systemDB.PendingWorkflows(ctx, executorIDs)
	if err != nil {
		return nil, err
	}
	handles := make([]*WorkflowHandle, 0, len(rows))
	for _, row := range rows {
		if h := d.recovery.recover(ctx, row); h != nil {
			handles = append(handles, h)
		}
	}
	return handles, nil
}
