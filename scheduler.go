package dbos

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/dbos-go/dbos/pkg/models"
)

// ScheduleWorkflow fires a registered workflow once per interval, recording
// each fire time in scheduler_state. Fire times are aligned to interval
// boundaries and the dispatched workflow id is derived from the fn name and
// the aligned fire time, so multiple executors scheduling the same function
// race benignly: the OAOO dispatch path collapses their duplicate fires
// onto one workflow row. The workflow receives the aligned fire time
// (epoch ms, as float64) as its input.
//
// The returned stop function cancels the ticker; Destroy does not know
// about schedules, so callers stop them before tearing the instance down.
func (d *DBOS) ScheduleWorkflow(name string, interval time.Duration) (stop func(), err error) {
	fn, ok := d.registry.lookup(name)
	if !ok {
		return nil, &UnsupportedError{Feature: "schedule_workflow: unregistered workflow " + name}
	}
	if interval <= 0 {
		return nil, &UnsupportedError{Feature: "schedule_workflow: non-positive interval"}
	}

	tick := interval / 4
	if tick < time.Millisecond {
		tick = time.Millisecond
	}

	stopCh := make(chan struct{})
	var once sync.Once
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.scheduledTick(context.Background(), name, fn, interval.Milliseconds())
			case <-stopCh:
				return
			}
		}
	}()

	return func() {
		once.Do(func() { close(stopCh) })
		wg.Wait()
	}, nil
}

// scheduledTick fires name at most once per aligned interval boundary:
// scheduler_state's last_run_time is the claim, the deterministic workflow
// id is the cross-executor dedup.
func (d *DBOS) scheduledTick(ctx context.Context, name string, fn WorkflowFunc, intervalMs int64) {
	now := nowMillis()
	scheduled := now - now%intervalMs

	last, ok, err := d.systemDB.GetSchedulerState(ctx, name)
	if err != nil {
		d.logger.Error("scheduler state read failed", map[string]interface{}{"name": name, "error": err.Error()})
		return
	}
	if ok && last >= scheduled {
		return
	}

	if err := d.systemDB.UpsertSchedulerState(ctx, &models.SchedulerState{
		WorkflowFnName: name, LastRunTime: scheduled,
	}); err != nil {
		d.logger.Error("scheduler state write failed", map[string]interface{}{"name": name, "error": err.Error()})
		return
	}

	id := name + "-" + strconv.FormatInt(scheduled, 10)
	if _, err := d.dispatch(ctx, name, fn, []interface{}{float64(scheduled)}, nil, &id, ""); err != nil {
		d.logger.Error("scheduled dispatch failed", map[string]interface{}{
			"name": name, "workflow_id": id, "error": err.Error(),
		})
	}
}
