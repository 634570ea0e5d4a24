package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/taskforge/taskforge/core"
	"github.com/taskforge/taskforge/status"
)

// schedulerLoop is the single dispatcher goroutine: each pass sweeps
// timeouts and dispatches ready executions, then sleeps until the next
// tick or a wake-up.
func (e *Engine) schedulerLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.SchedulerInterval)
	defer ticker.Stop()

	for {
		e.sweepTimeouts()
		e.dispatch()

		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// sweepTimeouts aborts executions that overran their timeout. The
// transition to timeout happens here, not in the worker; the worker only
// observes the cancelled context and unwinds. An explicit cancel that
// arrived first wins over the timeout.
func (e *Engine) sweepTimeouts() {
	ctx := context.Background()
	now := time.Now()

	e.mu.Lock()
	inFlight := make([]*runningExecution, 0, len(e.running))
	for _, run := range e.running {
		inFlight = append(inFlight, run)
	}
	e.mu.Unlock()

	for _, run := range inFlight {
		exec, err := e.deps.Registry.Get(run.executionID)
		if err != nil {
			continue
		}
		if exec.Status != core.ExecutionRunning && exec.Status != core.ExecutionPreparing {
			continue
		}
		started := run.dispatched
		if exec.StartedAt != nil {
			started = *exec.StartedAt
		}
		if now.Sub(started) <= exec.Timeout() {
			continue
		}
		if run.cancelRequested.Load() {
			continue
		}

		run.timedOut.Store(true)

		e.mu.Lock()
		if cur, held := e.running[run.executionID]; held && cur == run {
			delete(e.running, run.executionID)
		}
		e.mu.Unlock()
		run.cancel()

		// Win the transition before touching the stored outcome; a worker
		// finishing in the same instant must keep its result.
		if _, err := e.deps.Registry.Transition(run.executionID, core.ExecutionTimeout, map[string]interface{}{
			"reason":          "timeout",
			"timeout_seconds": exec.TimeoutSeconds,
		}); err != nil {
			e.logger.Debug("Skipping timeout for execution that settled first", map[string]interface{}{
				"execution_id": run.executionID,
				"error":        err.Error(),
			})
			continue
		}
		if err := e.deps.Registry.SetOutcome(run.executionID, nil, "execution timed out"); err != nil {
			e.logger.Error("Failed to record timeout outcome", map[string]interface{}{
				"execution_id": run.executionID,
				"error":        err.Error(),
			})
		}

		e.logger.Warn("Execution timed out", map[string]interface{}{
			"execution_id":    run.executionID,
			"timeout_seconds": exec.TimeoutSeconds,
		})
		e.metrics.RecordTimeout(ctx)
		if exec.WorkflowID != "" {
			e.updateWorkflowState(ctx, exec.WorkflowID, status.StateFailed, map[string]interface{}{
				"reason": "timeout",
			})
		}

		if !e.retry.handleFailure(ctx, run.executionID, true) {
			// Settled as failed; finish the attempt on the scheduler side
			// since the worker is no longer responsible.
			e.runHooks(run.executionID, true)
			e.cascadeDependencyFailure(ctx, run.executionID)
		}
	}
}

// dispatch hands ready executions to workers while capacity lasts.
// Entries whose ready time is in the future are sidelined for the pass so
// lower-priority but currently-ready work behind them still dispatches.
func (e *Engine) dispatch() {
	now := time.Now()
	var sideline []*readyItem

	for {
		e.mu.Lock()
		if len(e.running) >= e.config.MaxConcurrentExecutions {
			e.mu.Unlock()
			break
		}
		item := e.queue.peek()
		if item == nil {
			e.mu.Unlock()
			break
		}
		if item.readyTime.After(now) {
			e.queue.pop()
			sideline = append(sideline, item)
			e.mu.Unlock()
			continue
		}
		item = e.queue.pop()
		e.mu.Unlock()

		e.evaluate(item)
	}

	if len(sideline) > 0 {
		e.mu.Lock()
		for _, item := range sideline {
			e.queue.restore(item)
		}
		e.mu.Unlock()
	}
}

// evaluate decides what to do with a popped ready item: discard, requeue
// behind unfinished dependencies, abandon on a failed dependency, or hand
// to a worker.
func (e *Engine) evaluate(item *readyItem) {
	ctx := context.Background()

	exec, err := e.deps.Registry.Get(item.executionID)
	if err != nil || !exec.CanExecute() {
		return
	}

	failedDep := ""
	depsPending := false
	for _, depID := range exec.Dependencies {
		dep, err := e.deps.Registry.Get(depID)
		if err != nil {
			failedDep = depID
			break
		}
		if dep.Status == core.ExecutionCompleted {
			continue
		}
		if dep.Status.IsTerminal() {
			failedDep = depID
			break
		}
		depsPending = true
	}

	if failedDep != "" {
		e.failDependent(ctx, item.executionID, failedDep)
		return
	}
	if depsPending {
		e.mu.Lock()
		e.queue.push(item.executionID, item.weight, time.Now().Add(e.config.SchedulerInterval))
		e.mu.Unlock()
		return
	}

	e.startWorker(item, exec)
}

// startWorker reserves a slot in the running set and launches the worker
// goroutine. The scheduler is the sole producer of worker assignments, so
// no execution is ever held by two workers.
func (e *Engine) startWorker(item *readyItem, exec *core.TaskExecution) {
	runCtx, cancel := context.WithCancel(context.Background())
	run := &runningExecution{
		executionID: item.executionID,
		cancel:      cancel,
		dispatched:  time.Now(),
	}

	e.mu.Lock()
	if len(e.running) >= e.config.MaxConcurrentExecutions {
		e.queue.restore(item)
		e.mu.Unlock()
		cancel()
		return
	}
	e.running[item.executionID] = run
	e.mu.Unlock()

	e.logger.Debug("Execution dispatched", map[string]interface{}{
		"execution_id": item.executionID,
		"task_id":      exec.TaskID,
		"priority":     exec.Priority,
	})

	e.wg.Add(1)
	go e.runExecution(runCtx, run)
}

// releaseWorker removes the worker's entry from the running set. The
// identity check keeps a timed out worker from evicting a successor that
// already took the slot for a retry attempt.
func (e *Engine) releaseWorker(run *runningExecution) {
	e.mu.Lock()
	if cur, held := e.running[run.executionID]; held && cur == run {
		delete(e.running, run.executionID)
	}
	e.mu.Unlock()
	run.cancel()
}

// wakeDependents re-queues dependents of a completed execution whose
// dependency sets are now fully satisfied.
func (e *Engine) wakeDependents(completedID string) {
	now := time.Now()
	for _, dependentID := range e.deps.Registry.DependentsOf(completedID) {
		dependent, err := e.deps.Registry.Get(dependentID)
		if err != nil || !dependent.CanExecute() {
			continue
		}
		satisfied := true
		for _, depID := range dependent.Dependencies {
			dep, err := e.deps.Registry.Get(depID)
			if err != nil || dep.Status != core.ExecutionCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			e.enqueueAt(dependentID, now)
		}
	}
}

// failDependent abandons an execution whose dependency ended failed or
// cancelled, then cascades to its own dependents.
func (e *Engine) failDependent(ctx context.Context, executionID, failedDepID string) {
	exec, err := e.deps.Registry.Get(executionID)
	if err != nil || exec.Status.IsTerminal() {
		return
	}

	e.mu.Lock()
	e.queue.remove(executionID)
	e.mu.Unlock()

	errMsg := fmt.Sprintf("dependency %s did not complete", failedDepID)
	if _, err := e.deps.Registry.Transition(executionID, core.ExecutionFailed, map[string]interface{}{
		"reason":            "dependency_failed",
		"failed_dependency": failedDepID,
	}); err != nil {
		e.logger.ErrorWithContext(ctx, "Failed to abandon dependent execution", map[string]interface{}{
			"execution_id": executionID,
			"error":        err.Error(),
		})
		return
	}
	if err := e.deps.Registry.SetOutcome(executionID, nil, errMsg); err != nil {
		e.logger.ErrorWithContext(ctx, "Failed to record dependency failure outcome", map[string]interface{}{
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}
	e.metrics.RecordFailed(ctx, "dependency_failed")

	e.logger.InfoWithContext(ctx, "Execution abandoned after dependency failure", map[string]interface{}{
		"execution_id":      executionID,
		"failed_dependency": failedDepID,
	})

	if err := e.deps.TaskStore.UpdateTaskStatus(ctx, exec.TaskID, core.TaskFailed); err != nil {
		e.logger.WarnWithContext(ctx, "Failed to mark external task failed", map[string]interface{}{
			"task_id": exec.TaskID,
			"error":   err.Error(),
		})
	}
	if err := e.deps.TaskStore.UpdateTask(ctx, exec.TaskID, map[string]interface{}{"error": errMsg}); err != nil {
		e.logger.WarnWithContext(ctx, "Failed to record error on external task", map[string]interface{}{
			"task_id": exec.TaskID,
			"error":   err.Error(),
		})
	}

	e.runHooks(executionID, true)
	e.cascadeDependencyFailure(ctx, executionID)
}

// cascadeDependencyFailure fails every dependent of a failed or cancelled
// execution, recursively.
func (e *Engine) cascadeDependencyFailure(ctx context.Context, originID string) {
	for _, dependentID := range e.deps.Registry.DependentsOf(originID) {
		e.failDependent(ctx, dependentID, originID)
	}
}

// updateWorkflowState forwards a state change to the status manager when
// one is wired in.
func (e *Engine) updateWorkflowState(ctx context.Context, workflowID string, state status.WorkflowState, details map[string]interface{}) {
	if e.deps.Status == nil || workflowID == "" {
		return
	}
	if _, err := e.deps.Status.UpdateState(ctx, workflowID, state, details); err != nil {
		e.logger.WarnWithContext(ctx, "Failed to update workflow status", map[string]interface{}{
			"workflow_id": workflowID,
			"state":       state,
			"error":       err.Error(),
		})
	}
}
