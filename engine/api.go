package engine

import (
	"context"

	"github.com/taskforge/taskforge/core"
	"github.com/taskforge/taskforge/registry"
	"github.com/taskforge/taskforge/status"
)

// CancelResult acknowledges a cancel request.
type CancelResult struct {
	ExecutionID string `json:"execution_id"`
	Success     bool   `json:"success"`
	Message     string `json:"message"`
}

// CancelExecution cancels a queued or running execution. Cancelling a
// terminal execution is not an error; the result reports success=false.
// A second cancel of a running execution is idempotent.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) (*CancelResult, error) {
	exec, err := e.deps.Registry.Get(executionID)
	if err != nil {
		return nil, err
	}

	if exec.Status.IsTerminal() {
		return &CancelResult{
			ExecutionID: executionID,
			Success:     false,
			Message:     "already_completed",
		}, nil
	}

	e.mu.Lock()
	if run, inFlight := e.running[executionID]; inFlight {
		run.cancelRequested.Store(true)
		run.cancel()
		e.mu.Unlock()

		e.logger.InfoWithContext(ctx, "Cancellation requested for running execution", map[string]interface{}{
			"execution_id": executionID,
		})
		return &CancelResult{
			ExecutionID: executionID,
			Success:     true,
			Message:     "cancellation_requested",
		}, nil
	}
	e.queue.remove(executionID)
	e.mu.Unlock()

	// Queued or not yet queued: cancel directly.
	if _, err := e.deps.Registry.Transition(executionID, core.ExecutionCancelled, map[string]interface{}{
		"reason": "cancelled_by_caller",
	}); err != nil {
		return nil, err
	}
	e.metrics.RecordCancelled(ctx)

	if err := e.deps.TaskStore.UpdateTaskStatus(ctx, exec.TaskID, core.TaskCancelled); err != nil {
		e.logger.WarnWithContext(ctx, "Failed to mark external task cancelled", map[string]interface{}{
			"task_id": exec.TaskID,
			"error":   err.Error(),
		})
	}

	e.runHooks(executionID, true)
	e.cascadeDependencyFailure(ctx, executionID)
	e.kick()

	e.logger.InfoWithContext(ctx, "Queued execution cancelled", map[string]interface{}{
		"execution_id": executionID,
	})
	return &CancelResult{
		ExecutionID: executionID,
		Success:     true,
		Message:     "cancelled",
	}, nil
}

// ExecutionView bundles an execution with its task snapshot and workflow
// status. Task and WorkflowStatus are best-effort and may be nil.
type ExecutionView struct {
	Execution      *core.TaskExecution    `json:"execution"`
	Task           *core.Task             `json:"task,omitempty"`
	WorkflowStatus *status.WorkflowStatus `json:"workflow_status,omitempty"`
}

// GetExecution returns the execution with its task and workflow status.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*ExecutionView, error) {
	exec, err := e.deps.Registry.Get(executionID)
	if err != nil {
		return nil, err
	}

	view := &ExecutionView{Execution: exec}
	if task, err := e.deps.TaskStore.GetTask(ctx, exec.TaskID); err == nil {
		view.Task = task
	}
	if e.deps.Status != nil && exec.WorkflowID != "" {
		view.WorkflowStatus = e.deps.Status.Get(exec.WorkflowID)
	}
	return view, nil
}

// ListResult is one page of executions.
type ListResult struct {
	Executions []*core.TaskExecution `json:"executions"`
	Total      int                   `json:"total"`
	Limit      int                   `json:"limit"`
	Offset     int                   `json:"offset"`
}

// ListExecutions returns executions matching the filter, newest first.
func (e *Engine) ListExecutions(filter registry.ListFilter, limit, offset int) *ListResult {
	executions, total := e.deps.Registry.List(filter, limit, offset)
	return &ListResult{
		Executions: executions,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	}
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Total        int                          `json:"total"`
	StatusCounts map[core.ExecutionStatus]int `json:"status_counts"`
	QueueLength  int                          `json:"queue_length"`
	RunningCount int                          `json:"running_count"`
	MaxWorkers   int                          `json:"max_workers"`
}

// GetExecutionStats returns engine counters.
func (e *Engine) GetExecutionStats() *Stats {
	e.mu.Lock()
	queueLength := e.queue.len()
	runningCount := len(e.running)
	e.mu.Unlock()

	return &Stats{
		Total:        e.deps.Registry.Count(),
		StatusCounts: e.deps.Registry.Stats(),
		QueueLength:  queueLength,
		RunningCount: runningCount,
		MaxWorkers:   e.config.MaxConcurrentExecutions,
	}
}
