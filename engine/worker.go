package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/taskforge/taskforge/cache"
	"github.com/taskforge/taskforge/core"
	"github.com/taskforge/taskforge/pipeline"
	"github.com/taskforge/taskforge/results"
	"github.com/taskforge/taskforge/status"
	"github.com/taskforge/taskforge/telemetry"
)

// attemptOutcome classifies how a worker attempt ended, driving the
// post-attempt actions (hooks, dependent wake-up, failure cascade).
type attemptOutcome int

const (
	outcomeNone attemptOutcome = iota // retried, timed out, or raced away
	outcomeCompleted
	outcomeFailed
	outcomeCancelled
)

// runExecution drives one attempt of an execution through preparation,
// pipeline rendering, the runner, result storage and the terminal
// transition.
func (e *Engine) runExecution(runCtx context.Context, run *runningExecution) {
	defer e.wg.Done()

	executionID := run.executionID
	bg := context.Background()
	outcome := outcomeNone

	runCtx, span := telemetry.StartSpan(runCtx, "engine.execute",
		attribute.String("execution.id", executionID))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Worker panicked", map[string]interface{}{
				"execution_id": executionID,
				"panic":        r,
			})
			telemetry.RecordSpanError(runCtx, fmt.Errorf("worker panic: %v", r))
			if _, err := e.deps.Registry.Transition(executionID, core.ExecutionFailed, map[string]interface{}{
				"reason": "internal_panic",
			}); err == nil {
				_ = e.deps.Registry.SetOutcome(executionID, nil, fmt.Sprintf("internal error: %v", r))
				outcome = outcomeFailed
			}
		}

		e.releaseWorker(run)
		switch outcome {
		case outcomeCompleted:
			e.runHooks(executionID, true)
			e.wakeDependents(executionID)
		case outcomeFailed, outcomeCancelled:
			e.runHooks(executionID, true)
			e.cascadeDependencyFailure(bg, executionID)
		}
		e.kick()
	}()

	// Step into preparing; losing this race means the execution was
	// cancelled between dispatch and pickup.
	if _, err := e.deps.Registry.Transition(executionID, core.ExecutionPreparing, nil); err != nil {
		return
	}
	exec, err := e.deps.Registry.Get(executionID)
	if err != nil {
		return
	}
	// A cancel can land between the preparing transition and this read;
	// the caller already settled the execution and the external task.
	if exec.Status != core.ExecutionPreparing {
		return
	}
	telemetry.SetSpanAttributes(runCtx,
		attribute.String("task.id", exec.TaskID),
		attribute.String("workflow.type", exec.WorkflowType),
		attribute.Int("retry.count", exec.RetryCount),
	)

	task, err := e.deps.TaskStore.GetTask(runCtx, exec.TaskID)
	if err != nil {
		if runCtx.Err() != nil {
			outcome = e.settleCancellation(bg, run, exec)
			return
		}
		// A missing task is never retried.
		e.logger.ErrorWithContext(bg, "Task lookup failed", map[string]interface{}{
			"execution_id": executionID,
			"task_id":      exec.TaskID,
			"error":        err.Error(),
		})
		telemetry.RecordSpanError(runCtx, err)
		if _, terr := e.deps.Registry.Transition(executionID, core.ExecutionFailed, map[string]interface{}{
			"reason": "task_not_found",
		}); terr == nil {
			_ = e.deps.Registry.SetOutcome(executionID, nil, fmt.Sprintf("task %s not found: %v", exec.TaskID, err))
			e.metrics.RecordFailed(bg, "task_not_found")
			outcome = outcomeFailed
		}
		return
	}

	if err := e.deps.TaskStore.UpdateTaskStatus(runCtx, task.ID, core.TaskInProgress); err != nil {
		e.logger.WarnWithContext(bg, "Failed to mark external task in progress", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}

	pipe, err := e.buildPipeline(runCtx, exec, task)
	if err != nil {
		if runCtx.Err() != nil {
			outcome = e.settleCancellation(bg, run, exec)
			return
		}
		telemetry.RecordSpanError(runCtx, err)
		outcome = e.failAttempt(runCtx, run, exec, fmt.Sprintf("pipeline conversion failed: %v", err), true)
		return
	}

	workflowID := exec.WorkflowID
	if workflowID == "" {
		workflowID = uuid.New().String()
		if err := e.deps.Registry.AssignWorkflow(executionID, workflowID); err != nil {
			e.logger.ErrorWithContext(bg, "Failed to assign workflow", map[string]interface{}{
				"execution_id": executionID,
				"error":        err.Error(),
			})
		}
		if e.deps.Status != nil {
			_, _ = e.deps.Status.Create(bg, workflowID, status.StateCreated, map[string]interface{}{
				"task_id":       task.ID,
				"execution_id":  executionID,
				"workflow_type": exec.WorkflowType,
			})
		}
	}
	exec.WorkflowID = workflowID

	e.runHooks(executionID, false)

	if _, err := e.deps.Registry.Transition(executionID, core.ExecutionRunning, nil); err != nil {
		// A cancel that landed after preparing already closed the
		// execution; the external task was marked in progress above and
		// has to be settled back.
		if cur, gerr := e.deps.Registry.Get(executionID); gerr == nil && cur.Status == core.ExecutionCancelled {
			if uerr := e.deps.TaskStore.UpdateTaskStatus(bg, task.ID, core.TaskCancelled); uerr != nil {
				e.logger.WarnWithContext(bg, "Failed to mark external task cancelled", map[string]interface{}{
					"task_id": task.ID,
					"error":   uerr.Error(),
				})
			}
		}
		return
	}
	e.updateWorkflowState(bg, workflowID, status.StateRunning, nil)
	e.metrics.WorkerStarted(bg)
	defer e.metrics.WorkerFinished(bg)
	started := time.Now()

	result, fromCache, runErr := e.obtainResult(runCtx, exec, pipe)

	if runCtx.Err() != nil {
		if run.timedOut.Load() {
			// The scheduler already transitioned to timeout and routed the
			// retry decision; nothing left but cleanup.
			telemetry.AddSpanEvent(runCtx, "execution_timed_out")
			return
		}
		outcome = e.settleCancellation(bg, run, exec)
		return
	}

	errMsg := ""
	switch {
	case runErr != nil:
		errMsg = runErr.Error()
	case result != nil:
		if success, present := result["success"].(bool); present && !success {
			if s, ok := result["error"].(string); ok && s != "" {
				errMsg = s
			} else {
				errMsg = "pipeline reported failure"
			}
		}
	default:
		errMsg = "pipeline returned no result"
	}

	if errMsg != "" {
		if result != nil && e.deps.Results != nil {
			// Failure payloads are archived best-effort; validation noise
			// must not mask the original error.
			if _, serr := e.deps.Results.StoreResult(bg, workflowID, result, exec.TaskID, e.schemaFor(exec.WorkflowType)); serr != nil {
				e.logger.DebugWithContext(bg, "Skipping archive of failure payload", map[string]interface{}{
					"execution_id": executionID,
					"error":        serr.Error(),
				})
			}
		}
		telemetry.RecordSpanError(runCtx, errors.New(errMsg))
		outcome = e.failAttempt(runCtx, run, exec, errMsg, true)
		return
	}

	// Success path. Schema validation failures are permanent.
	if e.deps.Results != nil {
		if _, serr := e.deps.Results.StoreResult(bg, workflowID, result, exec.TaskID, e.schemaFor(exec.WorkflowType)); serr != nil {
			e.logger.ErrorWithContext(bg, "Result rejected by schema", map[string]interface{}{
				"execution_id": executionID,
				"workflow_id":  workflowID,
				"error":        serr.Error(),
			})
			telemetry.RecordSpanError(runCtx, serr)
			outcome = e.failAttempt(runCtx, run, exec, fmt.Sprintf("invalid result: %v", serr), false)
			return
		}
	}

	if !fromCache && e.cacheEnabled() && !exec.SkipCache {
		if key, kerr := cache.Key(exec.TaskID, exec.WorkflowType, exec.WorkflowParams); kerr == nil {
			if cerr := e.deps.Cache.Set(bg, key, result); cerr != nil {
				e.logger.WarnWithContext(bg, "Failed to cache workflow result", map[string]interface{}{
					"execution_id": executionID,
					"error":        cerr.Error(),
				})
			}
		}
	}

	// The transition settles who owns the outcome: if the timeout sweep
	// got there first this attempt must not overwrite its record.
	if _, err := e.deps.Registry.Transition(executionID, core.ExecutionCompleted, nil); err != nil {
		return
	}
	if err := e.deps.Registry.SetOutcome(executionID, result, ""); err != nil {
		e.logger.ErrorWithContext(bg, "Failed to record result", map[string]interface{}{
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}
	e.metrics.RecordCompleted(bg, time.Since(started).Seconds())
	e.updateWorkflowState(bg, workflowID, status.StateCompleted, nil)

	if err := e.deps.TaskStore.UpdateTask(bg, task.ID, map[string]interface{}{
		"progress": 100,
		"result":   result,
	}); err != nil {
		e.logger.WarnWithContext(bg, "Failed to record result on external task", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
	if err := e.deps.TaskStore.UpdateTaskStatus(bg, task.ID, core.TaskCompleted); err != nil {
		e.logger.WarnWithContext(bg, "Failed to mark external task completed", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}

	e.logger.InfoWithContext(bg, "Execution completed", map[string]interface{}{
		"execution_id": executionID,
		"task_id":      task.ID,
		"workflow_id":  workflowID,
		"from_cache":   fromCache,
		"duration":     time.Since(started).String(),
	})
	outcome = outcomeCompleted
}

func (e *Engine) cacheEnabled() bool {
	return e.deps.Cache != nil && !e.config.DisableCache
}

// obtainResult consults the workflow cache, then the runner.
func (e *Engine) obtainResult(runCtx context.Context, exec *core.TaskExecution, pipe *core.Pipeline) (map[string]interface{}, bool, error) {
	if e.cacheEnabled() && !exec.SkipCache {
		if key, err := cache.Key(exec.TaskID, exec.WorkflowType, exec.WorkflowParams); err == nil {
			if value, hit, cerr := e.deps.Cache.Get(runCtx, key); cerr == nil && hit {
				telemetry.AddSpanEvent(runCtx, "workflow_cache_hit")
				e.metrics.RecordCacheHit(runCtx)
				e.logger.DebugWithContext(runCtx, "Workflow cache hit", map[string]interface{}{
					"execution_id": exec.ID,
					"task_id":      exec.TaskID,
				})
				return value, true, nil
			}
		}
	}

	result, err := e.deps.Runner.Execute(runCtx, pipe)
	return result, false, err
}

// buildPipeline renders the pipeline for this attempt. workflow_params may
// name a registered template via template_id (with optional parameter
// overrides under "parameters"); otherwise the params are treated as an
// inline pipeline definition.
func (e *Engine) buildPipeline(ctx context.Context, exec *core.TaskExecution, task *core.Task) (*core.Pipeline, error) {
	var (
		pipe *core.Pipeline
		err  error
	)
	if templateID, present := exec.WorkflowParams["template_id"].(string); present && templateID != "" {
		overrides, _ := exec.WorkflowParams["parameters"].(map[string]interface{})
		pipe, err = e.deps.Converter.Convert(ctx, task, templateID, overrides)
	} else {
		pipe, err = e.deps.Converter.CreateCustomPipeline(task, exec.WorkflowParams)
	}
	if err != nil {
		return nil, err
	}
	if err := pipeline.ValidatePipeline(pipe); err != nil {
		return nil, err
	}
	return pipe, nil
}

// failAttempt records the failure, transitions to failed and routes the
// retry decision. allowRetry=false marks never-retried failures.
func (e *Engine) failAttempt(ctx context.Context, run *runningExecution, exec *core.TaskExecution, errMsg string, allowRetry bool) attemptOutcome {
	if _, err := e.deps.Registry.Transition(exec.ID, core.ExecutionFailed, map[string]interface{}{
		"error": errMsg,
	}); err != nil {
		return outcomeNone
	}
	if err := e.deps.Registry.SetOutcome(exec.ID, nil, errMsg); err != nil {
		e.logger.ErrorWithContext(ctx, "Failed to record failure outcome", map[string]interface{}{
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
	}
	e.metrics.RecordFailed(ctx, "execution_failed")
	e.updateWorkflowState(ctx, exec.WorkflowID, status.StateFailed, map[string]interface{}{
		"error": errMsg,
	})

	e.logger.WarnWithContext(ctx, "Execution attempt failed", map[string]interface{}{
		"execution_id": exec.ID,
		"task_id":      exec.TaskID,
		"error":        errMsg,
		"retry_count":  exec.RetryCount,
	})

	// The retry slot must be free before the retry controller re-queues,
	// or an immediate retry would be refused as still in flight.
	e.releaseWorker(run)
	if e.retry.handleFailure(ctx, exec.ID, allowRetry) {
		telemetry.AddSpanEvent(ctx, "retry_scheduled",
			attribute.String("retry.strategy", string(exec.RetryStrategy)),
			attribute.Int("retry.count", exec.RetryCount+1),
		)
		e.metrics.RecordRetried(ctx, string(exec.RetryStrategy))
		return outcomeNone
	}
	return outcomeFailed
}

// settleCancellation finishes an attempt whose context was cancelled by an
// explicit cancel request or engine shutdown.
func (e *Engine) settleCancellation(ctx context.Context, run *runningExecution, exec *core.TaskExecution) attemptOutcome {
	if _, err := e.deps.Registry.Transition(exec.ID, core.ExecutionCancelled, map[string]interface{}{
		"reason": "cancelled",
	}); err != nil {
		return outcomeNone
	}
	if err := e.deps.Registry.SetOutcome(exec.ID, nil, "execution cancelled"); err != nil {
		e.logger.ErrorWithContext(ctx, "Failed to record cancellation outcome", map[string]interface{}{
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
	}
	e.metrics.RecordCancelled(ctx)
	e.updateWorkflowState(ctx, exec.WorkflowID, status.StateCancelled, nil)

	if err := e.deps.TaskStore.UpdateTaskStatus(ctx, exec.TaskID, core.TaskCancelled); err != nil {
		e.logger.WarnWithContext(ctx, "Failed to mark external task cancelled", map[string]interface{}{
			"task_id": exec.TaskID,
			"error":   err.Error(),
		})
	}

	e.logger.InfoWithContext(ctx, "Execution cancelled", map[string]interface{}{
		"execution_id": exec.ID,
		"task_id":      exec.TaskID,
	})
	return outcomeCancelled
}

func (e *Engine) schemaFor(workflowType string) string {
	switch workflowType {
	case results.SchemaContainerizedWorkflow, results.SchemaDaggerPipeline:
		return workflowType
	default:
		return results.SchemaGeneric
	}
}
