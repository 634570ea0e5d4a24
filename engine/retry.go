package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/taskforge/taskforge/core"
	"github.com/taskforge/taskforge/registry"
)

// retryController decides retry or abandonment after a failed or timed out
// attempt and computes the next attempt time per strategy.
type retryController struct {
	registry  *registry.Registry
	taskStore core.TaskStore
	logger    core.Logger

	// enqueue re-queues an execution at the given ready time.
	enqueue func(executionID string, readyTime time.Time)

	jitterMu sync.Mutex
	jitter   *rand.Rand
}

func newRetryController(reg *registry.Registry, taskStore core.TaskStore, logger core.Logger, enqueue func(string, time.Time)) *retryController {
	return &retryController{
		registry:  reg,
		taskStore: taskStore,
		logger:    logger,
		enqueue:   enqueue,
		jitter:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// shouldRetry reports retry eligibility for the execution's current state.
func shouldRetry(exec *core.TaskExecution) bool {
	if exec.RetryStrategy == core.RetryNone {
		return false
	}
	if exec.RetryCount >= exec.MaxRetries {
		return false
	}
	return exec.Status == core.ExecutionFailed || exec.Status == core.ExecutionTimeout
}

// nextDelay computes the backoff before attempt number retryCount.
func (rc *retryController) nextDelay(strategy core.RetryStrategy, delaySeconds, retryCount int) time.Duration {
	base := time.Duration(delaySeconds) * time.Second
	switch strategy {
	case core.RetryImmediate:
		return 0
	case core.RetryFixedDelay:
		return base
	case core.RetryExponentialBackoff:
		d := base * (1 << (retryCount - 1))
		rc.jitterMu.Lock()
		jitter := time.Duration(rc.jitter.Float64() * float64(time.Second))
		rc.jitterMu.Unlock()
		return d + jitter
	case core.RetryFibonacciBackoff:
		return base * time.Duration(fibonacci(retryCount))
	default:
		return 0
	}
}

func fibonacci(n int) int {
	if n <= 2 {
		return 1
	}
	a, b := 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}

// handleFailure routes a failed or timed out attempt. The execution must
// already be in failed or timeout state. Returns true when a retry was
// scheduled; otherwise the execution settles in failed and the external
// task is updated.
//
// allowRetry=false marks failures that are never retried regardless of
// strategy: cancellation, dependency failure, task_not_found and result
// schema violations.
func (rc *retryController) handleFailure(ctx context.Context, executionID string, allowRetry bool) bool {
	exec, err := rc.registry.Get(executionID)
	if err != nil {
		rc.logger.ErrorWithContext(ctx, "Retry check on unknown execution", map[string]interface{}{
			"execution_id": executionID,
			"error":        err.Error(),
		})
		return false
	}

	if allowRetry && shouldRetry(exec) {
		retryCount := exec.RetryCount + 1
		delay := rc.nextDelay(exec.RetryStrategy, exec.RetryDelaySeconds, retryCount)
		nextRetryAt := time.Now().Add(delay)

		if err := rc.registry.SetRetrySchedule(executionID, retryCount, nextRetryAt); err != nil {
			rc.logger.ErrorWithContext(ctx, "Failed to record retry schedule", map[string]interface{}{
				"execution_id": executionID,
				"error":        err.Error(),
			})
			return false
		}
		if _, err := rc.registry.Transition(executionID, core.ExecutionRetrying, map[string]interface{}{
			"retry_count":   retryCount,
			"next_retry_at": nextRetryAt,
		}); err != nil {
			rc.logger.ErrorWithContext(ctx, "Failed to transition into retry", map[string]interface{}{
				"execution_id": executionID,
				"error":        err.Error(),
			})
			return false
		}

		rc.logger.InfoWithContext(ctx, "Execution retry scheduled", map[string]interface{}{
			"execution_id":  executionID,
			"retry_count":   retryCount,
			"max_retries":   exec.MaxRetries,
			"strategy":      exec.RetryStrategy,
			"next_retry_at": nextRetryAt,
		})

		rc.enqueue(executionID, nextRetryAt)
		return true
	}

	// Not eligible. A timeout settles into failed; a failed stays failed.
	if exec.Status == core.ExecutionTimeout {
		if _, err := rc.registry.Transition(executionID, core.ExecutionFailed, map[string]interface{}{
			"reason": "timeout",
		}); err != nil {
			rc.logger.ErrorWithContext(ctx, "Failed to settle timeout as failed", map[string]interface{}{
				"execution_id": executionID,
				"error":        err.Error(),
			})
		}
	}

	if err := rc.taskStore.UpdateTaskStatus(ctx, exec.TaskID, core.TaskFailed); err != nil {
		rc.logger.WarnWithContext(ctx, "Failed to mark external task failed", map[string]interface{}{
			"task_id": exec.TaskID,
			"error":   err.Error(),
		})
	}
	if exec.Error != "" {
		if err := rc.taskStore.UpdateTask(ctx, exec.TaskID, map[string]interface{}{"error": exec.Error}); err != nil {
			rc.logger.WarnWithContext(ctx, "Failed to record error on external task", map[string]interface{}{
				"task_id": exec.TaskID,
				"error":   err.Error(),
			})
		}
	}
	return false
}
