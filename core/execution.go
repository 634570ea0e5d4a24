// Package core defines the shared types and ports of the task execution
// engine: the TaskExecution model, the external Task snapshot, the pipeline
// document, the logging interface, and the closed set of engine errors.
//
// All other packages depend on core interfaces, not on each other's
// implementations. The engine process owns exactly one ExecutionRegistry
// (see the registry package) which is the sole mutator of TaskExecution
// state; everything handed out of the registry is a deep copy.
package core

import (
	"fmt"
	"time"
)

// ExecutionStatus is the lifecycle state of a TaskExecution.
// Serialized as a string for on-disk compatibility.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionScheduled ExecutionStatus = "scheduled"
	ExecutionPreparing ExecutionStatus = "preparing"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused" // reserved, no engine path sets it
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionRetrying  ExecutionStatus = "retrying"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// IsTerminal returns true for states no transition leaves except an
// eligible retry (failed) or explicit purge.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// Priority orders executions in the ready queue. Higher weight wins.
// Serialized as a string for on-disk compatibility.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight returns the numeric rank used for heap ordering.
func (p Priority) Weight() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 0
	}
}

// ParsePriority validates a priority string.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return Priority(s), nil
	}
	return "", &EngineError{Op: "core.ParsePriority", Code: CodeInvalidParams,
		Err: fmt.Errorf("unknown priority %q: %w", s, ErrInvalidParams)}
}

// RetryStrategy selects the backoff formula applied between attempts.
type RetryStrategy string

const (
	RetryNone               RetryStrategy = "none"
	RetryImmediate          RetryStrategy = "immediate"
	RetryFixedDelay         RetryStrategy = "fixed_delay"
	RetryExponentialBackoff RetryStrategy = "exponential_backoff"
	RetryFibonacciBackoff   RetryStrategy = "fibonacci_backoff"
)

// ParseRetryStrategy validates a retry strategy string.
func ParseRetryStrategy(s string) (RetryStrategy, error) {
	switch RetryStrategy(s) {
	case RetryNone, RetryImmediate, RetryFixedDelay, RetryExponentialBackoff, RetryFibonacciBackoff:
		return RetryStrategy(s), nil
	}
	return "", &EngineError{Op: "core.ParseRetryStrategy", Code: CodeInvalidParams,
		Err: fmt.Errorf("unknown retry strategy %q: %w", s, ErrInvalidParams)}
}

// Defaults applied when a schedule request leaves the field unset.
const (
	DefaultTimeoutSeconds    = 3600
	DefaultMaxRetries        = 3
	DefaultRetryDelaySeconds = 5
)

// StatusChange is one append-only entry of an execution's status history.
type StatusChange struct {
	Status         ExecutionStatus        `json:"status"`
	PreviousStatus ExecutionStatus        `json:"previous_status,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// TaskExecution is one attempt (including its retries) to run a task
// through a pipeline. The registry owns the canonical record; copies
// returned from the registry are snapshots.
type TaskExecution struct {
	ID          string `json:"execution_id"`
	TaskID      string `json:"task_id"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	ContainerID string `json:"container_id,omitempty"`

	Priority    Priority   `json:"priority"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	WorkflowType   string                 `json:"workflow_type"`
	WorkflowParams map[string]interface{} `json:"workflow_params,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	SkipCache      bool                   `json:"skip_cache,omitempty"`

	RetryStrategy     RetryStrategy `json:"retry_strategy"`
	MaxRetries        int           `json:"max_retries"`
	RetryDelaySeconds int           `json:"retry_delay_seconds"`
	RetryCount        int           `json:"retry_count"`

	// Dependencies lists execution IDs that must reach completed
	// before this execution can run.
	Dependencies []string `json:"dependencies,omitempty"`

	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`

	Status        ExecutionStatus        `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	StatusHistory []StatusChange         `json:"status_history"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// CanExecute reports whether the execution is eligible to be handed to a
// worker: it must be waiting, not in flight and not terminal.
func (e *TaskExecution) CanExecute() bool {
	switch e.Status {
	case ExecutionPending, ExecutionScheduled, ExecutionRetrying:
		return true
	}
	return false
}

// Timeout returns the execution timeout as a duration.
func (e *TaskExecution) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// ReadyTime is the earliest instant the execution may be dispatched:
// next_retry_at when retrying, scheduled_at when scheduled, otherwise zero
// (ready immediately).
func (e *TaskExecution) ReadyTime() time.Time {
	if e.Status == ExecutionRetrying && e.NextRetryAt != nil {
		return *e.NextRetryAt
	}
	if e.Status == ExecutionScheduled && e.ScheduledAt != nil {
		return *e.ScheduledAt
	}
	return time.Time{}
}

// Clone returns a deep copy. Registry reads hand out clones so callers can
// never mutate canonical state.
func (e *TaskExecution) Clone() *TaskExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.ScheduledAt = copyTime(e.ScheduledAt)
	c.NextRetryAt = copyTime(e.NextRetryAt)
	c.StartedAt = copyTime(e.StartedAt)
	c.CompletedAt = copyTime(e.CompletedAt)
	c.WorkflowParams = copyMap(e.WorkflowParams)
	c.Result = copyMap(e.Result)
	c.Metadata = copyMap(e.Metadata)
	if e.Dependencies != nil {
		c.Dependencies = make([]string, len(e.Dependencies))
		copy(c.Dependencies, e.Dependencies)
	}
	if e.StatusHistory != nil {
		c.StatusHistory = make([]StatusChange, len(e.StatusHistory))
		for i, h := range e.StatusHistory {
			h.Details = copyMap(h.Details)
			c.StatusHistory[i] = h
		}
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
