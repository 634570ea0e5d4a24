// Package engine is the composition root of the task execution engine: a
// dependency-aware priority scheduler, a bounded worker pool, and a retry
// controller over the execution registry.
//
// One Engine per process. Construct it with NewEngine, register hooks,
// then Start it; ScheduleTask and friends may be called before Start, the
// queue simply waits.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskforge/taskforge/cache"
	"github.com/taskforge/taskforge/core"
	"github.com/taskforge/taskforge/pipeline"
	"github.com/taskforge/taskforge/registry"
	"github.com/taskforge/taskforge/results"
	"github.com/taskforge/taskforge/status"
	"github.com/taskforge/taskforge/telemetry"
)

// Config tunes the engine. Zero values receive defaults.
type Config struct {
	// MaxConcurrentExecutions bounds the worker pool. Default: 5.
	MaxConcurrentExecutions int

	// SchedulerInterval is the tick period of the scheduler loop; it also
	// bounds how long a dependency-blocked execution waits before its next
	// eligibility check. Default: 5s.
	SchedulerInterval time.Duration

	// ShutdownTimeout bounds Stop's wait for in-flight workers.
	// Default: 30s.
	ShutdownTimeout time.Duration

	// DisableCache turns off workflow result caching even when a cache is
	// wired in.
	DisableCache bool

	// Logger is an optional logger.
	Logger core.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentExecutions: 5,
		SchedulerInterval:       5 * time.Second,
		ShutdownTimeout:         30 * time.Second,
	}
}

// Dependencies are the collaborators the engine is composed from.
// Registry, TaskStore, Runner and Converter are required; the rest are
// optional.
type Dependencies struct {
	Registry  *registry.Registry
	TaskStore core.TaskStore
	Runner    core.PipelineRunner
	Converter *pipeline.Converter
	Results   *results.Store
	Status    *status.Manager
	Cache     cache.WorkflowCache
}

// Hook observes an execution snapshot. Pre-execution hooks fire before the
// transition into running; post-execution hooks fire after an attempt
// settles. A panicking hook is logged and never aborts the flow.
type Hook func(execution *core.TaskExecution)

// runningExecution is the scheduler's handle on an in-flight worker.
type runningExecution struct {
	executionID string
	cancel      context.CancelFunc
	dispatched  time.Time

	cancelRequested atomic.Bool
	timedOut        atomic.Bool
}

// Engine schedules and runs task executions.
type Engine struct {
	config Config
	deps   Dependencies
	logger core.Logger

	mu      sync.Mutex
	queue   *readyQueue
	running map[string]*runningExecution

	hooksMu   sync.RWMutex
	preHooks  []Hook
	postHooks []Hook

	retry   *retryController
	metrics *telemetry.EngineMetrics

	started atomic.Bool
	stopCh  chan struct{}
	wake    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates an engine from its collaborators.
func NewEngine(deps Dependencies, config *Config) (*Engine, error) {
	if deps.Registry == nil || deps.TaskStore == nil || deps.Runner == nil || deps.Converter == nil {
		return nil, &core.EngineError{Op: "engine.NewEngine", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("registry, task store, runner and converter are required: %w", core.ErrInvalidParams)}
	}

	if config == nil {
		defaultConfig := DefaultConfig()
		config = &defaultConfig
	}
	if config.MaxConcurrentExecutions <= 0 {
		config.MaxConcurrentExecutions = 5
	}
	if config.SchedulerInterval <= 0 {
		config.SchedulerInterval = 5 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	e := &Engine{
		config:  *config,
		deps:    deps,
		logger:  core.EnsureLogger(config.Logger),
		queue:   newReadyQueue(),
		running: make(map[string]*runningExecution),
		wake:    make(chan struct{}, 1),
		metrics: telemetry.NewEngineMetrics(),
	}
	e.retry = newRetryController(deps.Registry, deps.TaskStore, e.logger, e.enqueueAt)
	return e, nil
}

// AddPreExecutionHook registers a hook fired before an execution enters
// running.
func (e *Engine) AddPreExecutionHook(fn Hook) {
	if fn == nil {
		return
	}
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.preHooks = append(e.preHooks, fn)
}

// AddPostExecutionHook registers a hook fired after an attempt settles.
func (e *Engine) AddPostExecutionHook(fn Hook) {
	if fn == nil {
		return
	}
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.postHooks = append(e.postHooks, fn)
}

func (e *Engine) runHooks(executionID string, post bool) {
	exec, err := e.deps.Registry.Get(executionID)
	if err != nil {
		return
	}
	e.hooksMu.RLock()
	hooks := e.preHooks
	if post {
		hooks = e.postHooks
	}
	snapshot := make([]Hook, len(hooks))
	copy(snapshot, hooks)
	e.hooksMu.RUnlock()

	for _, fn := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Execution hook panicked", map[string]interface{}{
						"execution_id": executionID,
						"panic":        r,
					})
				}
			}()
			fn(exec.Clone())
		}()
	}
}

// Start launches the scheduler loop and re-enqueues executions recovered
// from a previous process.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return &core.EngineError{Op: "engine.Start", Code: core.CodeInternal, Err: core.ErrAlreadyStarted}
	}
	e.stopCh = make(chan struct{})

	recovered := e.deps.Registry.RecoveredExecutions()
	for _, r := range recovered {
		e.enqueueAt(r.ExecutionID, r.ReadyTime)
	}
	if len(recovered) > 0 {
		e.logger.InfoWithContext(ctx, "Recovered executions re-enqueued", map[string]interface{}{
			"count": len(recovered),
		})
	}

	e.wg.Add(1)
	go e.schedulerLoop()

	e.logger.InfoWithContext(ctx, "Engine started", map[string]interface{}{
		"max_concurrent":     e.config.MaxConcurrentExecutions,
		"scheduler_interval": e.config.SchedulerInterval.String(),
	})
	return nil
}

// Stop shuts the scheduler down and waits up to ShutdownTimeout for
// in-flight workers. Workers still running after the timeout have their
// contexts cancelled.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started.CompareAndSwap(true, false) {
		return &core.EngineError{Op: "engine.Stop", Code: core.CodeInternal, Err: core.ErrNotRunning}
	}
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.config.ShutdownTimeout):
		e.logger.Warn("Shutdown timeout reached, cancelling in-flight executions", nil)
		e.mu.Lock()
		for _, run := range e.running {
			run.cancelRequested.Store(true)
			run.cancel()
		}
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	e.logger.Info("Engine stopped", nil)
	return nil
}

// kick wakes the scheduler loop without waiting for the next tick.
func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// enqueueAt queues the execution for dispatch at readyTime. Terminal and
// unknown executions are ignored; an already queued execution stays queued
// once.
func (e *Engine) enqueueAt(executionID string, readyTime time.Time) {
	exec, err := e.deps.Registry.Get(executionID)
	if err != nil || !exec.CanExecute() {
		return
	}

	e.mu.Lock()
	if _, inFlight := e.running[executionID]; inFlight {
		e.mu.Unlock()
		return
	}
	changed := e.queue.promote(executionID, readyTime)
	if !changed {
		changed = e.queue.push(executionID, exec.Priority.Weight(), readyTime)
	}
	e.mu.Unlock()

	if changed {
		e.kick()
	}
}

// ScheduleRequest carries the scheduling options for one task. Nil pointer
// fields receive engine defaults.
type ScheduleRequest struct {
	TaskID            string
	WorkflowType      string
	Priority          string
	WorkflowParams    map[string]interface{}
	RetryStrategy     string
	MaxRetries        *int
	RetryDelaySeconds *int
	TimeoutSeconds    *int
	Dependencies      []string
	ScheduledTime     *time.Time
	SkipCache         bool
	Metadata          map[string]interface{}
}

// ScheduleResult is the acknowledgement of a scheduled execution.
type ScheduleResult struct {
	ExecutionID   string               `json:"execution_id"`
	TaskID        string               `json:"task_id"`
	Status        core.ExecutionStatus `json:"status"`
	ScheduledTime *time.Time           `json:"scheduled_time,omitempty"`
	Priority      core.Priority        `json:"priority"`
}

// ScheduleTask validates the request, creates the execution and queues it.
func (e *Engine) ScheduleTask(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error) {
	spec, err := e.buildCreateSpec(req)
	if err != nil {
		return nil, err
	}

	exec, err := e.deps.Registry.Create(*spec)
	if err != nil {
		return nil, err
	}

	readyTime := time.Now()
	if exec.Status == core.ExecutionScheduled && exec.ScheduledAt != nil {
		readyTime = *exec.ScheduledAt
	}
	e.enqueueAt(exec.ID, readyTime)
	e.metrics.RecordScheduled(ctx, string(exec.Priority))

	e.logger.InfoWithContext(ctx, "Task scheduled", map[string]interface{}{
		"execution_id":  exec.ID,
		"task_id":       exec.TaskID,
		"workflow_type": exec.WorkflowType,
		"priority":      exec.Priority,
		"status":        exec.Status,
	})

	return &ScheduleResult{
		ExecutionID:   exec.ID,
		TaskID:        exec.TaskID,
		Status:        exec.Status,
		ScheduledTime: exec.ScheduledAt,
		Priority:      exec.Priority,
	}, nil
}

func (e *Engine) buildCreateSpec(req ScheduleRequest) (*registry.CreateSpec, error) {
	if req.TaskID == "" {
		return nil, &core.EngineError{Op: "engine.ScheduleTask", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("task_id is required: %w", core.ErrInvalidParams)}
	}

	priority := core.PriorityMedium
	if req.Priority != "" {
		parsed, err := core.ParsePriority(req.Priority)
		if err != nil {
			return nil, err
		}
		priority = parsed
	}

	strategy := core.RetryNone
	if req.RetryStrategy != "" {
		parsed, err := core.ParseRetryStrategy(req.RetryStrategy)
		if err != nil {
			return nil, err
		}
		strategy = parsed
	}

	maxRetries := core.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, &core.EngineError{Op: "engine.ScheduleTask", Code: core.CodeInvalidParams,
				Err: fmt.Errorf("max_retries must be non-negative: %w", core.ErrInvalidParams)}
		}
		maxRetries = *req.MaxRetries
	}
	if strategy == core.RetryNone {
		maxRetries = 0
	}

	retryDelay := core.DefaultRetryDelaySeconds
	if req.RetryDelaySeconds != nil {
		if *req.RetryDelaySeconds < 0 {
			return nil, &core.EngineError{Op: "engine.ScheduleTask", Code: core.CodeInvalidParams,
				Err: fmt.Errorf("retry_delay must be non-negative: %w", core.ErrInvalidParams)}
		}
		retryDelay = *req.RetryDelaySeconds
	}

	timeout := core.DefaultTimeoutSeconds
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds <= 0 {
			return nil, &core.EngineError{Op: "engine.ScheduleTask", Code: core.CodeInvalidParams,
				Err: fmt.Errorf("timeout must be positive: %w", core.ErrInvalidParams)}
		}
		timeout = *req.TimeoutSeconds
	}

	return &registry.CreateSpec{
		TaskID:            req.TaskID,
		WorkflowType:      req.WorkflowType,
		Priority:          priority,
		WorkflowParams:    req.WorkflowParams,
		TimeoutSeconds:    timeout,
		SkipCache:         req.SkipCache,
		RetryStrategy:     strategy,
		MaxRetries:        maxRetries,
		RetryDelaySeconds: retryDelay,
		Dependencies:      req.Dependencies,
		ScheduledAt:       req.ScheduledTime,
		Metadata:          req.Metadata,
	}, nil
}

// BatchFailure reports one task that could not be scheduled.
type BatchFailure struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// BatchResult partitions a batch schedule into successes and failures.
type BatchResult struct {
	Successful []*ScheduleResult `json:"successful"`
	Failed     []BatchFailure    `json:"failed"`
}

// ScheduleTaskBatch schedules many tasks with shared options. Failures do
// not abort the rest of the batch.
func (e *Engine) ScheduleTaskBatch(ctx context.Context, taskIDs []string, opts ScheduleRequest) (*BatchResult, error) {
	if len(taskIDs) == 0 {
		return nil, &core.EngineError{Op: "engine.ScheduleTaskBatch", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("task_ids is empty: %w", core.ErrInvalidParams)}
	}

	result := &BatchResult{}
	for _, taskID := range taskIDs {
		req := opts
		req.TaskID = taskID
		res, err := e.ScheduleTask(ctx, req)
		if err != nil {
			result.Failed = append(result.Failed, BatchFailure{TaskID: taskID, Error: err.Error()})
			continue
		}
		result.Successful = append(result.Successful, res)
	}
	return result, nil
}

// GraphResult reports the executions created for a task graph and the
// topological order they were scheduled in.
type GraphResult struct {
	Executions []*ScheduleResult `json:"executions"`
	TaskOrder  []string          `json:"task_order"`
}

// ScheduleTaskGraph schedules a set of tasks whose values list the task IDs
// they depend on. Tasks are created in topological order so every
// dependency edge references an existing execution. A cyclic graph fails
// with ErrCycleDetected and creates nothing.
func (e *Engine) ScheduleTaskGraph(ctx context.Context, taskGraph map[string][]string, opts ScheduleRequest, perTaskParams map[string]map[string]interface{}) (*GraphResult, error) {
	if len(taskGraph) == 0 {
		return nil, &core.EngineError{Op: "engine.ScheduleTaskGraph", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("task_graph is empty: %w", core.ErrInvalidParams)}
	}
	for taskID, deps := range taskGraph {
		for _, dep := range deps {
			if _, exists := taskGraph[dep]; !exists {
				return nil, &core.EngineError{Op: "engine.ScheduleTaskGraph", Code: core.CodeInvalidParams, ID: taskID,
					Err: fmt.Errorf("dependency %q is not in the graph: %w", dep, core.ErrInvalidParams)}
			}
		}
	}

	order, err := topologicalOrder(taskGraph)
	if err != nil {
		return nil, err
	}

	executionIDs := make(map[string]string, len(order))
	result := &GraphResult{TaskOrder: order}
	for _, taskID := range order {
		req := opts
		req.TaskID = taskID
		req.Dependencies = nil
		for _, dep := range taskGraph[taskID] {
			req.Dependencies = append(req.Dependencies, executionIDs[dep])
		}
		if params, present := perTaskParams[taskID]; present {
			req.WorkflowParams = params
		}

		res, scheduleErr := e.ScheduleTask(ctx, req)
		if scheduleErr != nil {
			// Roll nothing back; already created executions stand, but the
			// call reports the failure. Validation failures are caught
			// before this loop for well-formed graphs.
			return nil, scheduleErr
		}
		executionIDs[taskID] = res.ExecutionID
		result.Executions = append(result.Executions, res)
	}
	return result, nil
}
