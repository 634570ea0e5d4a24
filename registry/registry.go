// Package registry implements the execution registry: the authoritative,
// durable store of every TaskExecution and the dependency index between
// them. The registry is the exclusive mutator of execution state; all
// reads hand out deep copies.
//
// Each execution persists as one JSON file under <data_dir>/executions/,
// written with an atomic replace on every transition. A failed write marks
// the registry dirty and the next successful transition flushes every
// record.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/taskforge/core"
)

// validTransitions is the closed transition table of the execution
// lifecycle. failed -> retrying is the only edge out of a terminal state
// and is taken solely by the retry controller.
var validTransitions = map[core.ExecutionStatus][]core.ExecutionStatus{
	core.ExecutionPending:   {core.ExecutionPreparing, core.ExecutionCancelled, core.ExecutionFailed},
	core.ExecutionScheduled: {core.ExecutionPreparing, core.ExecutionCancelled, core.ExecutionFailed},
	core.ExecutionRetrying:  {core.ExecutionPreparing, core.ExecutionCancelled, core.ExecutionFailed},
	core.ExecutionPreparing: {core.ExecutionRunning, core.ExecutionFailed, core.ExecutionCancelled, core.ExecutionTimeout},
	core.ExecutionRunning:   {core.ExecutionCompleted, core.ExecutionFailed, core.ExecutionCancelled, core.ExecutionTimeout, core.ExecutionPaused},
	core.ExecutionPaused:    {core.ExecutionRunning, core.ExecutionCancelled, core.ExecutionFailed},
	core.ExecutionTimeout:   {core.ExecutionRetrying, core.ExecutionFailed},
	core.ExecutionFailed:    {core.ExecutionRetrying},
	core.ExecutionCompleted: {},
	core.ExecutionCancelled: {},
}

func transitionAllowed(from, to core.ExecutionStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config configures the registry.
type Config struct {
	// DataDir is the root directory for persisted executions.
	DataDir string

	// Logger is an optional logger for registry operations.
	Logger core.Logger
}

// CreateSpec describes a new execution. Zero-valued retry and timeout
// fields receive the engine defaults.
type CreateSpec struct {
	TaskID            string
	WorkflowType      string
	Priority          core.Priority
	WorkflowParams    map[string]interface{}
	TimeoutSeconds    int
	SkipCache         bool
	RetryStrategy     core.RetryStrategy
	MaxRetries        int
	RetryDelaySeconds int
	Dependencies      []string
	ScheduledAt       *time.Time
	Metadata          map[string]interface{}
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status core.ExecutionStatus
	TaskID string
}

// Recovered describes an execution that survived a restart and must be
// re-enqueued by the scheduler.
type Recovered struct {
	ExecutionID string
	ReadyTime   time.Time
}

// Registry is the durable map of execution_id to TaskExecution.
type Registry struct {
	mu         sync.RWMutex
	executions map[string]*core.TaskExecution
	dependents map[string]map[string]struct{} // dep_exec_id -> dependent ids
	recovered  []Recovered

	dataDir string
	dirty   bool
	logger  core.Logger
}

// New creates a registry rooted at config.DataDir, loading every persisted
// execution. Executions found in running or preparing state are reset to
// pending: the previous process died mid-run.
func New(config Config) (*Registry, error) {
	if config.DataDir == "" {
		return nil, &core.EngineError{Op: "registry.New", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("data dir is required: %w", core.ErrInvalidParams)}
	}

	r := &Registry{
		executions: make(map[string]*core.TaskExecution),
		dependents: make(map[string]map[string]struct{}),
		dataDir:    config.DataDir,
		logger:     core.EnsureLogger(config.Logger),
	}

	if err := os.MkdirAll(r.executionsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating executions dir: %w", err)
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) executionsDir() string {
	return filepath.Join(r.dataDir, "executions")
}

func (r *Registry) executionPath(id string) string {
	return filepath.Join(r.executionsDir(), id+".json")
}

// load reads every persisted execution and classifies non-terminal ones
// for re-enqueueing.
func (r *Registry) load() error {
	entries, err := os.ReadDir(r.executionsDir())
	if err != nil {
		return fmt.Errorf("reading executions dir: %w", err)
	}

	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.executionsDir(), entry.Name()))
		if err != nil {
			r.logger.Warn("Skipping unreadable execution file", map[string]interface{}{
				"file":  entry.Name(),
				"error": err.Error(),
			})
			continue
		}
		var exec core.TaskExecution
		if err := json.Unmarshal(data, &exec); err != nil {
			r.logger.Warn("Skipping undecodable execution file", map[string]interface{}{
				"file":  entry.Name(),
				"error": err.Error(),
			})
			continue
		}

		switch exec.Status {
		case core.ExecutionRunning, core.ExecutionPreparing:
			// The previous process died mid-run. Reset without touching
			// retry_count so the attempt budget carries over.
			exec.StatusHistory = append(exec.StatusHistory, core.StatusChange{
				Status:         core.ExecutionPending,
				PreviousStatus: exec.Status,
				Timestamp:      now,
				Details:        map[string]interface{}{"reason": "recovered_after_restart"},
			})
			exec.Status = core.ExecutionPending
			exec.UpdatedAt = now
			r.recovered = append(r.recovered, Recovered{ExecutionID: exec.ID, ReadyTime: now})
			r.dirty = true
		case core.ExecutionRetrying:
			ready := now
			if exec.NextRetryAt != nil {
				ready = *exec.NextRetryAt
			}
			r.recovered = append(r.recovered, Recovered{ExecutionID: exec.ID, ReadyTime: ready})
		case core.ExecutionPending, core.ExecutionScheduled, core.ExecutionPaused:
			r.recovered = append(r.recovered, Recovered{ExecutionID: exec.ID, ReadyTime: now})
		}

		r.executions[exec.ID] = &exec
		for _, dep := range exec.Dependencies {
			r.addEdgeLocked(exec.ID, dep)
		}
	}

	sort.Slice(r.recovered, func(i, j int) bool {
		return r.recovered[i].ReadyTime.Before(r.recovered[j].ReadyTime)
	})

	if len(r.executions) > 0 {
		r.logger.Info("Registry loaded", map[string]interface{}{
			"executions": len(r.executions),
			"recovered":  len(r.recovered),
		})
	}
	return nil
}

// RecoveredExecutions returns the executions that must be re-enqueued after
// a restart, ordered by ready time. The slice is consumed on first call.
func (r *Registry) RecoveredExecutions() []Recovered {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.recovered
	r.recovered = nil
	return out
}

// Create allocates an execution ID, materializes the initial state and
// persists it. Every dependency must reference an existing execution.
func (r *Registry) Create(spec CreateSpec) (*core.TaskExecution, error) {
	if spec.TaskID == "" {
		return nil, &core.EngineError{Op: "registry.Create", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("task_id is required: %w", core.ErrInvalidParams)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dep := range spec.Dependencies {
		if _, exists := r.executions[dep]; !exists {
			return nil, &core.EngineError{Op: "registry.Create", Code: core.CodeInvalidParams, ID: dep,
				Err: fmt.Errorf("dependency %s: %w", dep, core.ErrExecutionNotFound)}
		}
	}

	now := time.Now()
	status := core.ExecutionPending
	if spec.ScheduledAt != nil && spec.ScheduledAt.After(now) {
		status = core.ExecutionScheduled
	}

	priority := spec.Priority
	if priority == "" {
		priority = core.PriorityMedium
	}
	strategy := spec.RetryStrategy
	if strategy == "" {
		strategy = core.RetryNone
	}
	timeout := spec.TimeoutSeconds
	if timeout <= 0 {
		timeout = core.DefaultTimeoutSeconds
	}
	retryDelay := spec.RetryDelaySeconds
	if retryDelay <= 0 {
		retryDelay = core.DefaultRetryDelaySeconds
	}

	exec := &core.TaskExecution{
		ID:                uuid.New().String(),
		TaskID:            spec.TaskID,
		Priority:          priority,
		ScheduledAt:       spec.ScheduledAt,
		WorkflowType:      spec.WorkflowType,
		WorkflowParams:    spec.WorkflowParams,
		TimeoutSeconds:    timeout,
		SkipCache:         spec.SkipCache,
		RetryStrategy:     strategy,
		MaxRetries:        spec.MaxRetries,
		RetryDelaySeconds: retryDelay,
		Dependencies:      append([]string(nil), spec.Dependencies...),
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
		Metadata:          spec.Metadata,
		StatusHistory: []core.StatusChange{{
			Status:    status,
			Timestamp: now,
		}},
	}

	r.executions[exec.ID] = exec
	for _, dep := range exec.Dependencies {
		r.addEdgeLocked(exec.ID, dep)
	}
	r.persistLocked(exec)

	r.logger.Debug("Execution created", map[string]interface{}{
		"execution_id": exec.ID,
		"task_id":      exec.TaskID,
		"status":       exec.Status,
		"priority":     exec.Priority,
		"dependencies": len(exec.Dependencies),
	})

	return exec.Clone(), nil
}

// Get returns a snapshot of the execution or ErrExecutionNotFound.
func (r *Registry) Get(id string) (*core.TaskExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, exists := r.executions[id]
	if !exists {
		return nil, &core.EngineError{Op: "registry.Get", Code: core.CodeExecutionNotFound, ID: id,
			Err: core.ErrExecutionNotFound}
	}
	return exec.Clone(), nil
}

// Transition moves the execution to a new status, appending to its history
// and maintaining the started/completed timestamps. Invalid edges return
// ErrInvalidTransition; the state is untouched.
func (r *Registry) Transition(id string, status core.ExecutionStatus, details map[string]interface{}) (*core.TaskExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, exists := r.executions[id]
	if !exists {
		return nil, &core.EngineError{Op: "registry.Transition", Code: core.CodeExecutionNotFound, ID: id,
			Err: core.ErrExecutionNotFound}
	}
	if !transitionAllowed(exec.Status, status) {
		return nil, &core.EngineError{Op: "registry.Transition", Code: core.CodeInvalidParams, ID: id,
			Err: fmt.Errorf("%s -> %s: %w", exec.Status, status, core.ErrInvalidTransition)}
	}

	now := time.Now()
	exec.StatusHistory = append(exec.StatusHistory, core.StatusChange{
		Status:         status,
		PreviousStatus: exec.Status,
		Timestamp:      now,
		Details:        details,
	})
	exec.Status = status
	exec.UpdatedAt = now

	switch {
	case status == core.ExecutionRunning:
		if exec.StartedAt == nil {
			exec.StartedAt = &now
		} else {
			// A retry attempt: started_at tracks the latest attempt.
			started := now
			exec.StartedAt = &started
		}
	case status.IsTerminal():
		completed := now
		exec.CompletedAt = &completed
	case status == core.ExecutionRetrying:
		// Leaving failed via retry: the execution is live again.
		exec.CompletedAt = nil
	}

	r.persistLocked(exec)

	r.logger.Debug("Execution transitioned", map[string]interface{}{
		"execution_id": id,
		"status":       status,
		"previous":     exec.StatusHistory[len(exec.StatusHistory)-1].PreviousStatus,
	})

	return exec.Clone(), nil
}

// SetOutcome records the result or error of the latest attempt.
func (r *Registry) SetOutcome(id string, result map[string]interface{}, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, exists := r.executions[id]
	if !exists {
		return &core.EngineError{Op: "registry.SetOutcome", Code: core.CodeExecutionNotFound, ID: id,
			Err: core.ErrExecutionNotFound}
	}
	exec.Result = result
	exec.Error = errMsg
	exec.UpdatedAt = time.Now()
	r.persistLocked(exec)
	return nil
}

// SetRetrySchedule bumps the retry count and records the next attempt time.
// Called by the retry controller before transitioning to retrying.
func (r *Registry) SetRetrySchedule(id string, retryCount int, nextRetryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, exists := r.executions[id]
	if !exists {
		return &core.EngineError{Op: "registry.SetRetrySchedule", Code: core.CodeExecutionNotFound, ID: id,
			Err: core.ErrExecutionNotFound}
	}
	if retryCount > exec.MaxRetries {
		return &core.EngineError{Op: "registry.SetRetrySchedule", Code: core.CodeInvalidParams, ID: id,
			Err: fmt.Errorf("retry count %d exceeds max %d: %w", retryCount, exec.MaxRetries, core.ErrInvalidParams)}
	}
	exec.RetryCount = retryCount
	exec.NextRetryAt = &nextRetryAt
	exec.UpdatedAt = time.Now()
	r.persistLocked(exec)
	return nil
}

// AssignWorkflow binds a freshly rendered workflow to the execution.
func (r *Registry) AssignWorkflow(id, workflowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, exists := r.executions[id]
	if !exists {
		return &core.EngineError{Op: "registry.AssignWorkflow", Code: core.CodeExecutionNotFound, ID: id,
			Err: core.ErrExecutionNotFound}
	}
	exec.WorkflowID = workflowID
	exec.UpdatedAt = time.Now()
	r.persistLocked(exec)
	return nil
}

// List returns executions matching the filter, newest first by created_at.
func (r *Registry) List(filter ListFilter, limit, offset int) ([]*core.TaskExecution, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*core.TaskExecution, 0, len(r.executions))
	for _, exec := range r.executions {
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		if filter.TaskID != "" && exec.TaskID != filter.TaskID {
			continue
		}
		matched = append(matched, exec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*core.TaskExecution, len(matched))
	for i, exec := range matched {
		out[i] = exec.Clone()
	}
	return out, total
}

// AddDependencyEdge records that dependentID depends on dependencyID.
func (r *Registry) AddDependencyEdge(dependentID, dependencyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executions[dependencyID]; !exists {
		return &core.EngineError{Op: "registry.AddDependencyEdge", Code: core.CodeExecutionNotFound, ID: dependencyID,
			Err: core.ErrExecutionNotFound}
	}
	r.addEdgeLocked(dependentID, dependencyID)
	return nil
}

func (r *Registry) addEdgeLocked(dependentID, dependencyID string) {
	set, exists := r.dependents[dependencyID]
	if !exists {
		set = make(map[string]struct{})
		r.dependents[dependencyID] = set
	}
	set[dependentID] = struct{}{}
}

// DependentsOf returns the IDs of executions that depend on the given one,
// sorted for deterministic iteration.
func (r *Registry) DependentsOf(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.dependents[id]
	out := make([]string, 0, len(set))
	for dep := range set {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// Stats returns the count of executions per status.
func (r *Registry) Stats() map[core.ExecutionStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[core.ExecutionStatus]int)
	for _, exec := range r.executions {
		counts[exec.Status]++
	}
	return counts
}

// Count returns the total number of registered executions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executions)
}

// PurgeTerminal removes terminal executions whose completion is older than
// the given age, including their persisted files and dependency edges.
// Returns the number purged.
func (r *Registry) PurgeTerminal(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	purged := 0
	for id, exec := range r.executions {
		if !exec.Status.IsTerminal() {
			continue
		}
		if exec.CompletedAt == nil || exec.CompletedAt.After(cutoff) {
			continue
		}
		delete(r.executions, id)
		delete(r.dependents, id)
		for _, set := range r.dependents {
			delete(set, id)
		}
		if err := os.Remove(r.executionPath(id)); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("Failed to remove purged execution file", map[string]interface{}{
				"execution_id": id,
				"error":        err.Error(),
			})
		}
		purged++
	}
	return purged
}

// persistLocked writes the execution with an atomic replace. A write
// failure never aborts the in-memory transition: the registry goes dirty
// and retries a full flush on the next persist.
func (r *Registry) persistLocked(exec *core.TaskExecution) {
	if r.dirty {
		r.flushAllLocked()
		if r.dirty {
			// Still failing; at least try the current record below.
			r.logger.Warn("Registry flush still failing", map[string]interface{}{
				"executions": len(r.executions),
			})
		}
	}

	if err := r.writeExecutionLocked(exec); err != nil {
		r.dirty = true
		r.logger.Error("Failed to persist execution", map[string]interface{}{
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
	}
}

func (r *Registry) flushAllLocked() {
	for _, exec := range r.executions {
		if err := r.writeExecutionLocked(exec); err != nil {
			return // stay dirty
		}
	}
	r.dirty = false
	r.logger.Info("Registry flushed after persistence failure", map[string]interface{}{
		"executions": len(r.executions),
	})
}

func (r *Registry) writeExecutionLocked(exec *core.TaskExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("serializing execution: %w", err)
	}
	path := r.executionPath(exec.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing execution file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing execution file: %w", err)
	}
	return nil
}
