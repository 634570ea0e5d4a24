// Package status tracks per-workflow state with a full transition history.
// The manager persists all WorkflowStatus records in one JSON file and
// broadcasts every change through an optional Notifier.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/taskforge/taskforge/core"
)

// WorkflowState is the lifecycle state of a workflow.
type WorkflowState string

const (
	StateCreated   WorkflowState = "created"
	StatePreparing WorkflowState = "preparing"
	StateQueued    WorkflowState = "queued"
	StateRunning   WorkflowState = "running"
	StatePaused    WorkflowState = "paused"
	StateCompleted WorkflowState = "completed"
	StateFailed    WorkflowState = "failed"
	StateCancelled WorkflowState = "cancelled"
	StateUnknown   WorkflowState = "unknown"
)

// IsTerminal reports whether the state ends the workflow.
func (s WorkflowState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// StatusTransition is one append-only history entry.
type StatusTransition struct {
	Source    WorkflowState          `json:"source"`
	Target    WorkflowState          `json:"target"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// WorkflowStatus is the tracked record for one workflow.
type WorkflowStatus struct {
	WorkflowID   string                 `json:"workflow_id"`
	CurrentState WorkflowState          `json:"current_state"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	History      []StatusTransition     `json:"history"`
}

func (w *WorkflowStatus) clone() *WorkflowStatus {
	c := *w
	if w.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(w.Metadata))
		for k, v := range w.Metadata {
			c.Metadata[k] = v
		}
	}
	c.History = make([]StatusTransition, len(w.History))
	copy(c.History, w.History)
	return &c
}

// TopicStatusUpdate is the notifier topic for workflow status broadcasts.
const TopicStatusUpdate = "workflow_status_update"

const statusFileName = "workflow_statuses.json"

// ManagerConfig configures the status manager.
type ManagerConfig struct {
	// StatusDir is where workflow_statuses.json lives. Empty disables
	// persistence (in-memory only).
	StatusDir string

	// Notifier receives a message per state or metadata change. Optional.
	Notifier core.Notifier

	// Logger is an optional logger.
	Logger core.Logger
}

// Manager tracks WorkflowStatus records. A single mutex serializes all
// mutations, which also serializes persistence per workflow.
type Manager struct {
	mu       sync.RWMutex
	statuses map[string]*WorkflowStatus

	statusDir string
	notifier  core.Notifier
	logger    core.Logger
	dirty     bool
}

// NewManager creates a status manager, loading any persisted records.
// Persisted state is authoritative over in-memory defaults.
func NewManager(config ManagerConfig) (*Manager, error) {
	m := &Manager{
		statuses:  make(map[string]*WorkflowStatus),
		statusDir: config.StatusDir,
		notifier:  config.Notifier,
		logger:    core.EnsureLogger(config.Logger),
	}
	if m.statusDir != "" {
		if err := os.MkdirAll(m.statusDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating status dir: %w", err)
		}
		if err := m.load(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) statusPath() string {
	return filepath.Join(m.statusDir, statusFileName)
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.statusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading status file: %w", err)
	}
	var loaded map[string]*WorkflowStatus
	if err := json.Unmarshal(data, &loaded); err != nil {
		m.logger.Warn("Ignoring undecodable status file", map[string]interface{}{
			"file":  m.statusPath(),
			"error": err.Error(),
		})
		return nil
	}
	m.statuses = loaded
	if m.statuses == nil {
		m.statuses = make(map[string]*WorkflowStatus)
	}
	return nil
}

// persistLocked writes the whole record set with an atomic replace.
// Failures never abort a transition; the manager retries on the next write.
func (m *Manager) persistLocked() {
	if m.statusDir == "" {
		return
	}
	data, err := json.Marshal(m.statuses)
	if err != nil {
		m.logger.Error("Failed to serialize workflow statuses", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	tmp := m.statusPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err == nil {
		err = os.Rename(tmp, m.statusPath())
	}
	if err != nil {
		m.dirty = true
		m.logger.Error("Failed to persist workflow statuses", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	m.dirty = false
}

func (m *Manager) broadcast(ctx context.Context, ws *WorkflowStatus, transition *StatusTransition) {
	if m.notifier == nil {
		return
	}
	message := map[string]interface{}{
		"workflow_id":   ws.WorkflowID,
		"current_state": string(ws.CurrentState),
		"updated_at":    ws.UpdatedAt,
	}
	if transition != nil {
		message["source"] = string(transition.Source)
		message["target"] = string(transition.Target)
		if transition.Details != nil {
			message["details"] = transition.Details
		}
	}
	if err := m.notifier.Publish(ctx, TopicStatusUpdate, message); err != nil {
		m.logger.WarnWithContext(ctx, "Failed to broadcast status update", map[string]interface{}{
			"workflow_id": ws.WorkflowID,
			"error":       err.Error(),
		})
	}
}

// Create registers a new workflow status. An existing record for the same
// workflow_id is replaced: the caller is starting the workflow over.
func (m *Manager) Create(ctx context.Context, workflowID string, initial WorkflowState, metadata map[string]interface{}) (*WorkflowStatus, error) {
	if workflowID == "" {
		return nil, &core.EngineError{Op: "status.Create", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("workflow_id is required: %w", core.ErrInvalidParams)}
	}
	if initial == "" {
		initial = StateCreated
	}

	m.mu.Lock()
	now := time.Now()
	ws := &WorkflowStatus{
		WorkflowID:   workflowID,
		CurrentState: initial,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
		History: []StatusTransition{{
			Source:    StateUnknown,
			Target:    initial,
			Timestamp: now,
		}},
	}
	m.statuses[workflowID] = ws
	m.persistLocked()
	snapshot := ws.clone()
	m.mu.Unlock()

	m.broadcast(ctx, snapshot, &snapshot.History[0])
	return snapshot, nil
}

// UpdateState appends a transition, persists, and broadcasts.
func (m *Manager) UpdateState(ctx context.Context, workflowID string, state WorkflowState, details map[string]interface{}) (*WorkflowStatus, error) {
	m.mu.Lock()
	ws, exists := m.statuses[workflowID]
	if !exists {
		m.mu.Unlock()
		return nil, &core.EngineError{Op: "status.UpdateState", Code: core.CodeExecutionNotFound, ID: workflowID,
			Err: fmt.Errorf("workflow status not found: %w", core.ErrExecutionNotFound)}
	}

	now := time.Now()
	transition := StatusTransition{
		Source:    ws.CurrentState,
		Target:    state,
		Timestamp: now,
		Details:   details,
	}
	ws.History = append(ws.History, transition)
	ws.CurrentState = state
	ws.UpdatedAt = now
	m.persistLocked()
	snapshot := ws.clone()
	m.mu.Unlock()

	m.broadcast(ctx, snapshot, &transition)
	return snapshot, nil
}

// UpdateMetadata shallow-merges the patch into the workflow's metadata.
func (m *Manager) UpdateMetadata(ctx context.Context, workflowID string, patch map[string]interface{}) (*WorkflowStatus, error) {
	m.mu.Lock()
	ws, exists := m.statuses[workflowID]
	if !exists {
		m.mu.Unlock()
		return nil, &core.EngineError{Op: "status.UpdateMetadata", Code: core.CodeExecutionNotFound, ID: workflowID,
			Err: fmt.Errorf("workflow status not found: %w", core.ErrExecutionNotFound)}
	}
	if ws.Metadata == nil {
		ws.Metadata = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		ws.Metadata[k] = v
	}
	ws.UpdatedAt = time.Now()
	m.persistLocked()
	snapshot := ws.clone()
	m.mu.Unlock()

	m.broadcast(ctx, snapshot, nil)
	return snapshot, nil
}

// Get returns the status for a workflow, or nil when unknown.
func (m *Manager) Get(workflowID string) *WorkflowStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, exists := m.statuses[workflowID]
	if !exists {
		return nil
	}
	return ws.clone()
}

// GetByState returns all workflows currently in the given state.
func (m *Manager) GetByState(state WorkflowState) []*WorkflowStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*WorkflowStatus
	for _, ws := range m.statuses {
		if ws.CurrentState == state {
			out = append(out, ws.clone())
		}
	}
	return out
}

// GetActive returns workflows in a non-terminal state.
func (m *Manager) GetActive() []*WorkflowStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*WorkflowStatus
	for _, ws := range m.statuses {
		if !ws.CurrentState.IsTerminal() {
			out = append(out, ws.clone())
		}
	}
	return out
}

// GetCompleted returns workflows in the completed state.
func (m *Manager) GetCompleted() []*WorkflowStatus {
	return m.GetByState(StateCompleted)
}

// GetFailed returns workflows in the failed state.
func (m *Manager) GetFailed() []*WorkflowStatus {
	return m.GetByState(StateFailed)
}

// GetByMetadata returns workflows whose metadata has key equal to value.
func (m *Manager) GetByMetadata(key string, value interface{}) []*WorkflowStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*WorkflowStatus
	for _, ws := range m.statuses {
		if v, present := ws.Metadata[key]; present && v == value {
			out = append(out, ws.clone())
		}
	}
	return out
}

// GetCount returns the number of workflows per state.
func (m *Manager) GetCount() map[WorkflowState]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[WorkflowState]int)
	for _, ws := range m.statuses {
		counts[ws.CurrentState]++
	}
	return counts
}

// ClearCompleted purges terminal workflows whose last update is older than
// the given number of days. olderThanDays <= 0 purges all terminal
// workflows. Returns the purged count.
func (m *Manager) ClearCompleted(olderThanDays int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now()
	if olderThanDays > 0 {
		cutoff = cutoff.AddDate(0, 0, -olderThanDays)
	}

	purged := 0
	for id, ws := range m.statuses {
		if !ws.CurrentState.IsTerminal() {
			continue
		}
		if ws.UpdatedAt.After(cutoff) {
			continue
		}
		delete(m.statuses, id)
		purged++
	}
	if purged > 0 {
		m.persistLocked()
	}
	return purged
}
