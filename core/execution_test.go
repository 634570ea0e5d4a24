package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatusIsTerminal(t *testing.T) {
	terminal := []ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "expected %s to be terminal", s)
	}

	live := []ExecutionStatus{
		ExecutionPending, ExecutionScheduled, ExecutionPreparing,
		ExecutionRunning, ExecutionPaused, ExecutionRetrying, ExecutionTimeout,
	}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), "expected %s to be non-terminal", s)
	}
}

func TestPriorityWeightOrdering(t *testing.T) {
	assert.Greater(t, PriorityCritical.Weight(), PriorityHigh.Weight())
	assert.Greater(t, PriorityHigh.Weight(), PriorityMedium.Weight())
	assert.Greater(t, PriorityMedium.Weight(), PriorityLow.Weight())
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("critical")
	require.NoError(t, err)
	assert.Equal(t, PriorityCritical, p)

	_, err = ParsePriority("urgent")
	require.Error(t, err)
	assert.Equal(t, CodeInvalidParams, CodeOf(err))
}

func TestParseRetryStrategy(t *testing.T) {
	s, err := ParseRetryStrategy("fibonacci_backoff")
	require.NoError(t, err)
	assert.Equal(t, RetryFibonacciBackoff, s)

	_, err = ParseRetryStrategy("bogus")
	require.Error(t, err)
	assert.Equal(t, CodeInvalidParams, CodeOf(err))
}

func TestReadyTime(t *testing.T) {
	future := time.Now().Add(time.Hour)

	e := &TaskExecution{Status: ExecutionScheduled, ScheduledAt: &future}
	assert.Equal(t, future, e.ReadyTime())

	e = &TaskExecution{Status: ExecutionRetrying, NextRetryAt: &future}
	assert.Equal(t, future, e.ReadyTime())

	e = &TaskExecution{Status: ExecutionPending, ScheduledAt: &future}
	assert.True(t, e.ReadyTime().IsZero())
}

func TestCanExecute(t *testing.T) {
	for _, s := range []ExecutionStatus{ExecutionPending, ExecutionScheduled, ExecutionRetrying} {
		e := &TaskExecution{Status: s}
		assert.True(t, e.CanExecute(), "expected %s to be executable", s)
	}
	for _, s := range []ExecutionStatus{ExecutionRunning, ExecutionPreparing, ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout, ExecutionPaused} {
		e := &TaskExecution{Status: s}
		assert.False(t, e.CanExecute(), "expected %s to be non-executable", s)
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	e := &TaskExecution{
		ID:             "e1",
		TaskID:         "t1",
		Priority:       PriorityHigh,
		WorkflowParams: map[string]interface{}{"nested": map[string]interface{}{"a": 1}},
		Dependencies:   []string{"e0"},
		Status:         ExecutionRunning,
		StartedAt:      &now,
		StatusHistory: []StatusChange{
			{Status: ExecutionPending, Timestamp: now},
			{Status: ExecutionRunning, PreviousStatus: ExecutionPending, Timestamp: now},
		},
	}

	c := e.Clone()
	require.Equal(t, e, c)

	c.WorkflowParams["nested"].(map[string]interface{})["a"] = 2
	c.Dependencies[0] = "other"
	*c.StartedAt = now.Add(time.Hour)
	c.StatusHistory[0].Status = ExecutionFailed

	assert.Equal(t, 1, e.WorkflowParams["nested"].(map[string]interface{})["a"])
	assert.Equal(t, "e0", e.Dependencies[0])
	assert.Equal(t, now, *e.StartedAt)
	assert.Equal(t, ExecutionPending, e.StatusHistory[0].Status)
}

func TestCodeOf(t *testing.T) {
	cases := map[error]Code{
		ErrInvalidParams:     CodeInvalidParams,
		ErrInvalidTransition: CodeInvalidParams,
		ErrTaskNotFound:      CodeTaskNotFound,
		ErrExecutionNotFound: CodeExecutionNotFound,
		ErrTemplateNotFound:  CodeTemplateNotFound,
		ErrCycleDetected:     CodeCycleDetected,
		ErrInvalidResult:     CodeInvalidResult,
		ErrAlreadyTerminal:   CodeAlreadyTerminal,
		errors.New("anything"): CodeInternal,
	}
	for err, want := range cases {
		assert.Equal(t, want, CodeOf(err), "error %v", err)
	}
}

func TestEngineErrorWrapping(t *testing.T) {
	err := &EngineError{Op: "registry.Get", Code: CodeExecutionNotFound, ID: "e1", Err: ErrExecutionNotFound}

	assert.True(t, errors.Is(err, ErrExecutionNotFound))
	assert.Equal(t, CodeExecutionNotFound, CodeOf(err))
	assert.Contains(t, err.Error(), "registry.Get")
	assert.Contains(t, err.Error(), "e1")
}
