package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is. Each maps to exactly one
// API error code (see CodeOf).
var (
	ErrInvalidParams      = errors.New("invalid parameters")
	ErrTaskNotFound       = errors.New("task not found")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrTemplateNotFound   = errors.New("template not found")
	ErrCycleDetected      = errors.New("cycle detected in task graph")
	ErrInvalidResult      = errors.New("result failed schema validation")
	ErrAlreadyTerminal    = errors.New("execution already in terminal state")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAlreadyStarted     = errors.New("already started")
	ErrNotRunning         = errors.New("not running")
	ErrCacheEntryNotFound = errors.New("cache entry not found")
)

// Code is the closed set of error kinds surfaced through the engine API.
type Code string

const (
	CodeInvalidParams     Code = "INVALID_PARAMS"
	CodeTaskNotFound      Code = "TASK_NOT_FOUND"
	CodeExecutionNotFound Code = "EXECUTION_NOT_FOUND"
	CodeTemplateNotFound  Code = "TEMPLATE_NOT_FOUND"
	CodeCycleDetected     Code = "CYCLE_DETECTED"
	CodeInvalidResult     Code = "INVALID_RESULT"
	CodeAlreadyTerminal   Code = "ALREADY_TERMINAL"
	CodeInternal          Code = "INTERNAL"
)

// CodeOf maps an error to its API code. Unknown errors are INTERNAL.
func CodeOf(err error) Code {
	var ee *EngineError
	if errors.As(err, &ee) && ee.Code != "" {
		return ee.Code
	}
	switch {
	case errors.Is(err, ErrInvalidParams), errors.Is(err, ErrInvalidTransition):
		return CodeInvalidParams
	case errors.Is(err, ErrTaskNotFound):
		return CodeTaskNotFound
	case errors.Is(err, ErrExecutionNotFound):
		return CodeExecutionNotFound
	case errors.Is(err, ErrTemplateNotFound):
		return CodeTemplateNotFound
	case errors.Is(err, ErrCycleDetected):
		return CodeCycleDetected
	case errors.Is(err, ErrInvalidResult):
		return CodeInvalidResult
	case errors.Is(err, ErrAlreadyTerminal):
		return CodeAlreadyTerminal
	default:
		return CodeInternal
	}
}

// EngineError provides structured error information with the operation
// that failed, the API code and the entity involved. It supports error
// wrapping via Unwrap.
type EngineError struct {
	Op   string // operation that failed, e.g. "registry.Transition"
	Code Code   // API error code
	ID   string // optional entity ID
	Err  error  // underlying error
}

func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
