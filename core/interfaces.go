package core

import "context"

// Logger is the minimal structured logging interface used across the
// engine. Fields are free-form key-value pairs.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// NoOpLogger discards all log output. Components fall back to it when no
// logger is configured.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

func (n *NoOpLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}
func (n *NoOpLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

// EnsureLogger returns the logger or a NoOpLogger when nil.
func EnsureLogger(l Logger) Logger {
	if l == nil {
		return &NoOpLogger{}
	}
	return l
}

// TaskStore is the port to the external task persistence layer. The engine
// only reads tasks and reports status; CRUD belongs to the host.
type TaskStore interface {
	// GetTask returns the task snapshot or ErrTaskNotFound.
	GetTask(ctx context.Context, id string) (*Task, error)

	// UpdateTaskStatus moves the external task to the given status.
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error

	// UpdateTask applies a shallow field patch to the external task
	// (progress, result, error).
	UpdateTask(ctx context.Context, id string, patch map[string]interface{}) error
}

// PipelineRunner is the port to the container runtime that executes a
// rendered pipeline. Cancellation and timeouts arrive through ctx; a
// cooperative runner returns promptly with ctx.Err().
//
// A failed run may be reported either as a non-nil error or as a result
// map with "success" set to false and "error" describing the failure.
type PipelineRunner interface {
	Execute(ctx context.Context, pipeline *Pipeline) (map[string]interface{}, error)
}

// Notifier is the optional port for broadcasting engine events, such as
// workflow status updates. Publish must preserve per-topic ordering for
// messages published sequentially by one caller.
type Notifier interface {
	Publish(ctx context.Context, topic string, message map[string]interface{}) error
}
