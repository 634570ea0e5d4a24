package core

// TaskStatus is the state of the external task record the engine reports
// progress against. The task store itself lives outside the engine.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is the engine's read-only snapshot of an external task. Only the
// fields the engine consumes are modeled; the authoritative record belongs
// to the TaskStore implementation.
type Task struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress,omitempty"`

	// PipelineParameters are task-level parameter values that sit between
	// template defaults and caller overrides during pipeline conversion.
	PipelineParameters map[string]interface{} `json:"pipeline_parameters,omitempty"`

	Result   map[string]interface{} `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
