package core

import "time"

// Pipeline is a rendered, runnable workflow document handed to the
// external pipeline runner. Steps stay schemaless; the engine validates
// only the top-level shape and forwards the rest untouched.
type Pipeline struct {
	TaskID          string                   `json:"task_id"`
	TaskName        string                   `json:"task_name"`
	TaskDescription string                   `json:"task_description,omitempty"`
	Steps           []map[string]interface{} `json:"steps,omitempty"`
	Metadata        PipelineMetadata         `json:"metadata"`
}

// PipelineMetadata stamps provenance onto a rendered pipeline.
type PipelineMetadata struct {
	TemplateID      string                 `json:"template_id,omitempty"`
	TemplateVersion string                 `json:"template_version,omitempty"`
	GeneratedAt     time.Time              `json:"generated_at"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
}

// Clone returns a deep copy of the pipeline document.
func (p *Pipeline) Clone() *Pipeline {
	if p == nil {
		return nil
	}
	c := *p
	if p.Steps != nil {
		c.Steps = make([]map[string]interface{}, len(p.Steps))
		for i, s := range p.Steps {
			c.Steps[i] = copyMap(s)
		}
	}
	c.Metadata.Parameters = copyMap(p.Metadata.Parameters)
	return &c
}
