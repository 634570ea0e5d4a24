// Package results validates, normalizes, persists and retrieves workflow
// results. Payloads are checked against a named schema, normalized with
// the schema's defaults, kept in a bounded LRU cache and written to disk
// one file per result key.
package results

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskforge/taskforge/core"
)

// FieldDef declares one schema field.
type FieldDef struct {
	// Type is one of: string, number, boolean, array, object.
	Type string `json:"type"`

	// Required rejects payloads missing the field.
	Required bool `json:"required,omitempty"`

	// Default fills the field during normalization when absent.
	Default interface{} `json:"default,omitempty"`
}

// Schema is a named result shape.
type Schema struct {
	ID     string              `json:"id"`
	Fields map[string]FieldDef `json:"fields"`
}

// Built-in schema IDs.
const (
	SchemaGeneric               = "generic"
	SchemaContainerizedWorkflow = "containerized_workflow"
	SchemaDaggerPipeline        = "dagger_pipeline"
)

func builtinSchemas() map[string]*Schema {
	generic := map[string]FieldDef{
		"success":   {Type: "boolean", Required: true},
		"result":    {Type: "object"},
		"error":     {Type: "string"},
		"timestamp": {Type: "string"},
	}
	containerized := map[string]FieldDef{
		"container_id":     {Type: "string", Required: true},
		"container_status": {Type: "string"},
		"logs":             {Type: "string"},
	}
	dagger := map[string]FieldDef{
		"pipeline_id":     {Type: "string", Required: true},
		"pipeline_status": {Type: "string"},
		"steps":           {Type: "array"},
	}
	for name, def := range generic {
		containerized[name] = def
		dagger[name] = def
	}
	return map[string]*Schema{
		SchemaGeneric:               {ID: SchemaGeneric, Fields: generic},
		SchemaContainerizedWorkflow: {ID: SchemaContainerizedWorkflow, Fields: containerized},
		SchemaDaggerPipeline:        {ID: SchemaDaggerPipeline, Fields: dagger},
	}
}

// ValidateAndNormalize checks the payload against the schema and returns a
// normalized copy: defaults applied, timestamp stamped when the schema
// declares one and the payload omits it. The input map is not mutated.
func (s *Schema) ValidateAndNormalize(payload map[string]interface{}) (map[string]interface{}, error) {
	if payload == nil {
		return nil, &core.EngineError{Op: "results.Validate", Code: core.CodeInvalidResult, ID: s.ID,
			Err: fmt.Errorf("payload is nil: %w", core.ErrInvalidResult)}
	}

	normalized := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		normalized[k] = v
	}

	for name, def := range s.Fields {
		value, present := normalized[name]
		if !present || value == nil {
			if def.Required {
				return nil, &core.EngineError{Op: "results.Validate", Code: core.CodeInvalidResult, ID: s.ID,
					Err: fmt.Errorf("required field %q is missing: %w", name, core.ErrInvalidResult)}
			}
			if def.Default != nil {
				normalized[name] = def.Default
			} else if name == "timestamp" && def.Type == "string" {
				normalized[name] = time.Now().UTC().Format(time.RFC3339)
			}
			continue
		}
		if !fieldTypeMatches(def.Type, value) {
			return nil, &core.EngineError{Op: "results.Validate", Code: core.CodeInvalidResult, ID: s.ID,
				Err: fmt.Errorf("field %q: expected %s, got %T: %w", name, def.Type, value, core.ErrInvalidResult)}
		}
	}
	return normalized, nil
}

func fieldTypeMatches(declared string, value interface{}) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64, json.Number:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	}
	return false
}
