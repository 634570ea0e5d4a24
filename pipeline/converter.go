package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/taskforge/taskforge/cache"
	"github.com/taskforge/taskforge/core"
)

var placeholderPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_.\-]+)\}`)

// ConverterConfig configures the pipeline converter.
type ConverterConfig struct {
	// RenderCacheTTL bounds how long rendered pipelines are reused.
	// Default: 10 minutes.
	RenderCacheTTL time.Duration

	// Logger is an optional logger for conversion operations.
	Logger core.Logger
}

// DefaultConverterConfig returns default configuration.
func DefaultConverterConfig() ConverterConfig {
	return ConverterConfig{
		RenderCacheTTL: 10 * time.Minute,
	}
}

// Converter renders Pipeline documents from templates and tasks.
type Converter struct {
	templates *TemplateStore
	renders   *cache.MemoryCache
	logger    core.Logger
}

// NewConverter creates a converter over the given template store.
func NewConverter(templates *TemplateStore, config *ConverterConfig) *Converter {
	if config == nil {
		defaultConfig := DefaultConverterConfig()
		config = &defaultConfig
	}
	if config.RenderCacheTTL <= 0 {
		config.RenderCacheTTL = 10 * time.Minute
	}
	return &Converter{
		templates: templates,
		renders:   cache.NewMemoryCache(&cache.MemoryCacheConfig{TTL: config.RenderCacheTTL}),
		logger:    core.EnsureLogger(config.Logger),
	}
}

// Templates exposes the underlying template store.
func (c *Converter) Templates() *TemplateStore {
	return c.templates
}

// Convert renders a pipeline for the task from the named template.
// Parameter precedence, lowest to highest: template defaults, the task's
// pipeline parameters, caller overrides. Renders are cached by the
// canonical hash of (task, template, effective parameters).
func (c *Converter) Convert(ctx context.Context, task *core.Task, templateID string, overrides map[string]interface{}) (*core.Pipeline, error) {
	if task == nil || task.ID == "" {
		return nil, &core.EngineError{Op: "pipeline.Convert", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("task is required: %w", core.ErrInvalidParams)}
	}

	tmpl, err := c.templates.Get(templateID)
	if err != nil {
		return nil, err
	}

	params := effectiveParameters(tmpl, task, overrides)
	if err := validateParameters(tmpl, params); err != nil {
		return nil, err
	}

	cacheKey, err := cache.Key(task.ID, templateID, params)
	if err != nil {
		return nil, &core.EngineError{Op: "pipeline.Convert", Code: core.CodeInvalidParams, ID: templateID,
			Err: fmt.Errorf("hashing parameters: %w", err)}
	}
	if cached, ok, _ := c.renders.Get(ctx, cacheKey); ok {
		if p := pipelineFromCache(cached); p != nil {
			c.logger.DebugWithContext(ctx, "Pipeline render cache hit", map[string]interface{}{
				"task_id":     task.ID,
				"template_id": templateID,
			})
			return p, nil
		}
	}

	subst := newSubstituter(task, params)
	steps := make([]map[string]interface{}, 0, len(tmpl.Steps))
	for i, step := range tmpl.Steps {
		rendered, err := subst.substituteMap(step)
		if err != nil {
			return nil, &core.EngineError{Op: "pipeline.Convert", Code: core.CodeInvalidParams, ID: templateID,
				Err: fmt.Errorf("step %d: %w", i, err)}
		}
		steps = append(steps, rendered)
	}

	p := &core.Pipeline{
		TaskID:          task.ID,
		TaskName:        task.Name,
		TaskDescription: task.Description,
		Steps:           steps,
		Metadata: core.PipelineMetadata{
			TemplateID:      tmpl.ID,
			TemplateVersion: tmpl.Version,
			GeneratedAt:     time.Now(),
			Parameters:      params,
		},
	}

	if cached := pipelineToCache(p); cached != nil {
		_ = c.renders.Set(ctx, cacheKey, cached)
	}

	c.logger.DebugWithContext(ctx, "Pipeline rendered", map[string]interface{}{
		"task_id":     task.ID,
		"template_id": templateID,
		"steps":       len(steps),
	})
	return p, nil
}

// CreateCustomPipeline builds a pipeline from an inline definition instead
// of a registered template. Task fields are still injected into ${...}
// placeholders and provenance metadata is stamped.
func (c *Converter) CreateCustomPipeline(task *core.Task, definition map[string]interface{}) (*core.Pipeline, error) {
	if task == nil || task.ID == "" {
		return nil, &core.EngineError{Op: "pipeline.CreateCustomPipeline", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("task is required: %w", core.ErrInvalidParams)}
	}

	params, _ := definition["parameters"].(map[string]interface{})
	if params == nil {
		params = task.PipelineParameters
	}
	subst := newSubstituter(task, params)

	var steps []map[string]interface{}
	if rawSteps, ok := definition["steps"].([]interface{}); ok {
		steps = make([]map[string]interface{}, 0, len(rawSteps))
		for i, raw := range rawSteps {
			step, ok := raw.(map[string]interface{})
			if !ok {
				return nil, &core.EngineError{Op: "pipeline.CreateCustomPipeline", Code: core.CodeInvalidParams, ID: task.ID,
					Err: fmt.Errorf("step %d is not an object: %w", i, core.ErrInvalidParams)}
			}
			rendered, err := subst.substituteMap(step)
			if err != nil {
				return nil, &core.EngineError{Op: "pipeline.CreateCustomPipeline", Code: core.CodeInvalidParams, ID: task.ID,
					Err: fmt.Errorf("step %d: %w", i, err)}
			}
			steps = append(steps, rendered)
		}
	}

	return &core.Pipeline{
		TaskID:          task.ID,
		TaskName:        task.Name,
		TaskDescription: task.Description,
		Steps:           steps,
		Metadata: core.PipelineMetadata{
			GeneratedAt: time.Now(),
			Parameters:  params,
		},
	}, nil
}

// ValidatePipeline checks the top-level shape of a rendered pipeline:
// task_id and task_name are required, and every step must carry a name.
func ValidatePipeline(p *core.Pipeline) error {
	if p == nil {
		return &core.EngineError{Op: "pipeline.ValidatePipeline", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("pipeline is nil: %w", core.ErrInvalidParams)}
	}
	if p.TaskID == "" {
		return &core.EngineError{Op: "pipeline.ValidatePipeline", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("task_id is required: %w", core.ErrInvalidParams)}
	}
	if p.TaskName == "" {
		return &core.EngineError{Op: "pipeline.ValidatePipeline", Code: core.CodeInvalidParams, ID: p.TaskID,
			Err: fmt.Errorf("task_name is required: %w", core.ErrInvalidParams)}
	}
	for i, step := range p.Steps {
		name, ok := step["name"].(string)
		if !ok || name == "" {
			return &core.EngineError{Op: "pipeline.ValidatePipeline", Code: core.CodeInvalidParams, ID: p.TaskID,
				Err: fmt.Errorf("step %d is missing a name: %w", i, core.ErrInvalidParams)}
		}
	}
	return nil
}

// effectiveParameters merges defaults, task parameters and overrides.
func effectiveParameters(tmpl *Template, task *core.Task, overrides map[string]interface{}) map[string]interface{} {
	params := make(map[string]interface{})
	for name, def := range tmpl.Parameters {
		if def.Default != nil {
			params[name] = def.Default
		}
	}
	for name, value := range task.PipelineParameters {
		params[name] = value
	}
	for name, value := range overrides {
		params[name] = value
	}
	return params
}

func validateParameters(tmpl *Template, params map[string]interface{}) error {
	for name, def := range tmpl.Parameters {
		value, present := params[name]
		if !present {
			if def.Required {
				return &core.EngineError{Op: "pipeline.Convert", Code: core.CodeInvalidParams, ID: tmpl.ID,
					Err: fmt.Errorf("required parameter %q is missing: %w", name, core.ErrInvalidParams)}
			}
			continue
		}
		if !typeMatches(def.Type, value) {
			return &core.EngineError{Op: "pipeline.Convert", Code: core.CodeInvalidParams, ID: tmpl.ID,
				Err: fmt.Errorf("parameter %q: expected %s, got %T: %w", name, def.Type, value, core.ErrInvalidParams)}
		}
	}
	return nil
}

func typeMatches(declared string, value interface{}) bool {
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

// substituter resolves ${...} placeholders against a task and its
// effective parameters.
type substituter struct {
	task   *core.Task
	params map[string]interface{}
}

func newSubstituter(task *core.Task, params map[string]interface{}) *substituter {
	return &substituter{task: task, params: params}
}

// resolve maps a placeholder name to its value. ok=false leaves the
// placeholder untouched, which lets downstream tooling consume its own
// ${...} syntax.
func (s *substituter) resolve(name string) (interface{}, bool) {
	switch name {
	case "task.id":
		return s.task.ID, true
	case "task.name":
		return s.task.Name, true
	case "task.description":
		return s.task.Description, true
	}
	if trimmed, found := strings.CutPrefix(name, "parameters."); found {
		name = trimmed
	}
	value, present := s.params[name]
	return value, present
}

func (s *substituter) substituteMap(m map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		rendered, err := s.substituteValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

func (s *substituter) substituteValue(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return s.substituteString(t)
	case map[string]interface{}:
		return s.substituteMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			rendered, err := s.substituteValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// substituteString renders placeholders inside a string. A string that is
// exactly one placeholder keeps the resolved value's type; placeholders
// embedded in longer strings must resolve to scalars.
func (s *substituter) substituteString(str string) (interface{}, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(str, -1)
	if len(matches) == 0 {
		return str, nil
	}

	// Whole-string placeholder preserves the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(str) {
		name := str[matches[0][2]:matches[0][3]]
		if value, present := s.resolve(name); present {
			return value, nil
		}
		return str, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(str[last:m[0]])
		name := str[m[2]:m[3]]
		value, present := s.resolve(name)
		if !present {
			b.WriteString(str[m[0]:m[1]])
			last = m[1]
			continue
		}
		scalar, err := scalarString(name, value)
		if err != nil {
			return nil, err
		}
		b.WriteString(scalar)
		last = m[1]
	}
	b.WriteString(str[last:])
	return b.String(), nil
}

func scalarString(name string, value interface{}) (string, error) {
	switch t := value.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case json.Number:
		return t.String(), nil
	default:
		return "", fmt.Errorf("parameter %q is not a scalar and cannot appear inside a string: %w",
			name, core.ErrInvalidParams)
	}
}

// pipelineToCache and pipelineFromCache shuttle rendered pipelines through
// the generic cache entry shape.
func pipelineToCache(p *core.Pipeline) map[string]interface{} {
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return map[string]interface{}{"pipeline": string(data)}
}

func pipelineFromCache(value map[string]interface{}) *core.Pipeline {
	raw, ok := value["pipeline"].(string)
	if !ok {
		return nil
	}
	var p core.Pipeline
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil
	}
	return &p
}
