// Package pipeline renders runnable pipeline documents from templates.
// A template declares its parameter schema; the converter merges template
// defaults, task-level parameters and caller overrides, validates them, and
// substitutes ${...} placeholders throughout the step tree. Rendered
// pipelines are cached by content hash.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/taskforge/taskforge/core"
)

// ParameterDef declares one template parameter.
type ParameterDef struct {
	// Type is one of: string, number, boolean, array, object.
	Type string `yaml:"type" json:"type"`

	// Required rejects renders that leave the parameter unset.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Default applies when neither the task nor the caller supplies a value.
	Default interface{} `yaml:"default,omitempty" json:"default,omitempty"`

	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Template is a parameterized pipeline blueprint.
type Template struct {
	ID          string                  `yaml:"id" json:"id"`
	Name        string                  `yaml:"name,omitempty" json:"name,omitempty"`
	Version     string                  `yaml:"version,omitempty" json:"version,omitempty"`
	Description string                  `yaml:"description,omitempty" json:"description,omitempty"`
	Parameters  map[string]ParameterDef `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Steps       []map[string]interface{} `yaml:"steps,omitempty" json:"steps,omitempty"`
}

// TemplateStore holds registered templates by ID.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*Template
	logger    core.Logger
}

// NewTemplateStore creates an empty template store.
func NewTemplateStore(logger core.Logger) *TemplateStore {
	return &TemplateStore{
		templates: make(map[string]*Template),
		logger:    core.EnsureLogger(logger),
	}
}

// Register adds or replaces a template. The ID is required.
func (s *TemplateStore) Register(t *Template) error {
	if t == nil || t.ID == "" {
		return &core.EngineError{Op: "pipeline.Register", Code: core.CodeInvalidParams,
			Err: fmt.Errorf("template id is required: %w", core.ErrInvalidParams)}
	}
	for name, def := range t.Parameters {
		switch def.Type {
		case "string", "number", "boolean", "array", "object":
		default:
			return &core.EngineError{Op: "pipeline.Register", Code: core.CodeInvalidParams, ID: t.ID,
				Err: fmt.Errorf("parameter %q has unknown type %q: %w", name, def.Type, core.ErrInvalidParams)}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
	return nil
}

// Get returns the template or ErrTemplateNotFound.
func (s *TemplateStore) Get(id string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.templates[id]
	if !exists {
		return nil, &core.EngineError{Op: "pipeline.Get", Code: core.CodeTemplateNotFound, ID: id,
			Err: core.ErrTemplateNotFound}
	}
	return t, nil
}

// List returns the IDs of all registered templates.
func (s *TemplateStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.templates))
	for id := range s.templates {
		ids = append(ids, id)
	}
	return ids
}

// LoadDir registers every .yaml/.yml template under dir. Files that fail
// to parse are logged and skipped. Returns the number registered.
func (s *TemplateStore) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading template dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("Skipping unreadable template file", map[string]interface{}{
				"file":  entry.Name(),
				"error": err.Error(),
			})
			continue
		}
		var t Template
		if err := yaml.Unmarshal(data, &t); err != nil {
			s.logger.Warn("Skipping invalid template file", map[string]interface{}{
				"file":  entry.Name(),
				"error": err.Error(),
			})
			continue
		}
		if t.ID == "" {
			// Fall back to the file name so bare step lists still load.
			t.ID = strings.TrimSuffix(entry.Name(), ext)
		}
		if err := s.Register(&t); err != nil {
			s.logger.Warn("Skipping template with invalid schema", map[string]interface{}{
				"file":  entry.Name(),
				"error": err.Error(),
			})
			continue
		}
		loaded++
	}

	s.logger.Info("Templates loaded", map[string]interface{}{
		"dir":    dir,
		"loaded": loaded,
	})
	return loaded, nil
}
