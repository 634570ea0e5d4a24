package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/core"
)

func buildTemplate() *Template {
	return &Template{
		ID:      "deploy",
		Version: "1.2.0",
		Parameters: map[string]ParameterDef{
			"image":    {Type: "string", Required: true},
			"replicas": {Type: "number", Default: 1},
			"debug":    {Type: "boolean", Default: false},
			"env":      {Type: "object"},
		},
		Steps: []map[string]interface{}{
			{
				"name":    "build",
				"image":   "${image}",
				"task":    "${task.name} (${task.id})",
				"payload": map[string]interface{}{"replicas": "${replicas}", "env": "${env}"},
			},
			{
				"name":  "verify",
				"debug": "${parameters.debug}",
			},
		},
	}
}

func buildTask() *core.Task {
	return &core.Task{
		ID:          "task-1",
		Name:        "Deploy service",
		Description: "rolls out the service",
		PipelineParameters: map[string]interface{}{
			"replicas": 3,
		},
	}
}

func newTestConverter(t *testing.T) *Converter {
	t.Helper()
	store := NewTemplateStore(nil)
	require.NoError(t, store.Register(buildTemplate()))
	return NewConverter(store, nil)
}

func TestConvertAppliesParameterPrecedence(t *testing.T) {
	c := newTestConverter(t)

	p, err := c.Convert(context.Background(), buildTask(), "deploy", map[string]interface{}{
		"image": "alpine:3.20",
		"env":   map[string]interface{}{"MODE": "prod"},
	})
	require.NoError(t, err)

	params := p.Metadata.Parameters
	assert.Equal(t, "alpine:3.20", params["image"])  // caller override
	assert.Equal(t, 3, params["replicas"])           // task parameter beats default
	assert.Equal(t, false, params["debug"])          // template default survives
	assert.Equal(t, "deploy", p.Metadata.TemplateID)
	assert.Equal(t, "1.2.0", p.Metadata.TemplateVersion)
	assert.False(t, p.Metadata.GeneratedAt.IsZero())
}

func TestConvertSubstitutesPlaceholders(t *testing.T) {
	c := newTestConverter(t)

	p, err := c.Convert(context.Background(), buildTask(), "deploy", map[string]interface{}{
		"image": "alpine:3.20",
		"env":   map[string]interface{}{"MODE": "prod"},
	})
	require.NoError(t, err)
	require.Len(t, p.Steps, 2)

	build := p.Steps[0]
	assert.Equal(t, "alpine:3.20", build["image"])
	assert.Equal(t, "Deploy service (task-1)", build["task"])

	payload := build["payload"].(map[string]interface{})
	// Whole-string placeholders keep the resolved value's type.
	assert.Equal(t, 3, payload["replicas"])
	assert.Equal(t, map[string]interface{}{"MODE": "prod"}, payload["env"])

	// The parameters.<name> alias resolves the same way.
	assert.Equal(t, false, p.Steps[1]["debug"])
}

func TestConvertRejectsObjectInsideString(t *testing.T) {
	store := NewTemplateStore(nil)
	require.NoError(t, store.Register(&Template{
		ID: "bad",
		Parameters: map[string]ParameterDef{
			"env": {Type: "object", Required: true},
		},
		Steps: []map[string]interface{}{
			{"name": "s", "cmd": "run with ${env} inline"},
		},
	}))
	c := NewConverter(store, nil)

	_, err := c.Convert(context.Background(), buildTask(), "bad", map[string]interface{}{
		"env": map[string]interface{}{"A": "1"},
	})
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidParams, core.CodeOf(err))
}

func TestConvertLeavesUnknownPlaceholders(t *testing.T) {
	store := NewTemplateStore(nil)
	require.NoError(t, store.Register(&Template{
		ID: "passthrough",
		Steps: []map[string]interface{}{
			{"name": "s", "cmd": "echo ${DOWNSTREAM_VAR}"},
		},
	}))
	c := NewConverter(store, nil)

	p, err := c.Convert(context.Background(), buildTask(), "passthrough", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo ${DOWNSTREAM_VAR}", p.Steps[0]["cmd"])
}

func TestConvertMissingRequiredParameter(t *testing.T) {
	c := newTestConverter(t)

	_, err := c.Convert(context.Background(), buildTask(), "deploy", nil)
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidParams, core.CodeOf(err))
}

func TestConvertTypeMismatch(t *testing.T) {
	c := newTestConverter(t)

	_, err := c.Convert(context.Background(), buildTask(), "deploy", map[string]interface{}{
		"image": 42,
	})
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidParams, core.CodeOf(err))
}

func TestConvertUnknownTemplate(t *testing.T) {
	c := newTestConverter(t)

	_, err := c.Convert(context.Background(), buildTask(), "nope", nil)
	require.Error(t, err)
	assert.Equal(t, core.CodeTemplateNotFound, core.CodeOf(err))
}

func TestConvertUsesRenderCache(t *testing.T) {
	c := newTestConverter(t)
	ctx := context.Background()
	overrides := map[string]interface{}{"image": "alpine:3.20"}

	first, err := c.Convert(ctx, buildTask(), "deploy", overrides)
	require.NoError(t, err)
	second, err := c.Convert(ctx, buildTask(), "deploy", overrides)
	require.NoError(t, err)

	assert.Equal(t, first.Metadata.GeneratedAt.UnixNano(), second.Metadata.GeneratedAt.UnixNano(),
		"a cached render keeps its original generation time")
	assert.Equal(t, first.TaskID, second.TaskID)
}

func TestCreateCustomPipeline(t *testing.T) {
	c := newTestConverter(t)

	p, err := c.CreateCustomPipeline(buildTask(), map[string]interface{}{
		"parameters": map[string]interface{}{"target": "staging"},
		"steps": []interface{}{
			map[string]interface{}{"name": "ship", "to": "${target}", "for": "${task.id}"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "task-1", p.TaskID)
	assert.Equal(t, "Deploy service", p.TaskName)
	assert.Empty(t, p.Metadata.TemplateID)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "staging", p.Steps[0]["to"])
	assert.Equal(t, "task-1", p.Steps[0]["for"])
}

func TestValidatePipeline(t *testing.T) {
	valid := &core.Pipeline{
		TaskID:   "t1",
		TaskName: "n",
		Steps:    []map[string]interface{}{{"name": "s1"}},
	}
	assert.NoError(t, ValidatePipeline(valid))

	assert.Error(t, ValidatePipeline(nil))
	assert.Error(t, ValidatePipeline(&core.Pipeline{TaskName: "n"}))
	assert.Error(t, ValidatePipeline(&core.Pipeline{TaskID: "t1"}))
	assert.Error(t, ValidatePipeline(&core.Pipeline{
		TaskID:   "t1",
		TaskName: "n",
		Steps:    []map[string]interface{}{{"image": "x"}},
	}))
}

func TestTemplateStoreLoadDir(t *testing.T) {
	dir := t.TempDir()
	doc := `
id: build
version: "2.0"
parameters:
  target:
    type: string
    default: dev
steps:
  - name: compile
    target: ${target}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "build.yaml"), []byte(doc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("{not yaml"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	store := NewTemplateStore(nil)
	loaded, err := store.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	tmpl, err := store.Get("build")
	require.NoError(t, err)
	assert.Equal(t, "2.0", tmpl.Version)
	assert.Equal(t, "dev", tmpl.Parameters["target"].Default)
}

func TestRegisterRejectsBadParameterType(t *testing.T) {
	store := NewTemplateStore(nil)
	err := store.Register(&Template{
		ID:         "bad",
		Parameters: map[string]ParameterDef{"x": {Type: "decimal"}},
	})
	require.Error(t, err)
}
