package results

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(&StoreConfig{ResultDir: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestStoreAndGetResult(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	key, err := s.StoreResult(ctx, "wf-1", map[string]interface{}{"success": true}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", key)

	got, err := s.GetResult(ctx, "wf-1", "")
	require.NoError(t, err)
	assert.Equal(t, true, got["success"])
	assert.NotEmpty(t, got["timestamp"], "generic schema stamps a timestamp")
}

func TestResultKeyIncludesTaskID(t *testing.T) {
	assert.Equal(t, "wf-1", ResultKey("wf-1", ""))
	assert.Equal(t, "wf-1_t9", ResultKey("wf-1", "t9"))
}

func TestStoreResultValidatesAgainstSchema(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.StoreResult(ctx, "wf-1", map[string]interface{}{"result": map[string]interface{}{}}, "", SchemaGeneric)
	require.Error(t, err, "missing required success field")
	assert.Equal(t, core.CodeInvalidResult, core.CodeOf(err))

	_, err = s.StoreResult(ctx, "wf-1", map[string]interface{}{"success": "yes"}, "", SchemaGeneric)
	require.Error(t, err, "success must be a boolean")
	assert.Equal(t, core.CodeInvalidResult, core.CodeOf(err))
}

func TestContainerizedWorkflowSchema(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.StoreResult(ctx, "wf-1", map[string]interface{}{"success": true}, "", SchemaContainerizedWorkflow)
	require.Error(t, err, "container_id is required")

	_, err = s.StoreResult(ctx, "wf-1", map[string]interface{}{
		"success":      true,
		"container_id": "c-42",
		"logs":         "done",
	}, "", SchemaContainerizedWorkflow)
	require.NoError(t, err)
}

func TestDaggerPipelineSchema(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.StoreResult(ctx, "wf-1", map[string]interface{}{
		"success":     true,
		"pipeline_id": "p-1",
		"steps":       []interface{}{"build", "push"},
	}, "", SchemaDaggerPipeline)
	require.NoError(t, err)
}

func TestStoredResultRevalidates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.StoreResult(ctx, "wf-1", map[string]interface{}{"success": true}, "t1", SchemaGeneric)
	require.NoError(t, err)

	got, err := s.GetResult(ctx, "wf-1", "t1")
	require.NoError(t, err)

	schema := builtinSchemas()[SchemaGeneric]
	_, err = schema.ValidateAndNormalize(got)
	assert.NoError(t, err, "a stored result validates against its schema")
}

func TestGetResultFallsBackToDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewStore(&StoreConfig{ResultDir: dir})
	require.NoError(t, err)
	_, err = s.StoreResult(ctx, "wf-1", map[string]interface{}{"success": true}, "", "")
	require.NoError(t, err)

	// A fresh store has a cold cache and must hit the disk file.
	reopened, err := NewStore(&StoreConfig{ResultDir: dir})
	require.NoError(t, err)
	got, err := reopened.GetResult(ctx, "wf-1", "")
	require.NoError(t, err)
	assert.Equal(t, true, got["success"])
}

func TestGetResultUnknown(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetResult(context.Background(), "nope", "")
	require.Error(t, err)
	assert.Equal(t, core.CodeExecutionNotFound, core.CodeOf(err))
}

func TestDeleteResult(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.StoreResult(ctx, "wf-1", map[string]interface{}{"success": true}, "", "")
	require.NoError(t, err)
	require.NoError(t, s.DeleteResult(ctx, "wf-1", ""))

	_, err = s.GetResult(ctx, "wf-1", "")
	assert.Error(t, err)

	// Deleting again is not an error.
	assert.NoError(t, s.DeleteResult(ctx, "wf-1", ""))
}

func TestLRUCacheEvictsOldest(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", &Record{WorkflowID: "a"})
	c.put("b", &Record{WorkflowID: "b"})

	// Touch a so b becomes the eviction candidate.
	_, found := c.get("a")
	require.True(t, found)

	c.put("c", &Record{WorkflowID: "c"})
	assert.Equal(t, 2, c.len())

	_, found = c.get("b")
	assert.False(t, found, "least recently used entry is evicted")
	_, found = c.get("a")
	assert.True(t, found)
	_, found = c.get("c")
	assert.True(t, found)
}

func TestRegisterSchemaAndTransformer(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RegisterSchema(&Schema{
		ID: "minimal",
		Fields: map[string]FieldDef{
			"ok": {Type: "boolean", Required: true},
		},
	}))
	_, err := s.StoreResult(ctx, "wf-1", map[string]interface{}{"ok": true}, "", "minimal")
	require.NoError(t, err)

	require.NoError(t, s.RegisterTransformer("minimal", SchemaGeneric, func(payload map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"success": payload["ok"]}, nil
	}))

	out, err := s.Transform("minimal", SchemaGeneric, map[string]interface{}{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, true, out["success"])
	assert.NotEmpty(t, out["timestamp"])

	_, err = s.Transform(SchemaGeneric, "minimal", map[string]interface{}{})
	require.Error(t, err, "unregistered direction")
}

func TestSchemaDefaultsApplied(t *testing.T) {
	schema := &Schema{
		ID: "with-defaults",
		Fields: map[string]FieldDef{
			"success": {Type: "boolean", Required: true},
			"retries": {Type: "number", Default: 0},
		},
	}

	out, err := schema.ValidateAndNormalize(map[string]interface{}{"success": true})
	require.NoError(t, err)
	assert.Equal(t, 0, out["retries"])
}
