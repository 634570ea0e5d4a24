package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/notify"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{StatusDir: t.TempDir()})
	require.NoError(t, err)
	return m
}

func TestCreateAndUpdateState(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	ws, err := m.Create(ctx, "wf-1", StateCreated, map[string]interface{}{"task_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, ws.CurrentState)
	require.Len(t, ws.History, 1)

	ws, err = m.UpdateState(ctx, "wf-1", StateRunning, map[string]interface{}{"worker": "w1"})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, ws.CurrentState)
	require.Len(t, ws.History, 2)
	assert.Equal(t, StateCreated, ws.History[1].Source)
	assert.Equal(t, StateRunning, ws.History[1].Target)

	// current_state always equals the last transition's target.
	last := ws.History[len(ws.History)-1]
	assert.Equal(t, ws.CurrentState, last.Target)
}

func TestUpdateStateUnknownWorkflow(t *testing.T) {
	m := newTestManager(t)

	_, err := m.UpdateState(context.Background(), "nope", StateRunning, nil)
	require.Error(t, err)
}

func TestUpdateMetadataMerges(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.Create(ctx, "wf-1", StateCreated, map[string]interface{}{"a": 1})
	require.NoError(t, err)

	ws, err := m.UpdateMetadata(ctx, "wf-1", map[string]interface{}{"b": 2})
	require.NoError(t, err)
	assert.Equal(t, 1, ws.Metadata["a"])
	assert.Equal(t, 2, ws.Metadata["b"])
}

func TestBroadcastOrderPerWorkflow(t *testing.T) {
	ctx := context.Background()
	broadcaster := notify.NewBroadcaster(nil)

	var states []string
	broadcaster.Subscribe(TopicStatusUpdate, func(topic string, message map[string]interface{}) {
		states = append(states, message["current_state"].(string))
	})

	m, err := NewManager(ManagerConfig{Notifier: broadcaster})
	require.NoError(t, err)

	_, err = m.Create(ctx, "wf-1", StateCreated, nil)
	require.NoError(t, err)
	for _, s := range []WorkflowState{StateQueued, StateRunning, StateCompleted} {
		_, err = m.UpdateState(ctx, "wf-1", s, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"created", "queued", "running", "completed"}, states)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.Create(ctx, "wf-a", StateRunning, map[string]interface{}{"env": "prod"})
	require.NoError(t, err)
	_, err = m.Create(ctx, "wf-b", StateCompleted, map[string]interface{}{"env": "dev"})
	require.NoError(t, err)
	_, err = m.Create(ctx, "wf-c", StateFailed, nil)
	require.NoError(t, err)

	assert.Len(t, m.GetActive(), 1)
	assert.Len(t, m.GetCompleted(), 1)
	assert.Len(t, m.GetFailed(), 1)
	assert.Len(t, m.GetByState(StateRunning), 1)

	byMeta := m.GetByMetadata("env", "prod")
	require.Len(t, byMeta, 1)
	assert.Equal(t, "wf-a", byMeta[0].WorkflowID)

	counts := m.GetCount()
	assert.Equal(t, 1, counts[StateRunning])
	assert.Equal(t, 1, counts[StateCompleted])
	assert.Equal(t, 1, counts[StateFailed])
}

func TestClearCompleted(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.Create(ctx, "wf-done", StateCompleted, nil)
	require.NoError(t, err)
	_, err = m.Create(ctx, "wf-live", StateRunning, nil)
	require.NoError(t, err)

	purged := m.ClearCompleted(0)
	assert.Equal(t, 1, purged)
	assert.Nil(t, m.Get("wf-done"))
	assert.NotNil(t, m.Get("wf-live"))
}

func TestClearCompletedHonorsAge(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.Create(ctx, "wf-done", StateCompleted, nil)
	require.NoError(t, err)

	purged := m.ClearCompleted(7)
	assert.Equal(t, 0, purged, "recent terminal workflows survive an age-bounded purge")
}

func TestPersistenceAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, err := NewManager(ManagerConfig{StatusDir: dir})
	require.NoError(t, err)
	_, err = m.Create(ctx, "wf-1", StateCreated, map[string]interface{}{"task_id": "t1"})
	require.NoError(t, err)
	_, err = m.UpdateState(ctx, "wf-1", StateRunning, nil)
	require.NoError(t, err)

	reopened, err := NewManager(ManagerConfig{StatusDir: dir})
	require.NoError(t, err)

	ws := reopened.Get("wf-1")
	require.NotNil(t, ws)
	assert.Equal(t, StateRunning, ws.CurrentState)
	require.Len(t, ws.History, 2)
	assert.WithinDuration(t, time.Now(), ws.UpdatedAt, time.Minute)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	ws, err := m.Create(ctx, "wf-1", StateCreated, map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	ws.Metadata["k"] = "mutated"
	ws.History[0].Target = StateFailed

	fresh := m.Get("wf-1")
	assert.Equal(t, "v", fresh.Metadata["k"])
	assert.Equal(t, StateCreated, fresh.History[0].Target)
}
