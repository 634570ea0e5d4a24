package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsStableUnderKeyPermutation(t *testing.T) {
	a := map[string]interface{}{
		"alpha": 1,
		"beta":  []interface{}{"x", "y"},
		"gamma": map[string]interface{}{"inner": true, "other": "v"},
	}
	b := map[string]interface{}{
		"gamma": map[string]interface{}{"other": "v", "inner": true},
		"beta":  []interface{}{"x", "y"},
		"alpha": 1,
	}

	k1, err := Key("t1", "containerized_workflow", a)
	require.NoError(t, err)
	k2, err := Key("t1", "containerized_workflow", b)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestKeyVariesWithInputs(t *testing.T) {
	params := map[string]interface{}{"a": 1}

	base, err := Key("t1", "wf", params)
	require.NoError(t, err)

	otherTask, err := Key("t2", "wf", params)
	require.NoError(t, err)
	otherType, err := Key("t1", "other", params)
	require.NoError(t, err)
	otherParams, err := Key("t1", "wf", map[string]interface{}{"a": 2})
	require.NoError(t, err)

	assert.NotEqual(t, base, otherTask)
	assert.NotEqual(t, base, otherType)
	assert.NotEqual(t, base, otherParams)
}

func TestCanonicalJSONSortsNestedKeys(t *testing.T) {
	out, err := CanonicalJSON(map[string]interface{}{
		"b": map[string]interface{}{"d": 1, "c": 2},
		"a": []interface{}{map[string]interface{}{"z": 1, "y": 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[{"y":2,"z":1}],"b":{"c":2,"d":1}}`, string(out))
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(nil)

	value := map[string]interface{}{"success": true, "result": "ok"}
	require.NoError(t, c.Set(ctx, "k1", value))

	got, hit, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, value, got)

	_, hit, err = c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(&MemoryCacheConfig{TTL: 30 * time.Millisecond})

	require.NoError(t, c.Set(ctx, "k1", map[string]interface{}{"v": 1}))

	_, hit, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, hit)

	time.Sleep(50 * time.Millisecond)

	_, hit, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, hit, "expired entry must be reported absent")

	stats := c.Stats()
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestMemoryCacheDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(nil)

	require.NoError(t, c.Set(ctx, "k1", map[string]interface{}{"v": 1}))
	require.NoError(t, c.Set(ctx, "k2", map[string]interface{}{"v": 2}))

	require.NoError(t, c.Delete(ctx, "k1"))
	_, hit, _ := c.Get(ctx, "k1")
	assert.False(t, hit)

	require.NoError(t, c.Clear(ctx))
	entries, err := c.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryCacheAllSkipsExpired(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(&MemoryCacheConfig{TTL: 30 * time.Millisecond})

	require.NoError(t, c.Set(ctx, "old", map[string]interface{}{"v": 1}))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Set(ctx, "fresh", map[string]interface{}{"v": 2}))

	entries, err := c.All(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Key)
}

func TestMemoryCacheStats(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(nil)

	require.NoError(t, c.Set(ctx, "k1", map[string]interface{}{"v": 1}))
	c.Get(ctx, "k1")
	c.Get(ctx, "k1")
	c.Get(ctx, "nope")

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}
