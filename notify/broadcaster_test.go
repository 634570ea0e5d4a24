package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutInOrder(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx := context.Background()

	var first, second []int
	b.Subscribe("events", func(topic string, message map[string]interface{}) {
		first = append(first, message["n"].(int))
	})
	b.Subscribe("events", func(topic string, message map[string]interface{}) {
		second = append(second, message["n"].(int))
	})

	for n := 0; n < 5; n++ {
		require.NoError(t, b.Publish(ctx, "events", map[string]interface{}{"n": n}))
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, first)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, second)
}

func TestWildcardSubscriber(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx := context.Background()

	var topics []string
	b.Subscribe("", func(topic string, message map[string]interface{}) {
		topics = append(topics, topic)
	})

	require.NoError(t, b.Publish(ctx, "a", map[string]interface{}{}))
	require.NoError(t, b.Publish(ctx, "b", map[string]interface{}{}))

	assert.Equal(t, []string{"a", "b"}, topics)
}

func TestTopicsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx := context.Background()

	delivered := 0
	b.Subscribe("wanted", func(topic string, message map[string]interface{}) {
		delivered++
	})

	require.NoError(t, b.Publish(ctx, "other", map[string]interface{}{}))
	assert.Equal(t, 0, delivered)
}

func TestPanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	b := NewBroadcaster(nil)
	ctx := context.Background()

	delivered := false
	b.Subscribe("events", func(topic string, message map[string]interface{}) {
		panic("boom")
	})
	b.Subscribe("events", func(topic string, message map[string]interface{}) {
		delivered = true
	})

	require.NoError(t, b.Publish(ctx, "events", map[string]interface{}{}))
	assert.True(t, delivered)
}
