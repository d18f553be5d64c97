package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_PublishSubscribe(t *testing.T) {
	m := NewMemory(nil)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, cleanup := m.Subscribe(ctx, OperationTopic("op-1"))
	defer cleanup()

	ev := OperationStatusEvent{
		Type:        EventTypeOperationStatus,
		OperationID: "op-1",
		Status:      "running",
		Timestamp:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, m.Publish(ctx, OperationTopic("op-1"), ev))

	select {
	case raw := <-ch:
		var got OperationStatusEvent
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestMemory_TopicIsolation(t *testing.T) {
	m := NewMemory(nil)
	defer m.Close()

	ctx := context.Background()
	ch, cleanup := m.Subscribe(ctx, OperationTopic("op-a"))
	defer cleanup()

	require.NoError(t, m.Publish(ctx, OperationTopic("op-b"), map[string]string{"x": "y"}))

	select {
	case <-ch:
		t.Fatal("received message for a different topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_CleanupIdempotent(t *testing.T) {
	m := NewMemory(nil)
	defer m.Close()

	_, cleanup := m.Subscribe(context.Background(), TopicOperations)
	cleanup()
	cleanup() // second call must not panic
}

func TestMemory_PublishAfterClose(t *testing.T) {
	m := NewMemory(nil)
	require.NoError(t, m.Close())
	assert.NoError(t, m.Publish(context.Background(), TopicOperations, "x"))
}
