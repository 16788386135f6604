package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumshield/backend/pkg/logger"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "channel closed")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestBusDeliversToTopicAndWildcard(t *testing.T) {
	bus := NewBus(logger.NewNop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topicCh, err := bus.Subscribe(ctx, "device.alert")
	require.NoError(t, err)
	allCh, err := bus.Subscribe(ctx, AllTopics)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "device.alert", map[string]any{"device_id": "d1"}))

	evt := receive(t, topicCh)
	assert.Equal(t, "device.alert", evt.Topic)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(evt.Payload, &payload))
	assert.Equal(t, "d1", payload["device_id"])

	wild := receive(t, allCh)
	assert.Equal(t, evt.ID, wild.ID)
}

func TestPublishRejectsEmptyTopic(t *testing.T) {
	bus := NewBus(logger.NewNop())
	defer bus.Close()
	assert.Error(t, bus.Publish(context.Background(), " ", nil))
	assert.Error(t, bus.Publish(context.Background(), AllTopics, nil))
}

func TestMatches(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"*", "block.produced", true},
		{"device.*", "device.alert", true},
		{"device.*", "devices.alert", false},
		{"block.produced", "block.produced", true},
		{"block.produced", "block.other", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Matches(tc.pattern, tc.topic), "%s vs %s", tc.pattern, tc.topic)
	}
}
