package relaygraph

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisBus(t *testing.T, mr *miniredis.Miniredis) *RedisEventBus {
	t.Helper()
	bus := NewRedisEventBus(redis.NewClient(&redis.Options{Addr: mr.Addr()}), RedisEventBusOptions{Prefix: "test:"})
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func startRelay(t *testing.T, bus *RedisEventBus, local Publisher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Relay(ctx, local) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Errorf("relay did not stop")
		}
	})
}

func TestRedisEventBusRelaysEventsFromOtherProcesses(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	server := newMiniredisBus(t, mr)
	scheduler := newMiniredisBus(t, mr)
	local := &recordingPublisher{}
	startRelay(t, server, local)

	event := ChangeEvent{
		EventID:     "01J0000000000000000000000",
		WorkspaceID: "ws_1",
		ChangeKind:  ChangeAdded,
		AffectedIDs: []string{"1", "2"},
		OccurredAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.Eventually(t, func() bool {
		scheduler.Publish(event)
		return len(local.snapshot()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	got := local.snapshot()[0]
	assert.Equal(t, event.WorkspaceID, got.WorkspaceID)
	assert.Equal(t, event.ChangeKind, got.ChangeKind)
	assert.Equal(t, event.AffectedIDs, got.AffectedIDs)
	assert.True(t, event.OccurredAt.Equal(got.OccurredAt))
}

func TestRedisEventBusSkipsItsOwnEvents(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	bus := newMiniredisBus(t, mr)
	other := newMiniredisBus(t, mr)
	local := &recordingPublisher{}
	startRelay(t, bus, local)

	// Wait for the subscription through a foreign event, then publish our own.
	require.Eventually(t, func() bool {
		other.Publish(ChangeEvent{WorkspaceID: "ws_other", ChangeKind: ChangeRemoved})
		return len(local.snapshot()) > 0
	}, 2*time.Second, 20*time.Millisecond)
	before := len(local.snapshot())

	bus.Publish(ChangeEvent{WorkspaceID: "ws_self", ChangeKind: ChangeAdded})
	time.Sleep(50 * time.Millisecond)
	for _, event := range local.snapshot()[before:] {
		assert.NotEqual(t, "ws_self", event.WorkspaceID)
	}
}

func TestPublishersFanOutInOrder(t *testing.T) {
	first := &recordingPublisher{}
	second := &recordingPublisher{}
	Publishers{first, nil, second}.Publish(ChangeEvent{WorkspaceID: "ws_1", ChangeKind: ChangeUpdated})

	assert.Len(t, first.snapshot(), 1)
	assert.Len(t, second.snapshot(), 1)
}
