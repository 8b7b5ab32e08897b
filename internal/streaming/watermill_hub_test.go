package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewGoChannelHub(nil)
	defer hub.Close()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		ActionID:    "act-1",
		ProcessName: "onboard-file",
		EventType:   "action_approved",
		Payload:     json.RawMessage(`{"from":"REQUESTED","to":"APPROVED"}`),
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, event.ActionID, got.ActionID)
	assert.Equal(t, event.ProcessName, got.ProcessName)
	assert.Equal(t, event.EventType, got.EventType)
	assert.JSONEq(t, string(event.Payload), string(got.Payload))
}

func TestFilterByActionAndType(t *testing.T) {
	hub := NewGoChannelHub(nil)
	defer hub.Close()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ActionID: "act-1", EventTypes: []string{"action_claimed"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ActionID: "act-2", EventType: "action_claimed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ActionID: "act-1", EventType: "action_created"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ActionID: "act-1", EventType: "action_claimed"}))

	got := receive(t, ch)
	assert.Equal(t, "act-1", got.ActionID)
	assert.Equal(t, "action_claimed", got.EventType)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewGoChannelHub(nil)
	defer hub.Close()
	ctx := context.Background()

	const n = 3
	chans := make([]<-chan StreamEvent, n)
	for i := range chans {
		ch, cancel, err := hub.Subscribe(ctx, EventFilter{ProcessName: "onboard-file"})
		require.NoError(t, err)
		defer cancel()
		chans[i] = ch
	}

	require.NoError(t, hub.Publish(ctx, StreamEvent{ActionID: "a", ProcessName: "onboard-file", EventType: "action_created"}))

	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch <-chan StreamEvent) {
			defer wg.Done()
			select {
			case got := <-ch:
				assert.Equal(t, "a", got.ActionID)
			case <-time.After(time.Second):
				t.Error("timed out")
			}
		}(ch)
	}
	wg.Wait()
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewGoChannelHub(nil)
	defer hub.Close()

	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewGoChannelHub(nil)
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{ActionID: "a"}), context.Canceled)

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
