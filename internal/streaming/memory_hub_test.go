package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/pkg/schema"
)

func controlEvent(executionID, eventType string) *schema.ControlEvent {
	return &schema.ControlEvent{
		ExecutionID: executionID,
		WorkflowID:  "wf-1",
		Type:        eventType,
		OccurredAt:  time.Now().UTC(),
	}
}

// --- Memory Hub Tests ---

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	event := controlEvent("exec-1", schema.EventStateChanged)
	event.FromState = schema.StateRunning
	event.ToState = schema.StatePaused

	require.NoError(t, hub.Publish(ctx, event))

	select {
	case got := <-ch:
		assert.Equal(t, "exec-1", got.ExecutionID)
		assert.Equal(t, schema.EventStateChanged, got.Type)
		assert.Equal(t, schema.StatePaused, got.ToState)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterByExecutionID(t *testing.T) {
	hub := NewMemoryHub(nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, controlEvent("exec-1", schema.EventControlAccepted)))
	require.NoError(t, hub.Publish(ctx, controlEvent("exec-2", schema.EventControlAccepted)))

	select {
	case got := <-ch:
		assert.Equal(t, "exec-1", got.ExecutionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	// Channel should be empty -- the exec-2 event was filtered out.
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub(nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{
		Types: []string{schema.EventStateChanged, schema.EventRetryExhausted},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, controlEvent("exec-1", schema.EventStateChanged)))
	require.NoError(t, hub.Publish(ctx, controlEvent("exec-1", schema.EventControlAccepted)))
	require.NoError(t, hub.Publish(ctx, controlEvent("exec-1", schema.EventRetryExhausted)))

	var received []string
	for i := 0; i < 2; i++ {
		select {
		case got := <-ch:
			received = append(received, got.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []string{schema.EventStateChanged, schema.EventRetryExhausted}, received)

	// No more events
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestFilterByWorkflowID(t *testing.T) {
	hub := NewMemoryHub(nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{WorkflowID: "wf-2"})
	require.NoError(t, err)
	defer cancel()

	matching := controlEvent("exec-1", schema.EventStateChanged)
	matching.WorkflowID = "wf-2"
	require.NoError(t, hub.Publish(ctx, controlEvent("exec-1", schema.EventStateChanged)))
	require.NoError(t, hub.Publish(ctx, matching))

	select {
	case got := <-ch:
		assert.Equal(t, "wf-2", got.WorkflowID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub(nil)
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel1()

	ch2, cancel2, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, controlEvent("exec-1", schema.EventControlAccepted)))

	for _, ch := range []<-chan *schema.ControlEvent{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "exec-1", got.ExecutionID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub(nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	// Cancel removes the subscriber. Idempotent.
	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, controlEvent("exec-1", schema.EventStateChanged)))

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event after cancel: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected: subscriber was removed
	}

	hub.mu.RLock()
	assert.Empty(t, hub.subs)
	hub.mu.RUnlock()
}

func TestBroadcast(t *testing.T) {
	hub := NewMemoryHub(nil)

	ch, cancel, err := hub.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer cancel()

	hub.Broadcast(controlEvent("exec-1", schema.EventCheckpointCreated))

	select {
	case got := <-ch:
		assert.Equal(t, schema.EventCheckpointCreated, got.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub(nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	// Fill the channel buffer (64) then publish more. None of these should
	// block.
	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, controlEvent("exec-1", schema.EventStateChanged)))
	}

	// We should be able to drain exactly defaultChannelBuffer events.
	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			goto done
		}
	}
done:
	assert.Equal(t, defaultChannelBuffer, drained)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub(nil)
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup

	cancels := make([]func(), goroutines)
	for i := 0; i < goroutines; i++ {
		_, cancel, err := hub.Subscribe(ctx, Filter{})
		require.NoError(t, err)
		cancels[i] = cancel
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	// Concurrent publishers
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = hub.Publish(ctx, controlEvent("exec-concurrent", schema.EventStateChanged))
			}
		}()
	}

	// Concurrent subscribers being added and removed
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, Filter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}

	wg.Wait()
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, controlEvent("exec-1", schema.EventStateChanged))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeCancelledContext(t *testing.T) {
	hub := NewMemoryHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}
