package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/servicecontrol/internal/domain/events"
)

const (
	typeA events.EventType = "A"
	typeB events.EventType = "B"
)

func TestPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()

	var got []events.EventEnvelope
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{typeA}, func(_ context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
		got = append(got, evt)
		ack(nil)
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA, Payload: "one"}, events.WithKey("k1")))
	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeB, Payload: "ignored"}))
	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA, Payload: "two"}))

	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Payload)
	assert.Equal(t, "k1", got[0].Key)
	assert.Less(t, got[0].Metadata.Offset, got[1].Metadata.Offset)
}

func TestMultipleSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()

	var order []int
	for i := range 3 {
		require.NoError(t, bus.Subscribe(ctx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope, events.AckFunc) error {
			order = append(order, i)
			return nil
		}))
	}

	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA}))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestHandlerError(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()
	expectedErr := errors.New("handler error")

	var secondCalled bool
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope, events.AckFunc) error {
		return expectedErr
	}))
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope, events.AckFunc) error {
		secondCalled = true
		return nil
	}))

	err := bus.Publish(ctx, events.EventEnvelope{Type: typeA})
	assert.ErrorIs(t, err, expectedErr)
	assert.False(t, secondCalled)
}

func TestHandlerMayPublish(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()

	var gotB bool
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{typeA}, func(ctx context.Context, _ events.EventEnvelope, _ events.AckFunc) error {
		return bus.Publish(ctx, events.EventEnvelope{Type: typeB})
	}))
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{typeB}, func(context.Context, events.EventEnvelope, events.AckFunc) error {
		gotB = true
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA}))
	assert.True(t, gotB)
}

func TestConcurrentPublish(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx := context.Background()

	var mu sync.Mutex
	var count int
	for range 5 {
		require.NoError(t, bus.Subscribe(ctx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope, events.AckFunc) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		}))
	}

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA}))
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, count)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	subCtx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var calls int
	require.NoError(t, bus.Subscribe(subCtx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope, events.AckFunc) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}))
	cancel()

	assert.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subs) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), events.EventEnvelope{Type: typeA}))
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestContextCancellationAndClose(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA}), context.Canceled)
	assert.ErrorIs(t, bus.Subscribe(ctx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope, events.AckFunc) error { return nil }), context.Canceled)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), events.EventEnvelope{Type: typeA}), ErrBusClosed)
	assert.ErrorIs(t, bus.Subscribe(context.Background(), []events.EventType{typeA}, func(context.Context, events.EventEnvelope, events.AckFunc) error { return nil }), ErrBusClosed)
}
