package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
)

type mockEventBus struct {
	publishFunc func(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error
}

func (m *mockEventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	return m.publishFunc(ctx, event, opts...)
}

func (m *mockEventBus) Subscribe(context.Context, []events.EventType, events.HandlerFunc) error {
	return nil
}

func (m *mockEventBus) Close() error { return nil }

type mockDomainEvent struct {
	eventType  events.EventType
	occurredAt time.Time
}

func (m mockDomainEvent) EventType() events.EventType { return m.eventType }
func (m mockDomainEvent) OccurredAt() time.Time { return m.occurredAt }

func TestDomainEventPublisher_WrapsEvent(t *testing.T) {
	event := mockDomainEvent{eventType: "test-event", occurredAt: time.Now()}

	var got events.EventEnvelope
	var params events.PublishParams
	pub := NewDomainEventPublisher(&mockEventBus{
		publishFunc: func(_ context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
			got = evt
			params = events.ApplyOptions(opts)
			return nil
		},
	})

	require.NoError(t, pub.PublishDomainEvent(context.Background(), event, events.WithKey("k1")))
	assert.Equal(t, event.EventType(), got.Type)
	assert.Equal(t, event.OccurredAt(), got.Timestamp)
	assert.Equal(t, event, got.Payload)
	assert.Equal(t, "k1", params.Key)
}

func TestDomainEventPublisher_KeysCommandsByID(t *testing.T) {
	var params events.PublishParams
	pub := NewDomainEventPublisher(&mockEventBus{
		publishFunc: func(_ context.Context, _ events.EventEnvelope, opts ...events.PublishOption) error {
			params = events.ApplyOptions(opts)
			return nil
		},
	})

	require.NoError(t, pub.PublishDomainEvent(context.Background(), recoverability.NewArchiveAllInGroup("G1")))
	assert.Equal(t, "G1", params.Key)
}

func TestDomainEventPublisher_PropagatesError(t *testing.T) {
	boom := errors.New("publish failed")
	pub := NewDomainEventPublisher(&mockEventBus{
		publishFunc: func(context.Context, events.EventEnvelope, ...events.PublishOption) error { return boom },
	})

	err := pub.PublishDomainEvent(context.Background(), mockDomainEvent{eventType: "x"})
	assert.ErrorIs(t, err, boom)
}
