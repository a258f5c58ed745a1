package serialization

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		evt  events.DomainEvent
	}{
		{
			name: "archive command",
			evt:  recoverability.ArchiveAllInGroup{GroupID: "G1", Requested: at},
		},
		{
			name: "unarchive batch completed keeps its kind",
			evt: recoverability.OperationBatchCompleted{
				Kind:        recoverability.KindUnarchive,
				RequestID:   "G1",
				ArchiveType: recoverability.ArchiveTypeFailureGroup,
				Progress:    recoverability.ArchiveProgress{Percentage: 0.4, Total: 2500, Done: 1000, Remaining: 1500},
				StartTime:   at,
				Last:        at.Add(time.Second),
			},
		},
		{
			name: "batch unarchived ids",
			evt:  recoverability.FailedMessageGroupBatchUnarchived{FailedMessageIDs: []string{"a", "b"}, At: at},
		},
		{
			name: "missing heartbeat nomination",
			evt: monitoring.RegisterPotentiallyMissingHeartbeats{
				EndpointInstanceID: uuid.MustParse("6f1d8a52-0c7e-4d8b-9a55-2f3e41c0b7aa"),
				DetectedAt:         at,
				LastHeartbeatAt:    at.Add(-time.Minute),
			},
		},
		{
			name: "endpoint failed",
			evt: monitoring.EndpointFailedToHeartbeat{
				Endpoint:       monitoring.EndpointDetails{Name: "Sales", Host: "h1", HostID: "id-1"},
				LastReceivedAt: at.Add(-time.Minute),
				DetectedAt:     at,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := SerializeEventEnvelope(tt.evt.EventType(), tt.evt)
			require.NoError(t, err)

			et, got, err := DeserializeEventEnvelope(data)
			require.NoError(t, err)
			assert.Equal(t, tt.evt.EventType(), et)
			assert.Equal(t, tt.evt, got)
		})
	}
}

func TestDeserializeEventEnvelope_Errors(t *testing.T) {
	t.Run("garbage", func(t *testing.T) {
		_, _, err := DeserializeEventEnvelope([]byte{0xff, 0xff, 0xff})
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})

	t.Run("unknown type", func(t *testing.T) {
		data, err := SerializeEventEnvelope("SomethingElse", map[string]any{"a": 1})
		require.NoError(t, err)

		et, _, err := DeserializeEventEnvelope(data)
		assert.ErrorIs(t, err, ErrUnknownEventType)
		assert.Equal(t, events.EventType("SomethingElse"), et)
	})

	t.Run("missing payload", func(t *testing.T) {
		s, err := structpb.NewStruct(map[string]any{fieldEventType: "ArchiveAllInGroup"})
		require.NoError(t, err)
		data, err := proto.Marshal(s)
		require.NoError(t, err)

		_, _, err = DeserializeEventEnvelope(data)
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})
}

func TestSerializeEventEnvelope_RejectsNonObjects(t *testing.T) {
	_, err := SerializeEventEnvelope("X", nil)
	assert.Error(t, err)

	_, err = SerializeEventEnvelope("X", []string{"a"})
	assert.Error(t, err)
}
