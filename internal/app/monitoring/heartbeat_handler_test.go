package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
)

func TestEndpointHeartbeatHandler_FirstHeartbeatDetectsEndpoint(t *testing.T) {
	ctx := context.Background()
	h := newMonitoringHarness(t)

	cmd := heartbeatAt("Sales", "host-1", "h-1", testEpoch)
	require.NoError(t, h.heartbeats.Handle(ctx, cmd))

	hb, err := h.store.LoadHeartbeat(ctx, cmd.Details().ID())
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, monitoring.StatusBeating, hb.ReportedStatus)
	assert.True(t, hb.LastReportAt.Equal(testEpoch))

	detected := h.publisher.ofType(monitoring.EventTypeHeartbeatingEndpointDetected)
	require.Len(t, detected, 1)
	assert.Equal(t, cmd.Details(), detected[0].(monitoring.HeartbeatingEndpointDetected).Endpoint)

	assert.Equal(t, monitoring.HeartbeatsStats{Active: 1}, h.provider.Stats())
	assert.True(t, h.monitor.Tracked(hb.ID))
	assert.Equal(t, 1, h.metrics.received)

	// A second heartbeat is not another detection.
	require.NoError(t, h.heartbeats.Handle(ctx, heartbeatAt("Sales", "host-1", "h-1", testEpoch.Add(10*time.Second))))
	assert.Len(t, h.publisher.ofType(monitoring.EventTypeHeartbeatingEndpointDetected), 1)
}

func TestEndpointHeartbeatHandler_OutOfOrderHeartbeatIsIgnored(t *testing.T) {
	ctx := context.Background()
	h := newMonitoringHarness(t)

	require.NoError(t, h.heartbeats.Handle(ctx, heartbeatAt("Sales", "host-1", "h-1", testEpoch)))
	require.NoError(t, h.heartbeats.Handle(ctx, heartbeatAt("Sales", "host-1", "h-1", testEpoch.Add(-time.Second))))

	hb, err := h.store.LoadHeartbeat(ctx, monitoring.HeartbeatID("Sales", "h-1"))
	require.NoError(t, err)
	assert.True(t, hb.LastReportAt.Equal(testEpoch))
	assert.EqualValues(t, 1, hb.Version, "the stale heartbeat is not written")
	assert.Equal(t, 1, h.metrics.dropped[dropReasonOutOfOrder])
}

func TestEndpointHeartbeatHandler_DuplicateTimestampIsIgnored(t *testing.T) {
	ctx := context.Background()
	h := newMonitoringHarness(t)

	cmd := heartbeatAt("Sales", "host-1", "h-1", testEpoch)
	require.NoError(t, h.heartbeats.Handle(ctx, cmd))
	require.NoError(t, h.heartbeats.Handle(ctx, cmd))

	assert.Equal(t, 1, h.metrics.received)
	assert.Equal(t, 1, h.metrics.dropped[dropReasonOutOfOrder])
}

func TestEndpointHeartbeatHandler_RestoresDeadEndpoint(t *testing.T) {
	ctx := context.Background()
	h := newMonitoringHarness(t)

	cmd := heartbeatAt("Sales", "host-1", "h-1", testEpoch)
	require.NoError(t, h.heartbeats.Handle(ctx, cmd))
	require.NoError(t, h.missing.Handle(ctx, monitoring.RegisterPotentiallyMissingHeartbeats{
		EndpointInstanceID: cmd.Details().ID(),
		DetectedAt:         testEpoch.Add(time.Minute),
		LastHeartbeatAt:    testEpoch,
	}))
	assert.Equal(t, monitoring.HeartbeatsStats{Dead: 1}, h.provider.Stats())

	require.NoError(t, h.heartbeats.Handle(ctx, heartbeatAt("Sales", "host-1", "h-1", testEpoch.Add(2*time.Minute))))

	restored := h.publisher.ofType(monitoring.EventTypeEndpointHeartbeatRestored)
	require.Len(t, restored, 1)
	assert.True(t, restored[0].(monitoring.EndpointHeartbeatRestored).RestoredAt.Equal(testEpoch.Add(2*time.Minute)))
	assert.Len(t, h.publisher.ofType(monitoring.EventTypeHeartbeatingEndpointDetected), 1)
	assert.Equal(t, monitoring.HeartbeatsStats{Active: 1}, h.provider.Stats())
	assert.Equal(t, 1, h.metrics.restored)
}

func TestEndpointHeartbeatHandler_DisabledEndpointIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newMonitoringHarness(t)

	cmd := heartbeatAt("Sales", "host-1", "h-1", testEpoch)
	require.NoError(t, h.heartbeats.Handle(ctx, cmd))
	require.NoError(t, h.toggle.Handle(ctx, monitoring.ToggleEndpointMonitoring{
		EndpointInstanceID: cmd.Details().ID(),
		Enabled:            false,
	}))

	require.NoError(t, h.heartbeats.Handle(ctx, heartbeatAt("Sales", "host-1", "h-1", testEpoch.Add(time.Minute))))

	hb, err := h.store.LoadHeartbeat(ctx, cmd.Details().ID())
	require.NoError(t, err)
	assert.True(t, hb.LastReportAt.Equal(testEpoch))
	assert.Equal(t, 1, h.metrics.dropped[dropReasonDisabled])
	assert.False(t, h.monitor.Tracked(hb.ID))
}

func TestEndpointHeartbeatHandler_RejectsInvalidHeartbeat(t *testing.T) {
	tests := []struct {
		name string
		cmd  monitoring.EndpointHeartbeat
	}{
		{name: "missing endpoint name", cmd: heartbeatAt("", "host-1", "h-1", testEpoch)},
		{name: "missing host", cmd: heartbeatAt("Sales", "", "h-1", testEpoch)},
		{name: "missing host id", cmd: heartbeatAt("Sales", "host-1", "", testEpoch)},
		{name: "missing timestamp", cmd: heartbeatAt("Sales", "host-1", "h-1", time.Time{})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newMonitoringHarness(t)
			err := h.heartbeats.Handle(context.Background(), tt.cmd)
			assert.ErrorIs(t, err, monitoring.ErrInvalidHeartbeat)
			assert.Zero(t, h.publisher.count())
			assert.Empty(t, h.provider.Endpoints())
		})
	}
}

func TestEndpointHeartbeatHandler_PublishFailureLeavesDocumentUntouched(t *testing.T) {
	ctx := context.Background()
	h := newMonitoringHarness(t)
	boom := errors.New("broker down")
	h.publisher.setErr(boom)

	cmd := heartbeatAt("Sales", "host-1", "h-1", testEpoch)
	err := h.heartbeats.Handle(ctx, cmd)
	require.ErrorIs(t, err, boom)

	hb, err := h.store.LoadHeartbeat(ctx, cmd.Details().ID())
	require.NoError(t, err)
	assert.Nil(t, hb, "redelivery must detect the endpoint again")
}
