package monitoring_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
)

func TestHeartbeatID_Deterministic(t *testing.T) {
	a := monitoring.HeartbeatID("Sales", "host-1")
	b := monitoring.HeartbeatID("Sales", "host-1")
	c := monitoring.HeartbeatID("Sales", "host-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, uuid.Nil, a)

	assert.NotEqual(t,
		monitoring.HeartbeatID("Sales1", "23"),
		monitoring.HeartbeatID("Sales", "123"),
		"name and host id boundaries are part of the id",
	)
}

func TestHeartbeat_Accept(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	details := monitoring.EndpointDetails{Name: "Sales", Host: "box", HostID: "h1"}
	hb := monitoring.NewHeartbeat(details, monitoring.StatusBeating)

	require.True(t, hb.Accept(details, t0))
	assert.Equal(t, t0, hb.LastReportAt)

	assert.False(t, hb.Accept(details, t0), "equal timestamp is out of sync")
	assert.False(t, hb.Accept(details, t0.Add(-time.Second)), "older timestamp is out of sync")

	moved := details
	moved.Host = "box2"
	require.True(t, hb.Accept(moved, t0.Add(time.Second)))
	assert.Equal(t, "box2", hb.EndpointDetails.Host)
}

func TestEndpointHeartbeat_ValidateCommand(t *testing.T) {
	valid := monitoring.EndpointHeartbeat{
		EndpointName: "Sales",
		Host:         "box",
		HostID:       "h1",
		ExecutedAt:   time.Now(),
	}
	require.NoError(t, valid.ValidateCommand())

	tests := []struct {
		name   string
		mutate func(*monitoring.EndpointHeartbeat)
	}{
		{name: "missing endpoint name", mutate: func(c *monitoring.EndpointHeartbeat) { c.EndpointName = "" }},
		{name: "missing host", mutate: func(c *monitoring.EndpointHeartbeat) { c.Host = "" }},
		{name: "missing host id", mutate: func(c *monitoring.EndpointHeartbeat) { c.HostID = "" }},
		{name: "missing executed at", mutate: func(c *monitoring.EndpointHeartbeat) { c.ExecutedAt = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := valid
			tt.mutate(&cmd)
			assert.ErrorIs(t, cmd.ValidateCommand(), monitoring.ErrInvalidHeartbeat)
		})
	}
}

func TestEndpointHeartbeat_CommandIDMatchesDocumentID(t *testing.T) {
	cmd := monitoring.EndpointHeartbeat{EndpointName: "Sales", Host: "box", HostID: "h1"}
	assert.Equal(t, monitoring.HeartbeatID("Sales", "h1").String(), cmd.CommandID())
}

func TestRegisterPotentiallyMissingHeartbeats_ValidateCommand(t *testing.T) {
	cmd := monitoring.RegisterPotentiallyMissingHeartbeats{DetectedAt: time.Now()}
	assert.Error(t, cmd.ValidateCommand())

	cmd.EndpointInstanceID = uuid.New()
	assert.NoError(t, cmd.ValidateCommand())
}
