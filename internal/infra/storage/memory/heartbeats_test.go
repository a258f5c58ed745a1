package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
)

func TestStore_HeartbeatVersioning(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	details := monitoring.EndpointDetails{Name: "Sales", Host: "box", HostID: "h1"}

	hb := monitoring.NewHeartbeat(details, monitoring.StatusBeating)
	hb.LastReportAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.StoreHeartbeat(ctx, hb))
	assert.EqualValues(t, 1, hb.Version)

	dup := monitoring.NewHeartbeat(details, monitoring.StatusBeating)
	assert.ErrorIs(t, s.StoreHeartbeat(ctx, dup), monitoring.ErrConcurrencyConflict)

	loaded, err := s.LoadHeartbeat(ctx, details.ID())
	require.NoError(t, err)
	stale := loaded.Clone()

	loaded.ReportedStatus = monitoring.StatusDead
	require.NoError(t, s.StoreHeartbeat(ctx, loaded))
	assert.ErrorIs(t, s.StoreHeartbeat(ctx, stale), monitoring.ErrConcurrencyConflict)

	missing, err := s.LoadHeartbeat(ctx, monitoring.HeartbeatID("Other", "h9"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_StreamHeartbeats(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	for _, name := range []string{"A", "B", "C"} {
		require.NoError(t, s.StoreHeartbeat(ctx,
			monitoring.NewHeartbeat(monitoring.EndpointDetails{Name: name, Host: "box", HostID: "h"}, monitoring.StatusNew)))
	}

	var seen []string
	require.NoError(t, s.StreamHeartbeats(ctx, func(hb *monitoring.Heartbeat) error {
		seen = append(seen, hb.EndpointDetails.Name)
		return nil
	}))
	assert.ElementsMatch(t, []string{"A", "B", "C"}, seen)

	stop := errors.New("stop")
	err := s.StreamHeartbeats(ctx, func(*monitoring.Heartbeat) error { return stop })
	assert.ErrorIs(t, err, stop)
}
