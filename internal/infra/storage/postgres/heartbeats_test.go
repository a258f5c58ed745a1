package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
)

func TestStore_HeartbeatVersioning(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupStoreTest(t)
	defer cleanup()

	details := monitoring.EndpointDetails{Name: "Sales", Host: "box", HostID: "h1"}

	fresh := monitoring.NewHeartbeat(details, monitoring.StatusNew)
	require.NoError(t, store.StoreHeartbeat(ctx, fresh))
	assert.EqualValues(t, 1, fresh.Version)

	loaded, err := store.LoadHeartbeat(ctx, details.ID())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.LastReportAt.IsZero(), "a never-seen endpoint has no report time")
	assert.Equal(t, details, loaded.EndpointDetails)

	dup := monitoring.NewHeartbeat(details, monitoring.StatusBeating)
	assert.ErrorIs(t, store.StoreHeartbeat(ctx, dup), monitoring.ErrConcurrencyConflict)

	stale := loaded.Clone()
	reportedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.True(t, loaded.Accept(details, reportedAt))
	loaded.ReportedStatus = monitoring.StatusBeating
	require.NoError(t, store.StoreHeartbeat(ctx, loaded))
	assert.EqualValues(t, 2, loaded.Version)
	assert.ErrorIs(t, store.StoreHeartbeat(ctx, stale), monitoring.ErrConcurrencyConflict)

	reloaded, err := store.LoadHeartbeat(ctx, details.ID())
	require.NoError(t, err)
	assert.Equal(t, monitoring.StatusBeating, reloaded.ReportedStatus)
	assert.True(t, reportedAt.Equal(reloaded.LastReportAt))

	ghost := monitoring.NewHeartbeat(monitoring.EndpointDetails{Name: "Ghost", HostID: "h9"}, monitoring.StatusDead)
	ghost.Version = 3
	assert.ErrorIs(t, store.StoreHeartbeat(ctx, ghost), monitoring.ErrHeartbeatNotFound)

	missing, err := store.LoadHeartbeat(ctx, monitoring.HeartbeatID("Other", "h9"))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_StreamHeartbeats(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupStoreTest(t)
	defer cleanup()

	for _, name := range []string{"A", "B", "C"} {
		require.NoError(t, store.StoreHeartbeat(ctx,
			monitoring.NewHeartbeat(monitoring.EndpointDetails{Name: name, Host: "box", HostID: "h"}, monitoring.StatusNew)))
	}

	var seen []string
	require.NoError(t, store.StreamHeartbeats(ctx, func(hb *monitoring.Heartbeat) error {
		seen = append(seen, hb.EndpointDetails.Name)
		return nil
	}))
	assert.ElementsMatch(t, []string{"A", "B", "C"}, seen)

	stop := errors.New("stop")
	err := store.StreamHeartbeats(ctx, func(*monitoring.Heartbeat) error { return stop })
	assert.ErrorIs(t, err, stop)
}
