package monitoring

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
)

func TestHeartbeatStatusProvider_AdoptsHostIDForLegacyEntry(t *testing.T) {
	ctx := context.Background()
	p := NewHeartbeatStatusProvider(nil)

	p.RegisterHeartbeatingEndpoint(ctx, monitoring.EndpointDetails{Name: "e1", Host: "h1"})
	stats := p.RegisterHeartbeatingEndpoint(ctx, monitoring.EndpointDetails{Name: "e1", Host: "h1", HostID: "id-1"})

	eps := p.Endpoints()
	require.Len(t, eps, 1, "entry is updated, not duplicated")
	assert.Equal(t, "id-1", eps[0].HostID)
	assert.Equal(t, monitoring.HeartbeatsStats{Active: 1}, stats)

	// An exact lookup by the adopted HostID finds the same entry even if the host moved.
	p.RegisterEndpointThatFailedToHeartbeat(ctx, monitoring.EndpointDetails{Name: "e1", Host: "h2", HostID: "id-1"})
	eps = p.Endpoints()
	require.Len(t, eps, 1)
	assert.False(t, eps[0].Active)
}

func TestHeartbeatStatusProvider_MatchingRule(t *testing.T) {
	ctx := context.Background()
	p := NewHeartbeatStatusProvider(nil)

	p.RegisterHeartbeatingEndpoint(ctx, monitoring.EndpointDetails{Name: "e1", Host: "h1", HostID: "A"})
	p.RegisterHeartbeatingEndpoint(ctx, monitoring.EndpointDetails{Name: "e1", Host: "h1", HostID: "B"})
	assert.Len(t, p.Endpoints(), 2, "different HostIDs are different instances")

	p.RegisterHeartbeatingEndpoint(ctx, monitoring.EndpointDetails{Name: "e1", Host: "h1"})
	assert.Len(t, p.Endpoints(), 2, "no HostID matches on host and name")

	p.RegisterHeartbeatingEndpoint(ctx, monitoring.EndpointDetails{Name: "e2", Host: "h1"})
	assert.Len(t, p.Endpoints(), 3)
}

func TestHeartbeatStatusProvider_Stats(t *testing.T) {
	ctx := context.Background()
	p := NewHeartbeatStatusProvider(nil)
	a := monitoring.EndpointDetails{Name: "a", Host: "h", HostID: "1"}
	b := monitoring.EndpointDetails{Name: "b", Host: "h", HostID: "2"}
	c := monitoring.EndpointDetails{Name: "c", Host: "h", HostID: "3"}

	assert.Equal(t, monitoring.HeartbeatsStats{}, p.RegisterNewEndpoint(ctx, c), "new endpoints are not monitored")
	p.RegisterHeartbeatingEndpoint(ctx, a)
	assert.Equal(t, monitoring.HeartbeatsStats{Active: 1, Dead: 1}, p.RegisterEndpointThatFailedToHeartbeat(ctx, b))

	assert.Equal(t, monitoring.HeartbeatsStats{Active: 0, Dead: 1}, p.DisableMonitoring(ctx, a))
	assert.Equal(t, monitoring.HeartbeatsStats{Active: 1, Dead: 1}, p.EnableMonitoring(ctx, a), "toggling keeps Active")

	p.RegisterNewEndpoint(ctx, a)
	assert.Equal(t, monitoring.HeartbeatsStats{Active: 1, Dead: 1}, p.Stats(), "re-registering an existing endpoint changes nothing")
}

func TestHeartbeatStatusProvider_ConcurrentUse(t *testing.T) {
	ctx := context.Background()
	p := NewHeartbeatStatusProvider(nil)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := monitoring.EndpointDetails{Name: fmt.Sprintf("e%d", i%10), Host: "h", HostID: fmt.Sprintf("%d", i%10)}
			p.RegisterHeartbeatingEndpoint(ctx, d)
			_ = p.Stats()
		}()
	}
	wg.Wait()

	assert.Equal(t, monitoring.HeartbeatsStats{Active: 10}, p.Stats())
}

func TestHeartbeatStatusProvider_PublishesGauges(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics, err := NewHeartbeatMetrics(metricnoop.NewMeterProvider(), reg)
	require.NoError(t, err)

	p := NewHeartbeatStatusProvider(metrics)
	p.RegisterHeartbeatingEndpoint(ctx, monitoring.EndpointDetails{Name: "a", Host: "h", HostID: "1"})
	p.RegisterEndpointThatFailedToHeartbeat(ctx, monitoring.EndpointDetails{Name: "b", Host: "h", HostID: "2"})

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.activeEndpoints), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.deadEndpoints), 0)

	_, err = NewHeartbeatMetrics(metricnoop.NewMeterProvider(), reg)
	assert.Error(t, err, "gauges can only be registered once per registry")
}
