package monitoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
	"github.com/ahrav/servicecontrol/internal/infra/storage/memory"
	"github.com/ahrav/servicecontrol/pkg/common/logger"
	"github.com/ahrav/servicecontrol/pkg/common/timeutil"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	err    error
}

func (p *recordingPublisher) PublishDomainEvent(_ context.Context, evt events.DomainEvent, _ ...events.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) ofType(et events.EventType) []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.DomainEvent
	for _, e := range p.events {
		if e.EventType() == et {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *recordingPublisher) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type fakeMetrics struct {
	mu        sync.Mutex
	received  int
	dropped   map[string]int
	nominated int
	failed    int
	restored  int
	lastStats monitoring.HeartbeatsStats
}

func newFakeMetrics() *fakeMetrics { return &fakeMetrics{dropped: make(map[string]int)} }

func (m *fakeMetrics) ObserveHeartbeatStats(_ context.Context, s monitoring.HeartbeatsStats) {
	m.mu.Lock()
	m.lastStats = s
	m.mu.Unlock()
}

func (m *fakeMetrics) IncHeartbeatsReceived(context.Context) {
	m.mu.Lock()
	m.received++
	m.mu.Unlock()
}

func (m *fakeMetrics) IncHeartbeatsDropped(_ context.Context, reason string) {
	m.mu.Lock()
	m.dropped[reason]++
	m.mu.Unlock()
}

func (m *fakeMetrics) IncMissingCandidates(context.Context) {
	m.mu.Lock()
	m.nominated++
	m.mu.Unlock()
}

func (m *fakeMetrics) IncEndpointsFailed(context.Context) {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

func (m *fakeMetrics) IncEndpointsRestored(context.Context) {
	m.mu.Lock()
	m.restored++
	m.mu.Unlock()
}

// monitoringHarness wires every monitoring component over a memory store.
type monitoringHarness struct {
	store     *memory.Store
	provider  *HeartbeatStatusProvider
	monitor   *HeartbeatsMonitor
	publisher *recordingPublisher
	metrics   *fakeMetrics
	clock     *timeutil.Mock

	heartbeats *EndpointHeartbeatHandler
	missing    *PotentiallyMissingHeartbeatsHandler
	toggle     *ToggleEndpointMonitoringHandler
	startup    *StartupReconciler
}

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newMonitoringHarness(t *testing.T) *monitoringHarness {
	t.Helper()
	tracer := noop.NewTracerProvider().Tracer("test")
	log := logger.Noop()

	h := &monitoringHarness{
		store:     memory.NewStore(),
		publisher: new(recordingPublisher),
		metrics:   newFakeMetrics(),
		clock:     timeutil.NewMock(testEpoch),
	}
	h.provider = NewHeartbeatStatusProvider(h.metrics)
	h.monitor = NewHeartbeatsMonitor(h.publisher, h.metrics,
		MonitorConfig{ScanInterval: time.Second, GracePeriod: 40 * time.Second}, tracer, log)
	h.monitor.timeProvider = h.clock

	h.heartbeats = NewEndpointHeartbeatHandler(h.store, h.provider, h.monitor, h.publisher, h.metrics, tracer, log)
	h.missing = NewPotentiallyMissingHeartbeatsHandler(h.store, h.provider, h.monitor, h.publisher, h.metrics, tracer, log)
	h.toggle = NewToggleEndpointMonitoringHandler(h.store, h.provider, h.monitor, h.publisher, tracer, log)
	h.toggle.timeProvider = h.clock
	h.startup = NewStartupReconciler(h.store, h.provider, h.monitor, tracer, log)
	return h
}

func heartbeatAt(name, host, hostID string, at time.Time) monitoring.EndpointHeartbeat {
	return monitoring.EndpointHeartbeat{EndpointName: name, Host: host, HostID: hostID, ExecutedAt: at}
}
