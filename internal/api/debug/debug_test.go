package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/servicecontrol/pkg/common/logger"
)

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, healthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body healthResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestLiveness(t *testing.T) {
	h := Mux(Config{Build: "test-build", Log: logger.Noop()})

	rec, body := get(t, h, "/v1/liveness")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "test-build", body.Build)
}

func TestReadiness(t *testing.T) {
	ready := &atomic.Bool{}
	var storeErr error
	h := Mux(Config{
		Log:   logger.Noop(),
		Ready: ready,
		Checks: map[string]CheckFunc{
			"storage": func(context.Context) error { return storeErr },
		},
	})

	rec, body := get(t, h, "/v1/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "starting", body.Status)

	ready.Store(true)
	rec, body = get(t, h, "/v1/readiness")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"storage": "ok"}, body.Checks)

	storeErr = errors.New("connection refused")
	rec, body = get(t, h, "/v1/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "connection refused", body.Checks["storage"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "endpoints_active", Help: "test"})
	reg.MustRegister(gauge)
	gauge.Set(3)

	h := Mux(Config{Log: logger.Noop(), Gatherer: reg})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "endpoints_active 3")
}

func TestPprofIndex(t *testing.T) {
	h := Mux(Config{Log: logger.Noop()})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ListenAndServe(ctx, "127.0.0.1:0", http.NotFoundHandler(), logger.Noop()) }()

	cancel()
	assert.NoError(t, <-done)
}
