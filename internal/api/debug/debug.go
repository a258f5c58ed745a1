// Package debug serves the operational HTTP surface of the service: health
// probes, Prometheus metrics and pprof. Business routes live elsewhere.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ahrav/servicecontrol/pkg/common/logger"
)

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build string
	Log   *logger.Logger

	// Ready gates readiness until startup reconciliation has finished.
	Ready *atomic.Bool

	// Checks run on every readiness probe, keyed by dependency name.
	Checks map[string]CheckFunc

	// Gatherer defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

const checkTimeout = 2 * time.Second

// Mux constructs the debug handler with every route bound.
func Mux(cfg Config) http.Handler {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := mux.NewRouter()

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/liveness", liveness(cfg)).Methods(http.MethodGet)
	v1.HandleFunc("/readiness", readiness(cfg)).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/debug/pprof/", pprof.Index)
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)

	return otelhttp.NewHandler(r, "debug",
		otelhttp.WithFilter(func(req *http.Request) bool {
			return req.URL.Path != "/v1/liveness" && req.URL.Path != "/v1/readiness" && req.URL.Path != "/metrics"
		}),
	)
}

type healthResponse struct {
	Status string            `json:"status"`
	Build  string            `json:"build,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

func writeJSON(ctx context.Context, log *logger.Logger, w http.ResponseWriter, status int, body healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil && log != nil {
		log.Warn(ctx, "failed to write health response", "error", err)
	}
}

func liveness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), cfg.Log, w, http.StatusOK, healthResponse{Status: "ok", Build: cfg.Build})
	}
}

func readiness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if cfg.Ready != nil && !cfg.Ready.Load() {
			writeJSON(ctx, cfg.Log, w, http.StatusServiceUnavailable, healthResponse{Status: "starting"})
			return
		}

		resp := healthResponse{Status: "ready", Checks: make(map[string]string, len(cfg.Checks))}
		status := http.StatusOK
		for name, check := range cfg.Checks {
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			err := check(checkCtx)
			cancel()

			if err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "not ready"
				status = http.StatusServiceUnavailable
				if cfg.Log != nil {
					cfg.Log.Warn(ctx, "readiness check failed", "check", name, "error", err)
				}
				continue
			}
			resp.Checks[name] = "ok"
		}
		writeJSON(ctx, cfg.Log, w, status, resp)
	}
}

// ListenAndServe serves handler on addr until ctx is done, then shuts the
// server down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, log *logger.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "debug server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "failed to shutdown debug server", "error", err)
			return err
		}
		return nil
	}
}
