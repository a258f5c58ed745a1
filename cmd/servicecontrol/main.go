package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gootel "go.opentelemetry.io/otel"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/servicecontrol/internal/api/debug"
	"github.com/ahrav/servicecontrol/internal/app/commands"
	"github.com/ahrav/servicecontrol/internal/app/monitoring"
	"github.com/ahrav/servicecontrol/internal/app/recoverability"
	"github.com/ahrav/servicecontrol/internal/config"
	"github.com/ahrav/servicecontrol/internal/config/fileloader"
	domainmonitoring "github.com/ahrav/servicecontrol/internal/domain/monitoring"
	domainrecoverability "github.com/ahrav/servicecontrol/internal/domain/recoverability"
	"github.com/ahrav/servicecontrol/internal/infra/event_dispatcher"
	"github.com/ahrav/servicecontrol/internal/infra/eventbus"
	"github.com/ahrav/servicecontrol/pkg/common/logger"
	"github.com/ahrav/servicecontrol/pkg/common/otel"
)

var build = "develop"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := fileloader.NewFileLoader(os.Getenv("SERVICECONTROL_CONFIG_FILE")).Load(context.Background())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	metadata := map[string]string{
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"build":     build,
	}
	svcName := fmt.Sprintf("%s-%s", cfg.Service.Name, hostname)
	log := logger.NewWithMetadata(os.Stdout, parseLevel(cfg.Service.LogLevel), svcName, otel.GetTraceID, logEvents, metadata)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, hostname, log); err != nil {
		log.Error(ctx, "servicecontrol stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "servicecontrol stopped")
}

func parseLevel(level string) logger.Level {
	switch level {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

func run(ctx context.Context, cfg *config.Config, hostname string, log *logger.Logger) error {
	if cfg.Telemetry.ExporterEndpoint != "" {
		_, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      cfg.Service.Name,
			ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
			Probability:      cfg.Telemetry.SamplingRatio,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"k8s.pod.name":     os.Getenv("POD_NAME"),
				"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
				"host.name":        hostname,
			},
			InsecureExporter: cfg.Telemetry.Insecure,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			telemetryTeardown(shutdownCtx)
		}()
	}

	tracer := gootel.GetTracerProvider().Tracer(cfg.Service.Name)
	mp := otel.GetMeterProvider()

	stores, err := openStorage(ctx, cfg.Storage, tracer, log)
	if err != nil {
		return err
	}
	defer stores.close()

	bus, err := openTransport(ctx, cfg, hostname, mp, tracer, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Error(ctx, "failed to close event bus", "error", err)
		}
	}()
	publisher := eventbus.NewDomainEventPublisher(bus)

	// Recoverability.
	opMetrics, err := recoverability.NewOperationMetrics(mp)
	if err != nil {
		return fmt.Errorf("failed to create recoverability metrics: %w", err)
	}
	driverCfg := recoverability.DriverConfig{
		BatchSize:           cfg.Recoverability.BatchSize,
		IndexCatchUpTimeout: cfg.Recoverability.IndexCatchUpTimeout,
		BatchesPerSecond:    cfg.Recoverability.BatchesPerSecond,
	}
	retries := recoverability.NewRetryRegistry()

	archiving := recoverability.NewArchivingManager(publisher, tracer, log)
	archiveHandler, err := recoverability.NewArchiveAllInGroupHandler(
		stores.archive, archiving, retries, publisher, opMetrics, driverCfg, tracer, log,
	)
	if err != nil {
		return fmt.Errorf("failed to create archive handler: %w", err)
	}

	unarchiving := recoverability.NewUnarchivingManager(publisher, tracer, log)
	unarchiveHandler, err := recoverability.NewUnarchiveAllInGroupHandler(
		stores.unarchive, unarchiving, retries, publisher, opMetrics, driverCfg, tracer, log,
	)
	if err != nil {
		return fmt.Errorf("failed to create unarchive handler: %w", err)
	}

	// Monitoring.
	hbMetrics, err := monitoring.NewHeartbeatMetrics(mp, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to create heartbeat metrics: %w", err)
	}
	provider := monitoring.NewHeartbeatStatusProvider(hbMetrics)
	monitor := monitoring.NewHeartbeatsMonitor(publisher, hbMetrics, monitoring.MonitorConfig{
		ScanInterval: cfg.Heartbeats.ScanInterval,
		GracePeriod:  cfg.Heartbeats.GracePeriod,
	}, tracer, log)
	heartbeatHandler := monitoring.NewEndpointHeartbeatHandler(stores.heartbeats, provider, monitor, publisher, hbMetrics, tracer, log)
	missingHandler := monitoring.NewPotentiallyMissingHeartbeatsHandler(stores.heartbeats, provider, monitor, publisher, hbMetrics, tracer, log)
	toggleHandler := monitoring.NewToggleEndpointMonitoringHandler(stores.heartbeats, provider, monitor, publisher, tracer, log)

	dispatcher := event_dispatcher.New(tracer, log)
	if err := registerHandlers(ctx, dispatcher,
		archiveHandler.Handle,
		unarchiveHandler.Handle,
		heartbeatHandler.Handle,
		missingHandler.Handle,
		toggleHandler.Handle,
	); err != nil {
		return err
	}

	ready := &atomic.Bool{}
	debugMux := debug.Mux(debug.Config{
		Build:  build,
		Log:    log,
		Ready:  ready,
		Checks: map[string]debug.CheckFunc{"storage": stores.check},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return debug.ListenAndServe(gctx, cfg.Debug.Addr, debugMux, log) })

	reconciler := monitoring.NewStartupReconciler(stores.heartbeats, provider, monitor, tracer, log)
	if err := reconciler.Reconcile(gctx); err != nil {
		return fmt.Errorf("failed to reconcile heartbeats: %w", err)
	}

	monitor.Start(gctx)
	defer monitor.Stop()

	if err := bus.Subscribe(gctx, dispatcher.EventTypes(), dispatcher.Dispatch); err != nil {
		return fmt.Errorf("failed to subscribe to commands: %w", err)
	}

	ready.Store(true)
	log.Info(ctx, "servicecontrol started",
		"storage", cfg.Storage.Driver,
		"transport", cfg.Transport.Driver,
		"commands", dispatcher.EventTypes(),
	)

	return g.Wait()
}

func registerHandlers(
	ctx context.Context,
	r commands.Registrar,
	archive func(context.Context, domainrecoverability.ArchiveAllInGroup) error,
	unarchive func(context.Context, domainrecoverability.UnarchiveAllInGroup) error,
	heartbeat func(context.Context, domainmonitoring.EndpointHeartbeat) error,
	missing func(context.Context, domainmonitoring.RegisterPotentiallyMissingHeartbeats) error,
	toggle func(context.Context, domainmonitoring.ToggleEndpointMonitoring) error,
) error {
	if err := commands.Register(ctx, r, domainrecoverability.CommandTypeArchiveAllInGroup, archive); err != nil {
		return err
	}
	if err := commands.Register(ctx, r, domainrecoverability.CommandTypeUnarchiveAllInGroup, unarchive); err != nil {
		return err
	}
	if err := commands.Register(ctx, r, domainmonitoring.CommandTypeEndpointHeartbeat, heartbeat); err != nil {
		return err
	}
	if err := commands.Register(ctx, r, domainmonitoring.CommandTypeRegisterPotentiallyMissingHeartbeats, missing); err != nil {
		return err
	}
	return commands.Register(ctx, r, domainmonitoring.CommandTypeToggleEndpointMonitoring, toggle)
}
