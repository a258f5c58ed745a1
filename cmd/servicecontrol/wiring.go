package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/servicecontrol/internal/api/debug"
	"github.com/ahrav/servicecontrol/internal/config"
	"github.com/ahrav/servicecontrol/internal/domain/events"
	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
	"github.com/ahrav/servicecontrol/internal/infra/eventbus/kafka"
	"github.com/ahrav/servicecontrol/internal/infra/eventbus/memory"
	"github.com/ahrav/servicecontrol/internal/infra/storage"
	"github.com/ahrav/servicecontrol/internal/infra/storage/kv"
	memstore "github.com/ahrav/servicecontrol/internal/infra/storage/memory"
	"github.com/ahrav/servicecontrol/internal/infra/storage/postgres"
	"github.com/ahrav/servicecontrol/pkg/common/logger"
)

// stores bundles the persistence ports of the selected driver.
type stores struct {
	archive    recoverability.DocumentManager
	unarchive  recoverability.DocumentManager
	heartbeats monitoring.HeartbeatRepository

	check debug.CheckFunc
	close func()
}

func openStorage(ctx context.Context, cfg config.StorageConfig, tracer trace.Tracer, log *logger.Logger) (*stores, error) {
	switch cfg.Driver {
	case config.StorageDriverPostgres:
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse db config: %w", err)
		}
		poolCfg.MinConns = cfg.MinConns
		poolCfg.MaxConns = cfg.MaxConns
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open db: %w", err)
		}
		if err := storage.Migrate(pool, cfg.MigrationsDir); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info(ctx, "Migrations applied successfully", "dir", cfg.MigrationsDir)

		s := postgres.NewStore(pool, tracer)
		return &stores{
			archive:    postgres.NewArchiveDocumentManager(s),
			unarchive:  postgres.NewUnarchiveDocumentManager(s),
			heartbeats: s,
			check:      pool.Ping,
			close:      pool.Close,
		}, nil

	case config.StorageDriverPebble:
		s, err := kv.Open(cfg.PebbleDir, tracer)
		if err != nil {
			return nil, err
		}
		return &stores{
			archive:    kv.NewArchiveDocumentManager(s),
			unarchive:  kv.NewUnarchiveDocumentManager(s),
			heartbeats: s,
			check:      func(context.Context) error { return nil },
			close: func() {
				if err := s.Close(); err != nil {
					log.Error(ctx, "failed to close pebble", "error", err)
				}
			},
		}, nil

	case config.StorageDriverMemory:
		log.Warn(ctx, "using in-memory storage, state is lost on restart")
		s := memstore.NewStore()
		return &stores{
			archive:    memstore.NewArchiveDocumentManager(s),
			unarchive:  memstore.NewUnarchiveDocumentManager(s),
			heartbeats: s,
			check:      func(context.Context) error { return nil },
			close:      func() {},
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func openTransport(
	ctx context.Context,
	cfg *config.Config,
	hostname string,
	mp metric.MeterProvider,
	tracer trace.Tracer,
	log *logger.Logger,
) (events.EventBus, error) {
	switch cfg.Transport.Driver {
	case config.TransportDriverKafka:
		metrics, err := kafka.NewEventBusMetrics(mp)
		if err != nil {
			return nil, fmt.Errorf("failed to create event bus metrics: %w", err)
		}

		clientID := fmt.Sprintf("%s-%s", cfg.Service.Name, hostname)
		client, err := kafka.NewClient(&kafka.ClientConfig{
			Brokers:  cfg.Transport.Kafka.Brokers,
			GroupID:  cfg.Transport.Kafka.GroupID,
			ClientID: clientID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka client for %s: %w",
				strings.Join(cfg.Transport.Kafka.Brokers, ","), err)
		}

		bus, err := kafka.ConnectEventBus(&kafka.Config{
			CommandsTopic: cfg.Transport.Kafka.CommandsTopic,
			EventsTopic:   cfg.Transport.Kafka.EventsTopic,
			GroupID:       cfg.Transport.Kafka.GroupID,
			ClientID:      clientID,
		}, client, log, metrics, tracer)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect event bus: %w", err)
		}
		return clientOwningBus{EventBus: bus, client: client}, nil

	case config.TransportDriverMemory:
		log.Warn(ctx, "using in-process event bus, commands are only accepted from this process")
		return memory.NewBus(), nil

	default:
		return nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}
}

// clientOwningBus closes the shared Kafka client after the bus.
type clientOwningBus struct {
	*kafka.EventBus
	client interface{ Close() error }
}

func (b clientOwningBus) Close() error {
	return errors.Join(b.EventBus.Close(), b.client.Close())
}
