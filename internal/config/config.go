// Package config defines the service configuration and its validation.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// StorageDriver selects the persistence adapter.
type StorageDriver string

const (
	StorageDriverPostgres StorageDriver = "postgres"
	StorageDriverPebble   StorageDriver = "pebble"
	StorageDriverMemory   StorageDriver = "memory"
)

// TransportDriver selects the message transport.
type TransportDriver string

const (
	TransportDriverKafka  TransportDriver = "kafka"
	TransportDriverMemory TransportDriver = "memory"
)

// Config represents the top-level configuration.
type Config struct {
	Service        ServiceConfig        `mapstructure:"service"`
	Storage        StorageConfig        `mapstructure:"storage"`
	Transport      TransportConfig      `mapstructure:"transport"`
	Recoverability RecoverabilityConfig `mapstructure:"recoverability"`
	Heartbeats     HeartbeatsConfig     `mapstructure:"heartbeats"`
	Telemetry      TelemetryConfig      `mapstructure:"telemetry"`
	Debug          DebugConfig          `mapstructure:"debug"`
}

// ServiceConfig identifies this instance in logs and telemetry.
type ServiceConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// StorageConfig selects and configures the document store.
type StorageConfig struct {
	Driver StorageDriver `mapstructure:"driver" validate:"oneof=postgres pebble memory"`

	// DatabaseURL is required for the postgres driver.
	DatabaseURL   string `mapstructure:"database_url" validate:"required_if=Driver postgres"`
	MigrationsDir string `mapstructure:"migrations_dir"`
	MinConns      int32  `mapstructure:"min_conns" validate:"gte=0"`
	MaxConns      int32  `mapstructure:"max_conns" validate:"gtefield=MinConns"`

	// PebbleDir is required for the pebble driver.
	PebbleDir string `mapstructure:"pebble_dir" validate:"required_if=Driver pebble"`
}

// TransportConfig selects and configures the event bus.
type TransportConfig struct {
	Driver TransportDriver `mapstructure:"driver" validate:"oneof=kafka memory"`
	Kafka  KafkaConfig     `mapstructure:"kafka"`
}

// KafkaConfig is only validated when the kafka driver is selected.
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers" validate:"required,min=1,dive,hostname_port"`
	CommandsTopic string   `mapstructure:"commands_topic" validate:"required"`
	EventsTopic   string   `mapstructure:"events_topic" validate:"required"`
	GroupID       string   `mapstructure:"group_id" validate:"required"`
}

// RecoverabilityConfig tunes the archive and unarchive batch loop.
type RecoverabilityConfig struct {
	BatchSize           int           `mapstructure:"batch_size" validate:"gt=0"`
	IndexCatchUpTimeout time.Duration `mapstructure:"index_catch_up_timeout" validate:"gt=0"`
	BatchesPerSecond    float64       `mapstructure:"batches_per_second" validate:"gte=0"`
}

// HeartbeatsConfig tunes missing heartbeat detection.
type HeartbeatsConfig struct {
	ScanInterval time.Duration `mapstructure:"scan_interval" validate:"gt=0"`
	GracePeriod  time.Duration `mapstructure:"grace_period" validate:"gtfield=ScanInterval"`
}

// TelemetryConfig configures the OTLP exporters. An empty endpoint disables export.
type TelemetryConfig struct {
	ExporterEndpoint string  `mapstructure:"exporter_endpoint"`
	SamplingRatio    float64 `mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
	Insecure         bool    `mapstructure:"insecure"`
}

// DebugConfig configures the operational HTTP listener.
type DebugConfig struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every constraint violation in cfg. Kafka settings are
// only checked when the kafka transport is selected.
func (c *Config) Validate() error {
	if err := validate.StructExcept(c, "Transport.Kafka"); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Transport.Driver == TransportDriverKafka {
		if err := validate.Struct(c.Transport.Kafka); err != nil {
			return fmt.Errorf("invalid kafka config: %w", err)
		}
	}
	return nil
}
