// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the query HTTP server listens on (e.g. :3000).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC health server listens on; empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// StoreDriver selects the store adapter: postgres or mongo.
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	// DatabaseURL is the Postgres DSN; required when StoreDriver is postgres.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// MongoURI and MongoDatabase locate the Mongo store.
	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`

	// MQTTBrokerURL is the broker to subscribe to (mqtt://, tcp://, mqtts://).
	MQTTBrokerURL string `mapstructure:"MQTT_BROKER_URL"`
	// MQTTTopic is the subscription filter (e.g. iot/data/#).
	MQTTTopic string `mapstructure:"MQTT_TOPIC"`
	// MQTTClientID is the client id; a random iot-dataflow-<uuid> when empty.
	MQTTClientID string `mapstructure:"MQTT_CLIENT_ID"`
	// MQTTQoS is the subscription QoS (0-2).
	MQTTQoS int `mapstructure:"MQTT_QOS"`

	IngestWorkers       int           `mapstructure:"INGEST_WORKERS"`
	IngestQueueSize     int           `mapstructure:"INGEST_QUEUE_SIZE"`
	IngestTimeout       time.Duration `mapstructure:"INGEST_TIMEOUT"`
	IngestRetryAttempts int           `mapstructure:"INGEST_RETRY_ATTEMPTS"`
	IngestRetryBackoff  time.Duration `mapstructure:"INGEST_RETRY_BACKOFF"`

	QueryTimeout       time.Duration `mapstructure:"QUERY_TIMEOUT"`
	DefaultRangeLimit  int           `mapstructure:"DEFAULT_RANGE_LIMIT"`
	MaxRangeLimit      int           `mapstructure:"MAX_RANGE_LIMIT"`
	TrendLimit         int           `mapstructure:"TREND_LIMIT"`
	DefaultBucketWidth time.Duration `mapstructure:"DEFAULT_BUCKET_WIDTH"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	// When set, ingest events are produced to IngestEventsTopic.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// IngestEventsTopic is the Kafka topic for ingest events.
	IngestEventsTopic string `mapstructure:"INGEST_EVENTS_KAFKA_TOPIC"`
	// Worker-only: KafkaSourceTopic carries raw telemetry for the ingestion worker.
	KafkaSourceTopic string `mapstructure:"KAFKA_SOURCE_TOPIC"`
	// KafkaGroupID is the consumer group ID for the ingestion worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// LokiURL receives discarded messages (e.g. http://localhost:3100); empty disables it.
	LokiURL string `mapstructure:"LOKI_URL"`

	// OTelEndpoint is the OTLP gRPC endpoint; empty disables export.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":3000")
	v.SetDefault("GRPC_ADDR", ":8081")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DATABASE", "iot_dataflow")
	v.SetDefault("MQTT_BROKER_URL", "mqtt://localhost:1883")
	v.SetDefault("MQTT_TOPIC", "iot/data/#")
	v.SetDefault("MQTT_CLIENT_ID", "")
	v.SetDefault("MQTT_QOS", 1)
	v.SetDefault("INGEST_WORKERS", 4)
	v.SetDefault("INGEST_QUEUE_SIZE", 256)
	v.SetDefault("INGEST_TIMEOUT", "10s")
	v.SetDefault("INGEST_RETRY_ATTEMPTS", 3)
	v.SetDefault("INGEST_RETRY_BACKOFF", "500ms")
	v.SetDefault("QUERY_TIMEOUT", "30s")
	v.SetDefault("DEFAULT_RANGE_LIMIT", 100)
	v.SetDefault("MAX_RANGE_LIMIT", 10000)
	v.SetDefault("TREND_LIMIT", 10000)
	v.SetDefault("DEFAULT_BUCKET_WIDTH", "5m")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("INGEST_EVENTS_KAFKA_TOPIC", "iot-ingest-events")
	v.SetDefault("KAFKA_SOURCE_TOPIC", "iot-telemetry")
	v.SetDefault("KAFKA_GROUP_ID", "iot-dataflow-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case DriverPostgres:
	case DriverMongo:
		if c.MongoURI == "" || c.MongoDatabase == "" {
			return errors.New("config: MONGO_URI and MONGO_DATABASE must be set when STORE_DRIVER=mongo")
		}
	default:
		return fmt.Errorf("config: STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMongo, c.StoreDriver)
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return errors.New("config: MQTT_QOS must be 0, 1 or 2")
	}
	if c.IngestWorkers < 1 {
		return errors.New("config: INGEST_WORKERS must be at least 1")
	}
	if c.IngestQueueSize < 0 {
		return errors.New("config: INGEST_QUEUE_SIZE must not be negative")
	}
	if c.IngestRetryAttempts < 1 {
		return errors.New("config: INGEST_RETRY_ATTEMPTS must be at least 1")
	}
	if c.DefaultRangeLimit < 1 || c.MaxRangeLimit < 1 || c.TrendLimit < 1 {
		return errors.New("config: DEFAULT_RANGE_LIMIT, MAX_RANGE_LIMIT and TREND_LIMIT must be positive")
	}
	if c.DefaultRangeLimit > c.MaxRangeLimit {
		return errors.New("config: DEFAULT_RANGE_LIMIT must not exceed MAX_RANGE_LIMIT")
	}
	if c.DefaultBucketWidth <= 0 {
		return errors.New("config: DEFAULT_BUCKET_WIDTH must be positive")
	}
	return nil
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if Kafka is enabled (non-empty list) and to create producers and readers.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
