// Package app wires configuration into the store, ingest pipeline and
// observability components shared by cmd/server and cmd/worker.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	sdklog "go.opentelemetry.io/otel/sdk/log"

	"iot-dataflow/internal/config"
	"iot-dataflow/internal/db"
	"iot-dataflow/internal/metrics"
	"iot-dataflow/internal/platform/logging"
	"iot-dataflow/internal/telemetry"
	"iot-dataflow/internal/telemetry/ingest"
	"iot-dataflow/internal/telemetry/loki"
	"iot-dataflow/internal/telemetry/normalize"
	telemetryotel "iot-dataflow/internal/telemetry/otel"
	"iot-dataflow/internal/telemetry/producer"
	"iot-dataflow/internal/telemetry/query"
	"iot-dataflow/internal/telemetry/repository"
)

// ServiceName identifies this process in traces and logs.
const ServiceName = "iot-dataflow"

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT, writing to stderr.
func NewLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(os.Stderr, level, format, isTerminal(os.Stderr)), nil
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// OTelConfig maps config to the OTLP provider settings.
func OTelConfig(cfg *config.Config) telemetryotel.Config {
	return telemetryotel.Config{
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		ServiceName: ServiceName,
		Environment: cfg.Env,
	}
}

// OpenStore connects the store selected by STORE_DRIVER.
func OpenStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (repository.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		client, err := repository.NewMongoConnection(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		store, err := repository.NewMongoRepository(ctx, client, cfg.MongoDatabase)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		log.Info("store: connected", "driver", cfg.StoreDriver, "database", cfg.MongoDatabase)
		return store, nil
	case config.DriverPostgres:
		sqlDB, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{})
		if err != nil {
			return nil, err
		}
		log.Info("store: connected", "driver", cfg.StoreDriver)
		return repository.NewPostgresRepository(sqlDB), nil
	default:
		return nil, fmt.Errorf("app: unknown store driver %q", cfg.StoreDriver)
	}
}

// QueryOptions maps config to query bounds.
func QueryOptions(cfg *config.Config) query.Options {
	return query.Options{
		DefaultLimit: cfg.DefaultRangeLimit,
		MaxLimit:     cfg.MaxRangeLimit,
		TrendLimit:   cfg.TrendLimit,
		DefaultWidth: cfg.DefaultBucketWidth,
	}
}

// Ingest is the normalize-then-write pipeline plus the sinks it owns.
type Ingest struct {
	Pipeline *ingest.Pipeline
	producer *producer.KafkaProducer
}

// NewIngest builds the pipeline. Ingest events go to Kafka when KAFKA_BROKERS is
// set and to OTel logs when lp is non-nil; unparsable messages go to Loki when
// LOKI_URL is set.
func NewIngest(cfg *config.Config, store repository.Store, m *metrics.Metrics, lp *sdklog.LoggerProvider, log *slog.Logger) *Ingest {
	emitters := telemetry.MultiEmitter{telemetryotel.NewEventEmitter(lp)}
	kp := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.IngestEventsTopic)
	if kp != nil {
		emitters = append(emitters, kp)
		log.Info("ingest events: producing to kafka", "topic", cfg.IngestEventsTopic)
	}

	opts := []ingest.PipelineOption{
		ingest.WithEmitter(emitters),
		ingest.WithMetrics(m),
		ingest.WithRetry(ingest.RetryPolicy{Attempts: cfg.IngestRetryAttempts, Backoff: cfg.IngestRetryBackoff}),
	}
	if lc := loki.NewClient(cfg.LokiURL, ServiceName, nil); lc != nil {
		opts = append(opts, ingest.WithDeadLetter(lc))
		log.Info("dead letters: pushing to loki", "url", cfg.LokiURL)
	}

	writer := ingest.NewBatchWriter(store, m, log)
	return &Ingest{
		Pipeline: ingest.NewPipeline(normalize.New(), writer, log, opts...),
		producer: kp,
	}
}

// Close flushes and closes the Kafka producer, if any.
func (i *Ingest) Close() error {
	return i.producer.Close()
}

// CloseStore closes the store and logs any error.
func CloseStore(store repository.Store, log *slog.Logger) {
	if err := store.Close(); err != nil {
		log.Warn("store: close failed", logging.Err(err))
	}
}
