// Worker consumes raw telemetry from Kafka and stores it through the same
// pipeline as the MQTT server. Set KAFKA_BROKERS, KAFKA_SOURCE_TOPIC and
// KAFKA_GROUP_ID; the Kafka message key, when present, is used as the topic.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"iot-dataflow/internal/app"
	"iot-dataflow/internal/config"
	"iot-dataflow/internal/metrics"
	"iot-dataflow/internal/platform/logging"
	"iot-dataflow/internal/telemetry/domain"
	telemetryotel "iot-dataflow/internal/telemetry/otel"
	"iot-dataflow/internal/telemetry/source"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited", logging.Err(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		return errors.New("worker: KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, app.OTelConfig(cfg), logger)
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel: shutdown failed", logging.Err(err))
		}
	}()

	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.CloseStore(store, logger)

	in := app.NewIngest(cfg, store, metrics.New(), providers.LoggerProvider, logger)
	defer func() {
		if err := in.Close(); err != nil {
			logger.Warn("ingest events: close failed", logging.Err(err))
		}
	}()

	src, err := source.NewKafkaSource(source.KafkaConfig{
		Brokers: brokers,
		Topic:   cfg.KafkaSourceTopic,
		GroupID: cfg.KafkaGroupID,
	}, timeoutHandler{h: in.Pipeline, timeout: cfg.IngestTimeout}, logger)
	if err != nil {
		return err
	}

	logger.Info("worker: consuming", "topic", cfg.KafkaSourceTopic, "group", cfg.KafkaGroupID)
	err = src.Run(ctx)
	logger.Info("worker: stopped")
	return err
}

// timeoutHandler bounds each message the way the server's dispatcher does.
type timeoutHandler struct {
	h       source.Handler
	timeout time.Duration
}

func (t timeoutHandler) Handle(ctx context.Context, topic string, raw []byte) (domain.WriteResult, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return t.h.Handle(ctx, topic, raw)
}
