// Server subscribes to MQTT telemetry, stores it, and serves the query API over
// HTTP plus the gRPC health service.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"

	"iot-dataflow/internal/app"
	"iot-dataflow/internal/config"
	"iot-dataflow/internal/health"
	"iot-dataflow/internal/metrics"
	"iot-dataflow/internal/platform/logging"
	"iot-dataflow/internal/server"
	"iot-dataflow/internal/telemetry"
	"iot-dataflow/internal/telemetry/handler"
	"iot-dataflow/internal/telemetry/ingest"
	telemetryotel "iot-dataflow/internal/telemetry/otel"
	"iot-dataflow/internal/telemetry/query"
	"iot-dataflow/internal/telemetry/source"
)

const shutdownTimeout = 10 * time.Second

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
		logger.Error("server exited", logging.Err(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, app.OTelConfig(cfg), logger)
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
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

	m := metrics.New()
	in := app.NewIngest(cfg, store, m, providers.LoggerProvider, logger)
	defer func() {
		if err := in.Close(); err != nil {
			logger.Warn("ingest events: close failed", logging.Err(err))
		}
	}()

	// Handlers run on their own context so queued messages drain after a signal.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	dispatcher := ingest.NewDispatcher(in.Pipeline, cfg.IngestWorkers, cfg.IngestQueueSize, cfg.IngestTimeout, logger)
	dispatcher.Start(workCtx)

	subscriber, err := source.NewMQTTSubscriber(source.MQTTConfig{
		BrokerURL: cfg.MQTTBrokerURL,
		Topic:     cfg.MQTTTopic,
		ClientID:  cfg.MQTTClientID,
		QoS:       byte(cfg.MQTTQoS),
	}, dispatcher, logger)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = subscriber.Run(ctx)
	}()

	checker := health.NewChecker(store, subscriber)
	queries := query.NewService(store, app.QueryOptions(cfg))

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.NewRouter(handler.New(queries, checker, m.Handler(), cfg.QueryTimeout, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcSrv = server.NewGRPCServer(logger)
		server.RegisterServices(grpcSrv, server.Deps{Health: checker})
		go func() {
			logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("listener failed, shutting down", logging.Err(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server: shutdown failed", logging.Err(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	wg.Wait()
	dispatcher.Stop()
	if cfg.OTelEndpoint != "" || len(cfg.KafkaBrokersList()) > 0 {
		time.Sleep(telemetry.ShutdownDrainDuration)
	}
	logger.Info("stopped")
	return err
}
