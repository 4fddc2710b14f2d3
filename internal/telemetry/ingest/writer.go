// Package ingest normalizes inbound messages and persists them through a Store.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"iot-dataflow/internal/metrics"
	"iot-dataflow/internal/telemetry/domain"
	"iot-dataflow/internal/telemetry/repository"
)

const tracerName = "iot-dataflow/ingest"

// BatchWriter submits each batch to the store as one operation.
// It never retries; that is up to its caller.
type BatchWriter struct {
	store   repository.Store
	metrics *metrics.Metrics
	tracer  trace.Tracer
	log     *slog.Logger
}

// NewBatchWriter returns a writer for store. m and log may be nil.
func NewBatchWriter(store repository.Store, m *metrics.Metrics, log *slog.Logger) *BatchWriter {
	if log == nil {
		log = slog.Default()
	}
	return &BatchWriter{
		store:   store,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
		log:     log,
	}
}

// Write persists records and reports how many were new. A store failure is
// returned as a *domain.PersistenceError wrapping the store error.
func (w *BatchWriter) Write(ctx context.Context, records []domain.Record) (domain.WriteResult, error) {
	if len(records) == 0 {
		return domain.WriteResult{}, nil
	}
	ctx, span := w.tracer.Start(ctx, "telemetry.insert_batch",
		trace.WithAttributes(attribute.Int("records.received", len(records))))
	defer span.End()

	start := time.Now()
	n, err := w.store.InsertBatch(ctx, records)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert batch failed")
		w.log.Error("telemetry batch insert failed", "records", len(records), "duration", elapsed, "error", err)
		return domain.WriteResult{}, &domain.PersistenceError{Op: "insert batch", Err: err}
	}
	span.SetAttributes(attribute.Int("records.inserted", n))
	w.metrics.ObserveInsert(elapsed, n)
	return domain.WriteResult{Inserted: n}, nil
}
