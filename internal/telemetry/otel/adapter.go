package otel

import (
	"context"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"iot-dataflow/internal/telemetry"
	"iot-dataflow/internal/telemetry/domain"
)

// instrumentationScope names the OTel logger that carries ingest events.
const instrumentationScope = "iot-dataflow.ingest"

// recordEmitter is the subset of otellog.Logger used by the adapter.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends ingest events as OTel log records via provider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return NewEventEmitterWithLogger(provider.Logger(instrumentationScope))
}

// NewEventEmitterWithLogger wraps any record emitter, typically an otellog.Logger.
func NewEventEmitterWithLogger(l recordEmitter) telemetry.EventEmitter {
	return &otelEmitter{logger: l}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.IngestEvent) error { return nil }

type otelEmitter struct {
	logger recordEmitter
}

// Emit converts the event to a log record. The body is the event summary line.
func (e *otelEmitter) Emit(ctx context.Context, event *domain.IngestEvent) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	ts := event.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("telemetry ingested"))
	rec.AddAttributes(
		otellog.String("event_id", event.ID),
		otellog.String("mqtt.topic", event.Topic),
		otellog.Int("records.received", event.Received),
		otellog.Int("records.inserted", event.Inserted),
	)
	if len(event.DeviceIDs) > 0 {
		ids := make([]otellog.Value, len(event.DeviceIDs))
		for i, id := range event.DeviceIDs {
			ids[i] = otellog.StringValue(id)
		}
		rec.AddAttributes(otellog.Slice("device_ids", ids...))
	}
	e.logger.Emit(ctx, rec)
	return nil
}
