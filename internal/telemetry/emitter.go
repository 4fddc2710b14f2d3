// Package telemetry fans ingest events out to best-effort sinks such as Kafka and OTel logs.
package telemetry

import (
	"context"
	"errors"

	"iot-dataflow/internal/telemetry/domain"
)

// EventEmitter publishes ingest events. Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *domain.IngestEvent) error
}

// MultiEmitter sends each event to every non-nil emitter and joins their errors.
type MultiEmitter []EventEmitter

// Emit calls every emitter even when an earlier one fails.
func (m MultiEmitter) Emit(ctx context.Context, event *domain.IngestEvent) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
