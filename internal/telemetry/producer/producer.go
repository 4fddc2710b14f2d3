// Package producer publishes ingest events to a message broker.
package producer

import (
	"context"

	"iot-dataflow/internal/telemetry/domain"
)

// Producer emits ingest events. Callers use it best-effort: log and ignore errors.
type Producer interface {
	// Emit sends a single event. Implementations may block briefly; call from a goroutine if needed.
	Emit(ctx context.Context, event *domain.IngestEvent) error
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}
