// Package source connects inbound message channels (MQTT, Kafka) to the ingest pipeline.
package source

import (
	"context"

	"iot-dataflow/internal/telemetry/domain"
)

// Submitter accepts a message for asynchronous handling. ingest.Dispatcher implements it.
type Submitter interface {
	Submit(ctx context.Context, topic string, raw []byte) error
}

// Handler processes one message synchronously. ingest.Pipeline implements it.
type Handler interface {
	Handle(ctx context.Context, topic string, raw []byte) (domain.WriteResult, error)
}
