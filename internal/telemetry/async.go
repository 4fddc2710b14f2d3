package telemetry

import (
	"context"
	"log/slog"
	"time"

	"iot-dataflow/internal/telemetry/domain"
)

// emitTimeout is the max time allowed for a single async emit. Used by EmitAsync and by ShutdownDrainDuration.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after ingestion stops before shutting down OTel providers,
// so in-flight async emits have time to complete. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// EmitAsync runs Emit in a goroutine with a short timeout so ingestion is not blocked.
// Errors are logged on log at warn level.
//
// emitter and event may be nil; EmitAsync returns immediately without starting a goroutine.
// The goroutine uses context.Background() with emitTimeout so cancelling the caller does not abort the emit.
func EmitAsync(log *slog.Logger, emitter EventEmitter, event *domain.IngestEvent) {
	if emitter == nil || event == nil {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	go func() {
		emitCtx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := emitter.Emit(emitCtx, event); err != nil {
			log.Warn("telemetry: async emit failed", "event_id", event.ID, "topic", event.Topic, "error", err)
		}
	}()
}
