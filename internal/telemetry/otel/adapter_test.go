package otel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"iot-dataflow/internal/telemetry/domain"
)

// recordCapture stores the last Record passed to Emit for assertion.
type recordCapture struct {
	rec   otellog.Record
	calls int
}

func (r *recordCapture) Emit(ctx context.Context, rec otellog.Record) {
	r.rec = rec
	r.calls++
}

func attributes(rec otellog.Record) map[string]otellog.Value {
	out := map[string]otellog.Value{}
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		out[kv.Key] = kv.Value
		return true
	})
	return out
}

func TestNewEventEmitter_NilProvider_ReturnsNoop(t *testing.T) {
	em := NewEventEmitter(nil)
	require.NotNil(t, em)
	assert.NoError(t, em.Emit(context.Background(), nil))
	assert.NoError(t, em.Emit(context.Background(), &domain.IngestEvent{ID: "e1"}))
}

func TestNewEventEmitter_RealProvider(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	em := NewEventEmitter(provider)
	assert.NoError(t, em.Emit(context.Background(), nil))
	assert.NoError(t, em.Emit(context.Background(), &domain.IngestEvent{ID: "e1"}))
}

func TestEmit_AttributeMapping(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	event := &domain.IngestEvent{
		ID:        "e1",
		Topic:     "iot/data/d1",
		DeviceIDs: []string{"d1", "d2"},
		Received:  3,
		Inserted:  2,
		CreatedAt: created,
	}
	require.NoError(t, em.Emit(context.Background(), event))

	rec := cap.rec
	assert.True(t, rec.Timestamp().Equal(created))
	assert.Equal(t, "telemetry ingested", rec.Body().AsString())
	attrs := attributes(rec)
	assert.Equal(t, "e1", attrs["event_id"].AsString())
	assert.Equal(t, "iot/data/d1", attrs["mqtt.topic"].AsString())
	assert.EqualValues(t, 3, attrs["records.received"].AsInt64())
	assert.EqualValues(t, 2, attrs["records.inserted"].AsInt64())
	ids := attrs["device_ids"].AsSlice()
	require.Len(t, ids, 2)
	assert.Equal(t, "d2", ids[1].AsString())
}

func TestEmit_ZeroTimestamp_SetsCurrentTime(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	before := time.Now().UTC()
	require.NoError(t, em.Emit(context.Background(), &domain.IngestEvent{ID: "e1"}))
	after := time.Now().UTC()

	ts := cap.rec.Timestamp()
	assert.False(t, ts.Before(before) || ts.After(after), "timestamp %v outside [%v, %v]", ts, before, after)
	_, hasDevices := attributes(cap.rec)["device_ids"]
	assert.False(t, hasDevices)
}

func TestEmit_NilEvent(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	require.NoError(t, em.Emit(context.Background(), nil))
	assert.Zero(t, cap.calls)
}
