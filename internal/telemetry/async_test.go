package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-dataflow/internal/telemetry/domain"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*domain.IngestEvent
	emitErr error
	delay   time.Duration
	done    chan struct{}
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *domain.IngestEvent) error {
	if m.done != nil {
		defer func() { m.done <- struct{}{} }()
	}
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*domain.IngestEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.IngestEvent(nil), m.events...)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestEmitAsync_NilEmitterOrEvent(t *testing.T) {
	assert.NotPanics(t, func() { EmitAsync(nil, nil, &domain.IngestEvent{ID: "e1"}) })

	emitter := &mockEventEmitter{}
	EmitAsync(nil, emitter, nil)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, emitter.getEvents())
}

func TestEmitAsync_SuccessfulEmit(t *testing.T) {
	emitter := &mockEventEmitter{done: make(chan struct{}, 1)}
	event := &domain.IngestEvent{ID: "e1", Topic: "iot/data/d1", DeviceIDs: []string{"d1"}, Received: 2, Inserted: 2}

	EmitAsync(nil, emitter, event)

	select {
	case <-emitter.done:
	case <-time.After(time.Second):
		t.Fatal("emit did not run")
	}
	events := emitter.getEvents()
	require.Len(t, events, 1)
	assert.Same(t, event, events[0])
}

func TestEmitAsync_ErrorIsLogged(t *testing.T) {
	var buf syncBuffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	emitter := &mockEventEmitter{emitErr: errors.New("kafka down"), done: make(chan struct{}, 1)}

	EmitAsync(log, emitter, &domain.IngestEvent{ID: "e2", Topic: "t"})

	select {
	case <-emitter.done:
	case <-time.After(time.Second):
		t.Fatal("emit did not run")
	}
	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(buf.String()), []byte("kafka down"))
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownDrainCoversEmitTimeout(t *testing.T) {
	assert.GreaterOrEqual(t, ShutdownDrainDuration, emitTimeout)
}

func TestMultiEmitter(t *testing.T) {
	ok := &mockEventEmitter{}
	failing := &mockEventEmitter{emitErr: errors.New("boom")}
	m := MultiEmitter{failing, nil, ok}

	err := m.Emit(context.Background(), &domain.IngestEvent{ID: "e3"})
	assert.EqualError(t, err, "boom")
	assert.Len(t, ok.getEvents(), 1)
	assert.Len(t, failing.getEvents(), 1)

	assert.NoError(t, MultiEmitter{}.Emit(context.Background(), &domain.IngestEvent{}))
}
