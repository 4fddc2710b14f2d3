package producer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-dataflow/internal/telemetry/domain"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("expected a deadline")
	}
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaProducer_Unconfigured(t *testing.T) {
	assert.Nil(t, NewKafkaProducer(nil, "events"))
	assert.Nil(t, NewKafkaProducer([]string{"localhost:9092"}, ""))

	var p *KafkaProducer
	assert.NoError(t, p.Emit(context.Background(), &domain.IngestEvent{}))
	assert.NoError(t, p.Close())
}

func TestNewKafkaProducer_Configured(t *testing.T) {
	p := NewKafkaProducer([]string{"localhost:9092"}, "iot-ingest-events")
	require.NotNil(t, p)
	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "iot-ingest-events", w.Topic)
	var _ Producer = p
}

func TestKafkaProducer_Emit(t *testing.T) {
	fw := &fakeWriter{}
	p := &KafkaProducer{writer: fw, topic: "events"}
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	event := &domain.IngestEvent{ID: "e1", Topic: "iot/data/d1", DeviceIDs: []string{"d1"}, Received: 2, Inserted: 1, CreatedAt: created}

	require.NoError(t, p.Emit(context.Background(), event))
	require.Len(t, fw.msgs, 1)
	msg := fw.msgs[0]
	assert.Equal(t, "iot/data/d1", string(msg.Key))
	assert.True(t, msg.Time.Equal(created))

	var decoded domain.IngestEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "e1", decoded.ID)
	assert.Equal(t, 1, decoded.Inserted)

	assert.NoError(t, p.Emit(context.Background(), nil))
	assert.Len(t, fw.msgs, 1)

	require.NoError(t, p.Close())
	assert.True(t, fw.closed)
}

func TestKafkaProducer_EmitError(t *testing.T) {
	fw := &fakeWriter{err: errors.New("leader not available")}
	p := &KafkaProducer{writer: fw}
	err := p.Emit(context.Background(), &domain.IngestEvent{ID: "e1"})
	assert.EqualError(t, err, "leader not available")
}
