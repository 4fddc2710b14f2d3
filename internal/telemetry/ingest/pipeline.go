package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"iot-dataflow/internal/metrics"
	"iot-dataflow/internal/telemetry"
	"iot-dataflow/internal/telemetry/domain"
	"iot-dataflow/internal/telemetry/normalize"
)

// deadLetterTimeout bounds one dead-letter push.
const deadLetterTimeout = 5 * time.Second

// DeadLetterSink receives messages that could not be parsed.
type DeadLetterSink interface {
	PushDeadLetter(ctx context.Context, at time.Time, topic string, raw []byte, reason error) error
}

// RetryPolicy retries writes that failed because the store was unreachable.
// Attempts counts the first try; values below 1 mean a single try.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Pipeline handles one inbound message end to end: normalize, write, report.
type Pipeline struct {
	normalizer *normalize.Normalizer
	writer     *BatchWriter
	retry      RetryPolicy
	emitter    telemetry.EventEmitter
	deadLetter DeadLetterSink
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithEmitter publishes an IngestEvent for every message that persisted records.
func WithEmitter(e telemetry.EventEmitter) PipelineOption {
	return func(p *Pipeline) { p.emitter = e }
}

// WithDeadLetter forwards unparsable messages to sink.
func WithDeadLetter(sink DeadLetterSink) PipelineOption {
	return func(p *Pipeline) { p.deadLetter = sink }
}

// WithRetry sets the retry policy for connectivity failures.
func WithRetry(r RetryPolicy) PipelineOption {
	return func(p *Pipeline) { p.retry = r }
}

// WithMetrics records message outcomes and active devices.
func WithMetrics(m *metrics.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline wires a normalizer to a writer.
func NewPipeline(n *normalize.Normalizer, w *BatchWriter, log *slog.Logger, opts ...PipelineOption) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{normalizer: n, writer: w, log: log, retry: RetryPolicy{Attempts: 1}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes one message. A *domain.ParseError rejects only this message;
// a *domain.PersistenceError means the batch was not stored.
func (p *Pipeline) Handle(ctx context.Context, topic string, raw []byte) (domain.WriteResult, error) {
	msg, err := p.normalizer.Normalize(topic, raw)
	if err != nil {
		p.metrics.ObserveMessage(metrics.OutcomeParseError)
		p.log.Warn("rejected unparsable telemetry message", "topic", topic, "bytes", len(raw), "error", err)
		p.pushDeadLetter(topic, raw, err)
		return domain.WriteResult{}, err
	}
	if len(msg.Records) == 0 {
		p.metrics.ObserveMessage(metrics.OutcomeStored)
		return domain.WriteResult{}, nil
	}

	res, err := p.writeWithRetry(ctx, msg.Records)
	if err != nil {
		p.metrics.ObserveMessage(metrics.OutcomePersistError)
		return domain.WriteResult{}, err
	}
	p.metrics.ObserveMessage(metrics.OutcomeStored)

	devices := deviceIDs(msg.Records)
	p.metrics.SeenDevices(devices...)
	p.log.Info("inserted telemetry records", "count", res.Inserted, "received", len(msg.Records), "topic", topic)

	if res.Inserted > 0 {
		telemetry.EmitAsync(p.log, p.emitter, &domain.IngestEvent{
			ID:        uuid.NewString(),
			Topic:     topic,
			DeviceIDs: devices,
			Received:  len(msg.Records),
			Inserted:  res.Inserted,
			CreatedAt: msg.ReceivedAt,
		})
	}
	return res, nil
}

func (p *Pipeline) writeWithRetry(ctx context.Context, records []domain.Record) (domain.WriteResult, error) {
	attempts := max(p.retry.Attempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := p.writer.Write(ctx, records)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !domain.IsConnectivity(err) || attempt == attempts {
			break
		}
		p.log.Warn("store unreachable, retrying batch", "attempt", attempt, "of", attempts, "error", err)
		select {
		case <-ctx.Done():
			return domain.WriteResult{}, errors.Join(lastErr, ctx.Err())
		case <-time.After(p.retry.Backoff * time.Duration(attempt)):
		}
	}
	return domain.WriteResult{}, lastErr
}

func (p *Pipeline) pushDeadLetter(topic string, raw []byte, reason error) {
	if p.deadLetter == nil {
		return
	}
	at := time.Now().UTC()
	cp := append([]byte(nil), raw...)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deadLetterTimeout)
		defer cancel()
		if err := p.deadLetter.PushDeadLetter(ctx, at, topic, cp, reason); err != nil {
			p.log.Warn("dead-letter push failed", "topic", topic, "error", err)
		}
	}()
}

// deviceIDs returns the distinct device ids in first-seen order.
func deviceIDs(records []domain.Record) []string {
	seen := make(map[string]struct{}, len(records))
	out := make([]string, 0, 1)
	for _, r := range records {
		if _, ok := seen[r.DeviceID]; ok {
			continue
		}
		seen[r.DeviceID] = struct{}{}
		out = append(out, r.DeviceID)
	}
	return out
}
