// Package query implements the read side: range reads, bucketed aggregates,
// device statistics and trends.
package query

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"iot-dataflow/internal/telemetry/bucket"
	"iot-dataflow/internal/telemetry/domain"
	"iot-dataflow/internal/telemetry/repository"
)

const tracerName = "iot-dataflow/query"

// Metrics reported by GetDeviceStats and GetTrend.
const (
	MetricTemperature = "temperature"
	MetricHumidity    = "humidity"
)

// statsWidth is wide enough that a stats query folds into at most two windows.
const statsWidth = 100 * 365 * 24 * time.Hour

// Options bounds every query.
type Options struct {
	DefaultLimit int
	MaxLimit     int
	TrendLimit   int
	DefaultWidth time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		DefaultLimit: 100,
		MaxLimit:     10000,
		TrendLimit:   10000,
		DefaultWidth: bucket.DefaultWidth,
	}
}

// Service answers the query boundary operations against one store.
type Service struct {
	store  repository.Store
	opts   Options
	tracer trace.Tracer
}

// NewService returns a Service. Zero fields in opts take DefaultOptions values.
func NewService(store repository.Store, opts Options) *Service {
	def := DefaultOptions()
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = def.DefaultLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = def.MaxLimit
	}
	if opts.DefaultLimit > opts.MaxLimit {
		opts.DefaultLimit = opts.MaxLimit
	}
	if opts.TrendLimit <= 0 {
		opts.TrendLimit = def.TrendLimit
	}
	if opts.DefaultWidth <= 0 {
		opts.DefaultWidth = def.DefaultWidth
	}
	return &Service{store: store, opts: opts, tracer: otel.Tracer(tracerName)}
}

// Options returns the effective bounds.
func (s *Service) Options() Options {
	return s.opts
}

func validateRange(deviceID string, from, to time.Time) (string, error) {
	id := strings.TrimSpace(deviceID)
	if id == "" {
		return "", domain.NewValidationError("deviceId", "is required")
	}
	if from.IsZero() {
		return "", domain.NewValidationError("from", "is required")
	}
	if to.IsZero() {
		return "", domain.NewValidationError("to", "is required")
	}
	if to.Before(from) {
		return "", domain.NewValidationError("to", "must not be earlier than from")
	}
	return id, nil
}

func (s *Service) start(ctx context.Context, op, deviceID string, from, to time.Time) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("device.id", deviceID),
		attribute.String("range.from", from.UTC().Format(time.RFC3339Nano)),
		attribute.String("range.to", to.UTC().Format(time.RFC3339Nano)),
	))
}

// GetRange returns at most limit records with from <= time <= to, newest first.
// limit 0 selects the default; limits above the maximum are clamped.
func (s *Service) GetRange(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]domain.Record, error) {
	id, err := validateRange(deviceID, from, to)
	if err != nil {
		return nil, err
	}
	switch {
	case limit < 0:
		return nil, domain.NewValidationError("limit", "must be positive")
	case limit == 0:
		limit = s.opts.DefaultLimit
	case limit > s.opts.MaxLimit:
		limit = s.opts.MaxLimit
	}
	ctx, span := s.start(ctx, "telemetry.get_range", id, from, to)
	defer span.End()

	records, err := s.store.QueryRange(ctx, id, from, to, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if records == nil {
		records = []domain.Record{}
	}
	return records, nil
}

// GetAggregate returns the non-empty windows of [from, to) in ascending order.
// width 0 selects the default width.
func (s *Service) GetAggregate(ctx context.Context, deviceID string, from, to time.Time, width time.Duration) ([]domain.Bucket, error) {
	id, err := validateRange(deviceID, from, to)
	if err != nil {
		return nil, err
	}
	if width == 0 {
		width = s.opts.DefaultWidth
	}
	if err := bucket.ValidateWidth(width); err != nil {
		return nil, err
	}
	ctx, span := s.start(ctx, "telemetry.get_aggregate", id, from, to)
	defer span.End()
	span.SetAttributes(attribute.String("bucket.width", width.String()))

	partials, err := s.store.QueryBucketed(ctx, repository.BucketQuery{DeviceID: id, From: from, To: to, Width: width})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return bucket.Finalize(partials, width)
}

// GetDeviceStats summarises the temperature metric over from <= time <= to.
// With no numeric readings Count is zero and Avg, Min and Max are nil.
func (s *Service) GetDeviceStats(ctx context.Context, deviceID string, from, to time.Time) (domain.DeviceStats, error) {
	id, err := validateRange(deviceID, from, to)
	if err != nil {
		return domain.DeviceStats{}, err
	}
	ctx, span := s.start(ctx, "telemetry.get_device_stats", id, from, to)
	defer span.End()

	partials, err := s.store.QueryBucketed(ctx, repository.BucketQuery{
		DeviceID:    id,
		From:        from,
		To:          to,
		Width:       statsWidth,
		ToInclusive: true,
	})
	if err != nil {
		span.RecordError(err)
		return domain.DeviceStats{}, err
	}
	stats, err := bucket.Summarize(partials, MetricTemperature)
	if err != nil {
		return domain.DeviceStats{}, err
	}
	stats.DeviceID = id
	stats.From = from.UTC()
	stats.To = to.UTC()
	return stats, nil
}

// GetTrend returns temperature and humidity readings over from <= time <= to in
// ascending time order. When the range holds more than the trend limit, the most
// recent readings are kept.
func (s *Service) GetTrend(ctx context.Context, deviceID string, from, to time.Time) ([]domain.TrendPoint, error) {
	id, err := validateRange(deviceID, from, to)
	if err != nil {
		return nil, err
	}
	ctx, span := s.start(ctx, "telemetry.get_trend", id, from, to)
	defer span.End()

	records, err := s.store.QueryRange(ctx, id, from, to, s.opts.TrendLimit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	out := make([]domain.TrendPoint, len(records))
	for i, r := range records {
		out[len(records)-1-i] = domain.TrendPoint{
			Time:        r.Time.UTC(),
			Temperature: numericPtr(r.Payload, MetricTemperature),
			Humidity:    numericPtr(r.Payload, MetricHumidity),
		}
	}
	return out, nil
}

func numericPtr(payload map[string]any, metric string) *float64 {
	v, ok := domain.Numeric(payload, metric)
	if !ok {
		return nil
	}
	return &v
}
