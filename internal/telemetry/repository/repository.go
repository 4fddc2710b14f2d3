// Package repository defines the telemetry store contract and its implementations.
package repository

import (
	"context"
	"errors"
	"net"
	"time"

	"iot-dataflow/internal/telemetry/bucket"
	"iot-dataflow/internal/telemetry/domain"
)

// Store persists telemetry records and answers range and bucketed queries.
// Implementations must be safe for concurrent use.
type Store interface {
	// InsertBatch writes records as one operation and returns how many were new.
	// Records whose dedup key already exists are skipped without error.
	InsertBatch(ctx context.Context, records []domain.Record) (int, error)
	// QueryRange returns records of deviceID with from <= time <= to, newest first, at most limit.
	QueryRange(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]domain.Record, error)
	// QueryBucketed returns per-window, per-metric partial aggregates.
	QueryBucketed(ctx context.Context, q BucketQuery) ([]bucket.Partial, error)
	// HealthCheck returns nil when the store is reachable.
	HealthCheck(ctx context.Context) error
	Close() error
}

// BucketQuery selects the records folded by QueryBucketed.
// The range is [From, To) unless ToInclusive is set.
type BucketQuery struct {
	DeviceID    string
	From        time.Time
	To          time.Time
	Width       time.Duration
	ToInclusive bool
}

// Contains reports whether t falls inside the query range.
func (q BucketQuery) Contains(t time.Time) bool {
	if t.Before(q.From) {
		return false
	}
	if q.ToInclusive {
		return !t.After(q.To)
	}
	return t.Before(q.To)
}

// accumulatorEnd returns the exclusive end used when folding in process.
func (q BucketQuery) accumulatorEnd() time.Time {
	if q.ToInclusive {
		return q.To.Add(time.Nanosecond)
	}
	return q.To
}

// connectivity wraps err in a *domain.ConnectivityError when it indicates that
// component could not be reached. Other errors are returned unchanged.
func connectivity(component string, err error, extra ...func(error) bool) error {
	if err == nil {
		return nil
	}
	if domain.IsConnectivity(err) {
		return err
	}
	unreachable := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) {
		unreachable = true
	}
	for _, f := range extra {
		if f(err) {
			unreachable = true
		}
	}
	if !unreachable {
		return err
	}
	return &domain.ConnectivityError{Component: component, Err: err}
}
