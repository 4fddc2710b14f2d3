package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"iot-dataflow/internal/telemetry/bucket"
	"iot-dataflow/internal/telemetry/domain"
)

// MemoryRepository keeps records in process. It backs tests only.
type MemoryRepository struct {
	mu       sync.RWMutex
	byDevice map[string][]domain.Record
	seen     map[domain.DedupKey]struct{}
	down     error
}

// NewMemoryRepository returns an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byDevice: make(map[string][]domain.Record),
		seen:     make(map[domain.DedupKey]struct{}),
	}
}

// SetUnavailable makes every operation fail with err until called with nil.
func (r *MemoryRepository) SetUnavailable(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		err = &domain.ConnectivityError{Component: "memory store", Err: err}
	}
	r.down = err
}

// InsertBatch stores every record whose dedup key has not been seen.
func (r *MemoryRepository) InsertBatch(ctx context.Context, records []domain.Record) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down != nil {
		return 0, r.down
	}
	inserted := 0
	for _, rec := range records {
		k := rec.Key()
		if _, dup := r.seen[k]; dup {
			continue
		}
		r.seen[k] = struct{}{}
		rec.Time = rec.Time.UTC()
		r.byDevice[rec.DeviceID] = append(r.byDevice[rec.DeviceID], rec)
		inserted++
	}
	return inserted, nil
}

// QueryRange returns the newest matching records first. Records sharing a
// timestamp come back in reverse insertion order.
func (r *MemoryRepository) QueryRange(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.down != nil {
		return nil, r.down
	}
	var out []domain.Record
	for _, rec := range r.byDevice[deviceID] {
		if rec.Time.Before(from) || rec.Time.After(to) {
			continue
		}
		out = append(out, rec)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// QueryBucketed folds matching records with a bucket.Accumulator.
func (r *MemoryRepository) QueryBucketed(ctx context.Context, q BucketQuery) ([]bucket.Partial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.down != nil {
		return nil, r.down
	}
	acc := bucket.NewAccumulator(q.From, q.accumulatorEnd(), q.Width)
	for _, rec := range r.byDevice[q.DeviceID] {
		if !q.Contains(rec.Time) {
			continue
		}
		if err := acc.Add(rec); err != nil {
			return nil, err
		}
	}
	return acc.Partials(), nil
}

// HealthCheck fails only after SetUnavailable.
func (r *MemoryRepository) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.down
}

// Len returns the number of stored records.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.seen)
}

// Close is a no-op.
func (r *MemoryRepository) Close() error { return nil }
