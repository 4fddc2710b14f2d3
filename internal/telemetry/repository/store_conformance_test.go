package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-dataflow/internal/telemetry/bucket"
	"iot-dataflow/internal/telemetry/domain"
)

var base = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func seqPtr(v int64) *int64 { return &v }

func rec(device string, offset time.Duration, payload map[string]any) domain.Record {
	return domain.Record{
		Time:     base.Add(offset),
		DeviceID: device,
		Topic:    "iot/data/" + device,
		Payload:  payload,
		Metadata: map[string]any{},
	}
}

// runStoreConformance exercises the behaviour every Store must share.
// newStore must return an empty store.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("insert counts only new records", func(t *testing.T) {
		s := newStore(t)
		batch := []domain.Record{
			rec("d1", 0, map[string]any{"temperature": 20.0}),
			rec("d1", time.Minute, map[string]any{"temperature": 21.0}),
		}
		n, err := s.InsertBatch(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.InsertBatch(ctx, batch)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		got, err := s.QueryRange(ctx, "d1", base, base.Add(time.Hour), 100)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("mixed batch adds only unseen keys", func(t *testing.T) {
		s := newStore(t)
		first := []domain.Record{
			rec("d1", 0, map[string]any{"temperature": 20.0}),
			rec("d1", time.Minute, map[string]any{"temperature": 21.0}),
			rec("d2", 0, map[string]any{"temperature": 22.0}),
		}
		first[1].Sequence = seqPtr(7)
		n, err := s.InsertBatch(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		withSeq := rec("d1", 0, map[string]any{"temperature": 23.0})
		withSeq.Sequence = seqPtr(1)
		mixed := []domain.Record{
			first[0],
			rec("d1", 2*time.Minute, map[string]any{"temperature": 24.0}),
			first[1],
			withSeq,
			first[2],
			rec("d2", time.Minute, map[string]any{"temperature": 25.0}),
		}
		n, err = s.InsertBatch(ctx, mixed)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		got, err := s.QueryRange(ctx, "d1", base, base.Add(time.Hour), 100)
		require.NoError(t, err)
		assert.Len(t, got, 4)
		got, err = s.QueryRange(ctx, "d2", base, base.Add(time.Hour), 100)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("empty batch", func(t *testing.T) {
		s := newStore(t)
		n, err := s.InsertBatch(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("duplicates inside one batch", func(t *testing.T) {
		s := newStore(t)
		r := rec("d1", 0, map[string]any{"temperature": 20.0})
		n, err := s.InsertBatch(ctx, []domain.Record{r, r})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("sequence distinguishes co-timestamped records", func(t *testing.T) {
		s := newStore(t)
		a := rec("d1", 0, map[string]any{"temperature": 20.0})
		a.Sequence = seqPtr(1)
		b := rec("d1", 0, map[string]any{"temperature": 21.0})
		b.Sequence = seqPtr(2)
		c := rec("d1", 0, map[string]any{"temperature": 22.0})
		n, err := s.InsertBatch(ctx, []domain.Record{a, b, c})
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		again := rec("d1", 0, map[string]any{"temperature": 99.0})
		n, err = s.InsertBatch(ctx, []domain.Record{again})
		require.NoError(t, err)
		assert.Equal(t, 0, n, "record without seq collapses to (device, time)")
	})

	t.Run("range is inclusive and newest first", func(t *testing.T) {
		s := newStore(t)
		_, err := s.InsertBatch(ctx, []domain.Record{
			rec("d1", 0, map[string]any{"temperature": 1.0}),
			rec("d1", 10*time.Minute, map[string]any{"temperature": 2.0}),
			rec("d1", 20*time.Minute, map[string]any{"temperature": 3.0}),
			rec("d2", 10*time.Minute, map[string]any{"temperature": 4.0}),
		})
		require.NoError(t, err)

		got, err := s.QueryRange(ctx, "d1", base, base.Add(20*time.Minute), 100)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.True(t, got[0].Time.Equal(base.Add(20*time.Minute)))
		assert.True(t, got[2].Time.Equal(base))
		assert.Equal(t, 3.0, got[0].Payload["temperature"])

		got, err = s.QueryRange(ctx, "d1", base, base.Add(20*time.Minute), 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = s.QueryRange(ctx, "nobody", base, base.Add(time.Hour), 100)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("records round trip", func(t *testing.T) {
		s := newStore(t)
		r := rec("d1", 0, map[string]any{"temperature": 25.7, "status": "ok"})
		r.Sequence = seqPtr(0)
		r.Metadata = map[string]any{"fw": "1.2"}
		_, err := s.InsertBatch(ctx, []domain.Record{r})
		require.NoError(t, err)

		got, err := s.QueryRange(ctx, "d1", base, base, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "iot/data/d1", got[0].Topic)
		assert.Equal(t, r.Payload, got[0].Payload)
		assert.Equal(t, r.Metadata, got[0].Metadata)
		require.NotNil(t, got[0].Sequence)
		assert.EqualValues(t, 0, *got[0].Sequence)
	})

	t.Run("bucketed partials match the reference example", func(t *testing.T) {
		s := newStore(t)
		_, err := s.InsertBatch(ctx, []domain.Record{
			rec("d1", 0, map[string]any{"temperature": 20.0}),
			rec("d1", 2*time.Minute, map[string]any{"temperature": 22.0}),
			rec("d1", 6*time.Minute, map[string]any{"temperature": 30.0, "label": "x"}),
		})
		require.NoError(t, err)

		partials, err := s.QueryBucketed(ctx, BucketQuery{DeviceID: "d1", From: base, To: base.Add(10 * time.Minute), Width: 5 * time.Minute})
		require.NoError(t, err)
		buckets, err := bucket.Finalize(partials, 5*time.Minute)
		require.NoError(t, err)
		require.Len(t, buckets, 2)

		first := buckets[0].PerMetric["temperature"]
		assert.True(t, buckets[0].WindowStart.Equal(base))
		assert.EqualValues(t, 2, first.Count)
		assert.Equal(t, 21.0, first.Avg)
		assert.Equal(t, 20.0, first.Min)
		assert.Equal(t, 22.0, first.Max)

		second := buckets[1].PerMetric["temperature"]
		assert.True(t, buckets[1].WindowStart.Equal(base.Add(5*time.Minute)))
		assert.EqualValues(t, 1, second.Count)
		assert.Equal(t, 30.0, second.Avg)
		assert.NotContains(t, buckets[1].PerMetric, "label")
	})

	t.Run("bucketed upper bound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.InsertBatch(ctx, []domain.Record{
			rec("d1", 0, map[string]any{"temperature": 20.0}),
			rec("d1", 10*time.Minute, map[string]any{"temperature": 40.0}),
		})
		require.NoError(t, err)

		q := BucketQuery{DeviceID: "d1", From: base, To: base.Add(10 * time.Minute), Width: 5 * time.Minute}
		partials, err := s.QueryBucketed(ctx, q)
		require.NoError(t, err)
		stats, err := bucket.Summarize(partials, "temperature")
		require.NoError(t, err)
		assert.EqualValues(t, 1, stats.Count)

		q.ToInclusive = true
		partials, err = s.QueryBucketed(ctx, q)
		require.NoError(t, err)
		stats, err = bucket.Summarize(partials, "temperature")
		require.NoError(t, err)
		assert.EqualValues(t, 2, stats.Count)
		require.NotNil(t, stats.Avg)
		assert.Equal(t, 30.0, *stats.Avg)
	})

	t.Run("health", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.HealthCheck(ctx))
	})
}
