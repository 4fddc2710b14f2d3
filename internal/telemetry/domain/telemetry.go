// Package domain holds the canonical telemetry types shared by ingestion, storage, and queries.
package domain

import (
	"math"
	"time"
)

// UnknownDeviceID is used when neither the message nor its topic names a device.
const UnknownDeviceID = "unknown"

// Record is one timestamped reading from one device. Once persisted it is never mutated.
type Record struct {
	Time     time.Time      `json:"time"`
	DeviceID string         `json:"deviceId"`
	Topic    string         `json:"topic"`
	Payload  map[string]any `json:"payload"`
	Sequence *int64         `json:"seq,omitempty"` // nil when the producer sent no seq
	Metadata map[string]any `json:"metadata"`
}

// HasSequence reports whether the producer assigned a sequence number.
func (r *Record) HasSequence() bool {
	return r.Sequence != nil
}

// DedupKey identifies the logical reading a record represents.
// Without a sequence the key collapses to (DeviceID, Time), so two distinct
// co-timestamped readings from one device cannot be told apart from a redelivery.
type DedupKey struct {
	DeviceID string
	UnixNano int64
	Sequence int64
	HasSeq   bool
}

// Key returns the record's dedup key.
func (r *Record) Key() DedupKey {
	k := DedupKey{DeviceID: r.DeviceID, UnixNano: r.Time.UnixNano()}
	if r.Sequence != nil {
		k.Sequence = *r.Sequence
		k.HasSeq = true
	}
	return k
}

// PayloadShape tags how a message carried its metrics.
type PayloadShape int

const (
	// PayloadNested means the metrics arrived under an explicit "payload" object.
	PayloadNested PayloadShape = iota + 1
	// PayloadFlat means the element itself (minus reserved fields) is the payload.
	PayloadFlat
)

func (s PayloadShape) String() string {
	switch s {
	case PayloadNested:
		return "nested"
	case PayloadFlat:
		return "flat"
	default:
		return "unknown"
	}
}

// ResolvedPayload is the payload decision made once per inbound element.
type ResolvedPayload struct {
	Shape  PayloadShape
	Values map[string]any
}

// Numeric returns the metric value when it is a finite JSON number.
func Numeric(payload map[string]any, metric string) (float64, bool) {
	v, ok := payload[metric]
	if !ok {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// WriteResult reports the outcome of one batch write.
type WriteResult struct {
	Inserted int `json:"insertedCount"`
}

// MetricStats are per-window statistics for one metric. Avg is rounded to two decimals.
type MetricStats struct {
	Count int64   `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Bucket is a derived, never-stored view of one aggregation window.
type Bucket struct {
	WindowStart time.Time              `json:"windowStart"`
	Width       time.Duration          `json:"-"`
	PerMetric   map[string]MetricStats `json:"perMetric"`
}

// DeviceStats summarises one metric over a range. Pointer fields are nil when Count is zero.
type DeviceStats struct {
	DeviceID string    `json:"deviceId"`
	Metric   string    `json:"-"`
	Count    int64     `json:"count"`
	Avg      *float64  `json:"avg"`
	Min      *float64  `json:"min"`
	Max      *float64  `json:"max"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

// TrendPoint is one raw reading projected to the chart metrics.
type TrendPoint struct {
	Time        time.Time `json:"time"`
	Temperature *float64  `json:"temperature"`
	Humidity    *float64  `json:"humidity"`
}

// IngestEvent describes one successfully persisted inbound message.
type IngestEvent struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	DeviceIDs []string  `json:"deviceIds"`
	Received  int       `json:"received"`
	Inserted  int       `json:"inserted"`
	CreatedAt time.Time `json:"createdAt"`
}
