package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordKey(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	seq := int64(7)

	withSeq := Record{DeviceID: "sensor-1", Time: ts, Sequence: &seq}
	withoutSeq := Record{DeviceID: "sensor-1", Time: ts}

	assert.True(t, withSeq.HasSequence())
	assert.False(t, withoutSeq.HasSequence())
	assert.NotEqual(t, withSeq.Key(), withoutSeq.Key())
	assert.Equal(t, withoutSeq.Key(), (&Record{DeviceID: "sensor-1", Time: ts}).Key())
}

func TestNumeric(t *testing.T) {
	payload := map[string]any{
		"temperature": 21.5,
		"count":       int64(3),
		"label":       "warm",
		"flag":        true,
		"nested":      map[string]any{"x": 1.0},
		"overflow":    math.Inf(1),
		"underflow":   math.Inf(-1),
		"nan":         math.NaN(),
	}

	v, ok := Numeric(payload, "temperature")
	assert.True(t, ok)
	assert.Equal(t, 21.5, v)

	v, ok = Numeric(payload, "count")
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)

	for _, metric := range []string{"label", "flag", "nested", "missing", "overflow", "underflow", "nan"} {
		_, ok := Numeric(payload, metric)
		assert.False(t, ok, metric)
	}
}

func TestPayloadShapeString(t *testing.T) {
	assert.Equal(t, "nested", PayloadNested.String())
	assert.Equal(t, "flat", PayloadFlat.String())
	assert.Equal(t, "unknown", PayloadShape(0).String())
}
