package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-dataflow/internal/config"
	"iot-dataflow/internal/metrics"
	"iot-dataflow/internal/telemetry/repository"
)

func testConfig() *config.Config {
	return &config.Config{
		StoreDriver:         config.DriverPostgres,
		IngestRetryAttempts: 2,
		IngestRetryBackoff:  time.Millisecond,
		DefaultRangeLimit:   10,
		MaxRangeLimit:       20,
		TrendLimit:          30,
		DefaultBucketWidth:  time.Minute,
		LogLevel:            "debug",
		LogFormat:           "json",
	}
}

func TestNewLogger(t *testing.T) {
	cfg := testConfig()
	log, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.True(t, log.Enabled(context.Background(), slog.LevelDebug))

	cfg.LogLevel = "loud"
	_, err = NewLogger(cfg)
	assert.Error(t, err)

	cfg.LogLevel, cfg.LogFormat = "info", "xml"
	_, err = NewLogger(cfg)
	assert.Error(t, err)
}

func TestQueryOptions(t *testing.T) {
	opts := QueryOptions(testConfig())
	assert.Equal(t, 10, opts.DefaultLimit)
	assert.Equal(t, 20, opts.MaxLimit)
	assert.Equal(t, 30, opts.TrendLimit)
	assert.Equal(t, time.Minute, opts.DefaultWidth)
}

func TestOpenStore_Errors(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig()
	cfg.StoreDriver = "sqlite"
	_, err := OpenStore(context.Background(), cfg, log)
	assert.Error(t, err)

	cfg.StoreDriver = config.DriverPostgres
	cfg.DatabaseURL = ""
	_, err = OpenStore(context.Background(), cfg, log)
	assert.Error(t, err)
}

func TestNewIngest_StoresMessages(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repository.NewMemoryRepository()
	in := NewIngest(testConfig(), store, metrics.New(), nil, log)
	t.Cleanup(func() { _ = in.Close() })

	res, err := in.Pipeline.Handle(context.Background(), "iot/data/d1", []byte(`[{"temperature":1,"time":"2025-06-01T00:00:00Z"},{"temperature":2,"time":"2025-06-01T00:01:00Z"}]`))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 2, store.Len())
}
