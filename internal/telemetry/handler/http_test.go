package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-dataflow/internal/health"
	"iot-dataflow/internal/metrics"
	"iot-dataflow/internal/telemetry/domain"
	"iot-dataflow/internal/telemetry/query"
	"iot-dataflow/internal/telemetry/repository"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stubHealth struct{ report health.Report }

func (s stubHealth) Check(context.Context) health.Report { return s.report }

func newTestRouter(t *testing.T, checker HealthChecker) (*gin.Engine, *repository.MemoryRepository) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := repository.NewMemoryRepository()
	_, err := store.InsertBatch(context.Background(), []domain.Record{
		{Time: base, DeviceID: "d1", Topic: "iot/data/d1", Payload: map[string]any{"temperature": 20.0, "humidity": 40.0}, Metadata: map[string]any{}},
		{Time: base.Add(2 * time.Minute), DeviceID: "d1", Topic: "iot/data/d1", Payload: map[string]any{"temperature": 22.0}, Metadata: map[string]any{}},
		{Time: base.Add(6 * time.Minute), DeviceID: "d1", Topic: "iot/data/d1", Payload: map[string]any{"temperature": 30.0}, Metadata: map[string]any{}},
	})
	require.NoError(t, err)
	h := New(query.NewService(store, query.DefaultOptions()), checker, metrics.New().Handler(), time.Second, nil)
	h.now = func() time.Time { return base.Add(30 * time.Minute) }
	return NewRouter(h), store
}

func get(t *testing.T, r http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestGetRange(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	w, body := get(t, r, "/api/telemetry/d1?from=2025-06-01T12:00:00Z&to=2025-06-01T12:05:00Z")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "d1", body["deviceId"])
	assert.EqualValues(t, 2, body["count"])
	data := body["data"].([]any)
	first := data[0].(map[string]any)
	assert.Equal(t, "2025-06-01T12:02:00Z", first["time"])
}

func TestGetRange_DefaultWindow(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	w, body := get(t, r, "/api/telemetry/d1?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
}

func TestValidationErrors(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	for _, target := range []string{
		"/api/telemetry/d1?from=2025-06-01T13:00:00Z&to=2025-06-01T12:00:00Z",
		"/api/telemetry/d1?from=yesterday",
		"/api/telemetry/d1?limit=ten",
		"/api/telemetry/d1?limit=-5",
		"/api/analytics/aggregate/d1?width=-5m",
		"/api/analytics/aggregate/d1?interval=abc",
		"/api/analytics/aggregate/d1?interval=1e-12",
		"/api/analytics/device/d1?to=2025-06-01T10:00:00Z&from=2025-06-01T11:00:00Z",
	} {
		w, body := get(t, r, target)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
		assert.NotEmpty(t, body["error"], target)
	}
}

func TestGetDeviceStats(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	w, body := get(t, r, "/api/analytics/device/d1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, body["count"])
	assert.EqualValues(t, 24, body["avg"])
	assert.EqualValues(t, 20, body["min"])
	assert.EqualValues(t, 30, body["max"])

	w, body = get(t, r, "/api/analytics/device/unknown-device")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["count"])
	assert.Nil(t, body["avg"])
}

func TestGetTrend(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	w, body := get(t, r, "/api/analytics/trend/d1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, body["count"])
	trend := body["trend"].([]any)
	first := trend[0].(map[string]any)
	second := trend[1].(map[string]any)
	assert.EqualValues(t, 20, first["temperature"])
	assert.EqualValues(t, 40, first["humidity"])
	assert.Nil(t, second["humidity"])
}

func TestGetAggregate(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	for _, q := range []string{"interval=5", "width=5m", ""} {
		w, body := get(t, r, "/api/analytics/aggregate/d1?from=2025-06-01T12:00:00Z&to=2025-06-01T12:10:00Z&"+q)
		require.Equal(t, http.StatusOK, w.Code, q)
		assert.EqualValues(t, 5, body["bucketMinutes"], q)
		data := body["data"].([]any)
		require.Len(t, data, 2, q)
		perMetric := data[0].(map[string]any)["perMetric"].(map[string]any)
		temp := perMetric["temperature"].(map[string]any)
		assert.EqualValues(t, 2, temp["count"])
		assert.EqualValues(t, 21, temp["avg"])
	}
}

func TestStoreUnavailable(t *testing.T) {
	r, store := newTestRouter(t, nil)
	store.SetUnavailable(errors.New("connection refused"))
	w, body := get(t, r, "/api/analytics/trend/d1")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "store unavailable", body["error"])
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t, stubHealth{report: health.Report{Status: health.StatusOK, Database: health.Connected}})
	w, body := get(t, r, "/api/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	r, _ = newTestRouter(t, stubHealth{report: health.Report{Status: health.StatusDegraded, Database: health.Disconnected}})
	w, body = get(t, r, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "disconnected", body["database"])
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "iot_ingest_messages_total")
}

func TestParseWidth(t *testing.T) {
	d, err := parseWidth("", "0.5")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
	d, err = parseWidth("90s", "5")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d, "width takes precedence")
	d, err = parseWidth("", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	for _, interval := range []string{"1e-12", "0", "-1", "abc"} {
		_, err = parseWidth("", interval)
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr, interval)
		assert.Equal(t, "interval", verr.Field)
	}
}
