// Package metrics exposes the ingestion Prometheus collectors and the /metrics handler.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes recorded on iot_ingest_messages_total.
const (
	OutcomeStored       = "stored"
	OutcomeParseError   = "parse_error"
	OutcomePersistError = "persist_error"
)

// ActiveWindow is how long a device counts as active after its last record.
const ActiveWindow = 5 * time.Minute

// Metrics holds the collectors registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	Messages        *prometheus.CounterVec
	RecordsInserted prometheus.Counter
	ParseFailures   prometheus.Counter
	InsertDuration  prometheus.Histogram
	ActiveDevices   prometheus.Gauge

	mu       sync.Mutex
	lastSeen map[string]time.Time
	now      func() time.Time
}

// New registers the ingestion collectors plus Go and process collectors
// (prefixed iot_dataflow_) on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iot_ingest_messages_total",
			Help: "Inbound telemetry messages by outcome.",
		}, []string{"outcome"}),
		RecordsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iot_ingest_records_inserted_total",
			Help: "Telemetry records newly persisted.",
		}),
		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iot_ingest_parse_failures_total",
			Help: "Inbound messages rejected as unparsable.",
		}),
		InsertDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "iot_ingest_insert_duration_seconds",
			Help:    "Duration of telemetry batch inserts.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2},
		}),
		ActiveDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iot_active_devices",
			Help: "Devices that sent a record within the last five minutes.",
		}),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
	for _, o := range []string{OutcomeStored, OutcomeParseError, OutcomePersistError} {
		m.Messages.WithLabelValues(o)
	}
	reg.MustRegister(m.Messages, m.RecordsInserted, m.ParseFailures, m.InsertDuration, m.ActiveDevices)
	prometheus.WrapRegistererWithPrefix("iot_dataflow_", reg).MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveMessage counts one inbound message by outcome. Nil-safe.
func (m *Metrics) ObserveMessage(outcome string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(outcome).Inc()
	if outcome == OutcomeParseError {
		m.ParseFailures.Inc()
	}
}

// ObserveInsert records one batch write. Nil-safe.
func (m *Metrics) ObserveInsert(d time.Duration, inserted int) {
	if m == nil {
		return
	}
	m.InsertDuration.Observe(d.Seconds())
	m.RecordsInserted.Add(float64(inserted))
}

// SeenDevices marks devices as active and refreshes the active gauge. Nil-safe.
func (m *Metrics) SeenDevices(deviceIDs ...string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, id := range deviceIDs {
		m.lastSeen[id] = now
	}
	cutoff := now.Add(-ActiveWindow)
	for id, at := range m.lastSeen {
		if at.Before(cutoff) {
			delete(m.lastSeen, id)
		}
	}
	m.ActiveDevices.Set(float64(len(m.lastSeen)))
}
