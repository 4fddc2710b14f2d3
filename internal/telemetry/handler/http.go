// Package handler serves the query boundary and operational endpoints over HTTP.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/relvacode/iso8601"

	"iot-dataflow/internal/health"
	"iot-dataflow/internal/telemetry/domain"
	"iot-dataflow/internal/telemetry/query"
)

// DefaultLookback is the range used when a request omits from.
const DefaultLookback = time.Hour

// HealthChecker is implemented by *health.Checker.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// Handler holds the dependencies of the HTTP routes.
type Handler struct {
	queries *query.Service
	health  HealthChecker
	metrics http.Handler
	timeout time.Duration
	log     *slog.Logger
	now     func() time.Time
}

// New returns a Handler. metrics may be nil, in which case /api/metrics is not served.
// timeout bounds each query; zero means none.
func New(queries *query.Service, checker HealthChecker, metrics http.Handler, timeout time.Duration, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{queries: queries, health: checker, metrics: metrics, timeout: timeout, log: log, now: time.Now}
}

// Register mounts every route under /api.
func (h *Handler) Register(r gin.IRouter) {
	api := r.Group("/api")
	api.GET("/health", h.getHealth)
	if h.metrics != nil {
		api.GET("/metrics", gin.WrapH(h.metrics))
	}
	api.GET("/telemetry/:deviceId", h.getRange)
	analytics := api.Group("/analytics")
	{
		analytics.GET("/device/:deviceId", h.getDeviceStats)
		analytics.GET("/trend/:deviceId", h.getTrend)
		analytics.GET("/aggregate/:deviceId", h.getAggregate)
	}
}

// NewRouter returns a gin engine with recovery, request logging and every route registered.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())
	h.Register(r)
	return r
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

func (h *Handler) getHealth(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusOK})
		return
	}
	report := h.health.Check(c.Request.Context())
	code := http.StatusOK
	if !report.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (h *Handler) getRange(c *gin.Context) {
	deviceID := c.Param("deviceId")
	from, to, ok := h.timeRange(c)
	if !ok {
		return
	}
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			h.fail(c, domain.NewValidationError("limit", "must be an integer"))
			return
		}
		limit = n
	}
	ctx, cancel := h.queryContext(c)
	defer cancel()

	records, err := h.queries.GetRange(ctx, deviceID, from, to, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deviceId": deviceID, "count": len(records), "data": records})
}

func (h *Handler) getDeviceStats(c *gin.Context) {
	from, to, ok := h.timeRange(c)
	if !ok {
		return
	}
	ctx, cancel := h.queryContext(c)
	defer cancel()

	stats, err := h.queries.GetDeviceStats(ctx, c.Param("deviceId"), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) getTrend(c *gin.Context) {
	deviceID := c.Param("deviceId")
	from, to, ok := h.timeRange(c)
	if !ok {
		return
	}
	ctx, cancel := h.queryContext(c)
	defer cancel()

	trend, err := h.queries.GetTrend(ctx, deviceID, from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deviceId": deviceID, "count": len(trend), "trend": trend})
}

func (h *Handler) getAggregate(c *gin.Context) {
	deviceID := c.Param("deviceId")
	from, to, ok := h.timeRange(c)
	if !ok {
		return
	}
	width, err := parseWidth(c.Query("width"), c.Query("interval"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if width == 0 {
		width = h.queries.Options().DefaultWidth
	}
	ctx, cancel := h.queryContext(c)
	defer cancel()

	buckets, err := h.queries.GetAggregate(ctx, deviceID, from, to, width)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deviceId":      deviceID,
		"width":         width.String(),
		"bucketMinutes": width.Minutes(),
		"data":          buckets,
	})
}

// timeRange reads from and to, defaulting to the last hour. It writes the error response itself.
func (h *Handler) timeRange(c *gin.Context) (time.Time, time.Time, bool) {
	now := h.now().UTC()
	to, err := parseTime(c.Query("to"), "to", now)
	if err != nil {
		h.fail(c, err)
		return time.Time{}, time.Time{}, false
	}
	from, err := parseTime(c.Query("from"), "from", to.Add(-DefaultLookback))
	if err != nil {
		h.fail(c, err)
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func parseTime(s, field string, def time.Time) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	t, err := iso8601.ParseString(s)
	if err != nil {
		return time.Time{}, domain.NewValidationError(field, "must be an ISO-8601 timestamp")
	}
	return t.UTC(), nil
}

// parseWidth accepts a Go duration (width=90s) or a number of minutes (interval=5).
func parseWidth(width, interval string) (time.Duration, error) {
	switch {
	case width != "":
		d, err := time.ParseDuration(width)
		if err != nil || d <= 0 {
			return 0, domain.NewValidationError("width", "must be a positive duration")
		}
		return d, nil
	case interval != "":
		m, err := strconv.ParseFloat(interval, 64)
		if err != nil || m <= 0 {
			return 0, domain.NewValidationError("interval", "must be a positive number of minutes")
		}
		d := time.Duration(m * float64(time.Minute))
		if d <= 0 {
			return 0, domain.NewValidationError("interval", "must be a positive number of minutes")
		}
		return d, nil
	default:
		return 0, nil
	}
}

func (h *Handler) queryContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

// fail maps a query error to its status code.
func (h *Handler) fail(c *gin.Context, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case domain.IsConnectivity(err), errors.Is(err, context.DeadlineExceeded):
		h.log.Warn("query unavailable", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
	default:
		h.log.Error("query failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
	}
}
