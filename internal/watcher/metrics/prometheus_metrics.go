package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

type PrometheusMetrics struct {
	httpHandler func(*fasthttp.RequestCtx)
	logger      *zap.Logger

	reconnectsTotal   prometheus.Counter
	cdpCallsTotal     *prometheus.CounterVec
	pendingCalls      prometheus.Gauge
	httpRequestsTotal *prometheus.CounterVec
	logEventsTotal    *prometheus.CounterVec
	bufferDropped     *prometheus.GaugeVec
}

func NewPrometheusMetrics(namespace string, logger *zap.Logger) *PrometheusMetrics {
	if namespace == "" {
		namespace = "argus"
	}

	pm := &PrometheusMetrics{
		logger: logger,
	}

	pm.reconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "cdp_reconnects_total",
			Help:      "Total number of CDP connect attempts",
		},
	)

	pm.cdpCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "cdp_calls_total",
			Help:      "Total number of CDP protocol calls",
		},
		[]string{"method", "status"},
	)

	pm.pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "cdp_pending_calls",
			Help:      "Number of in-flight CDP calls",
		},
	)

	pm.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "http_requests_total",
			Help:      "Total number of watcher API requests",
		},
		[]string{"path", "status"},
	)

	pm.logEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "log_events_total",
			Help:      "Total number of captured log events",
		},
		[]string{"level"},
	)

	pm.bufferDropped = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "buffer_dropped_total",
			Help:      "Events dropped from the ring buffers since start",
		},
		[]string{"buffer"},
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(pm.reconnectsTotal)
	registry.MustRegister(pm.cdpCallsTotal)
	registry.MustRegister(pm.pendingCalls)
	registry.MustRegister(pm.httpRequestsTotal)
	registry.MustRegister(pm.logEventsTotal)
	registry.MustRegister(pm.bufferDropped)

	gatherer := prometheus.Gatherer(registry)
	handler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})

	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(handler)

	logger.Info("Prometheus metrics initialized for watcher",
		zap.String("namespace", namespace))

	return pm
}

func (pm *PrometheusMetrics) RecordReconnect() {
	pm.reconnectsTotal.Inc()
}

func (pm *PrometheusMetrics) RecordCall(method, status string) {
	pm.cdpCallsTotal.WithLabelValues(method, status).Inc()
}

func (pm *PrometheusMetrics) SetPendingCalls(n int) {
	pm.pendingCalls.Set(float64(n))
}

func (pm *PrometheusMetrics) RecordHTTPRequest(path string, status int) {
	pm.httpRequestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
}

func (pm *PrometheusMetrics) RecordLogEvent(level string) {
	pm.logEventsTotal.WithLabelValues(level).Inc()
}

func (pm *PrometheusMetrics) SetBufferDropped(buffer string, dropped int64) {
	pm.bufferDropped.WithLabelValues(buffer).Set(float64(dropped))
}

func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}
