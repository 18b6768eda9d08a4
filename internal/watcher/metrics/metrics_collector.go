package metrics

import (
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// MetricsCollector is the watcher's observability facade. It satisfies
// the CDP session's Metrics interface and is also handed to the HTTP
// server for request accounting.
type MetricsCollector struct {
	prometheus *PrometheusMetrics
	logger     *zap.Logger
}

func NewMetricsCollector(namespace string, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		prometheus: NewPrometheusMetrics(namespace, logger),
		logger:     logger,
	}
}

func (mc *MetricsCollector) RecordReconnect() {
	mc.prometheus.RecordReconnect()

	mc.logger.Debug("Recorded CDP reconnect metric")
}

func (mc *MetricsCollector) RecordCall(method string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	mc.prometheus.RecordCall(method, status)

	mc.logger.Debug("Recorded CDP call metric",
		zap.String("method", method),
		zap.String("status", status))
}

func (mc *MetricsCollector) SetPendingCalls(n int) {
	mc.prometheus.SetPendingCalls(n)
}

func (mc *MetricsCollector) RecordHTTPRequest(path string, status int) {
	mc.prometheus.RecordHTTPRequest(path, status)

	mc.logger.Debug("Recorded HTTP request metric",
		zap.String("path", path),
		zap.Int("status", status))
}

func (mc *MetricsCollector) RecordLogEvent(level string) {
	mc.prometheus.RecordLogEvent(level)
}

func (mc *MetricsCollector) SetBufferDropped(buffer string, dropped int64) {
	mc.prometheus.SetBufferDropped(buffer, dropped)
}

func (mc *MetricsCollector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	mc.prometheus.ServeHTTP(ctx)
}
