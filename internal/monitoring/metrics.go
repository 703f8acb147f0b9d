package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "unibox"

// Metrics 监控指标，每个实例持有独立的注册表
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	PanicsTotal         prometheus.Counter

	// 限流与计数存储
	LimiterViolations *prometheus.CounterVec
	CounterFallbacks  *prometheus.CounterVec

	// 业务指标
	WebhookEvents *prometheus.CounterVec
	Sends         *prometheus.CounterVec
	BackgroundJob *prometheus.CounterVec
}

// NewMetrics 创建监控指标并注册到新的注册表
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		PanicsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
		),

		LimiterViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "limiter_violations_total",
				Help:      "Send attempts denied by the limiter, by violation code",
			},
			[]string{"code"},
		),

		CounterFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "counter_fallback_total",
				Help:      "Counter operations served by the durable fallback store",
			},
			[]string{"op"},
		),

		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Webhook deliveries by payload shape and resulting action",
			},
			[]string{"shape", "action"},
		),

		Sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sends_total",
				Help:      "Outbound send attempts by result",
			},
			[]string{"result"},
		),

		BackgroundJob: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "maintenance_runs_total",
				Help:      "Scheduled maintenance job runs by job and result",
			},
			[]string{"job", "result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PanicsTotal,
		m.LimiterViolations,
		m.CounterFallbacks,
		m.WebhookEvents,
		m.Sends,
		m.BackgroundJob,
	)
	return m
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// LimiterViolation 实现 limiter.ViolationObserver
func (m *Metrics) LimiterViolation(code string) {
	m.LimiterViolations.WithLabelValues(code).Inc()
}

// CounterFallback 实现 counter.FallbackObserver
func (m *Metrics) CounterFallback(op string) {
	m.CounterFallbacks.WithLabelValues(op).Inc()
}

// WebhookEvent 记录 webhook 处理结果
func (m *Metrics) WebhookEvent(shape, action string) {
	if shape == "" {
		shape = "none"
	}
	m.WebhookEvents.WithLabelValues(shape, action).Inc()
}

// SendResult 记录发送结果（sent / violation / vendor_error / blocked / unavailable）
func (m *Metrics) SendResult(result string) {
	m.Sends.WithLabelValues(result).Inc()
}

// MaintenanceRun 记录定时任务执行结果
func (m *Metrics) MaintenanceRun(job string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BackgroundJob.WithLabelValues(job, result).Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
