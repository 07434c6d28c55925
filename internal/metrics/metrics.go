// Package metrics Prometheus 指标: 事件吞吐、run 结果、持久化与 HTTP 请求。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/multi-agent/go-agui/internal/event"
)

const namespace = "agui"

// Metrics 指标集合, 实现 engine.Observer。
type Metrics struct {
	registry *prometheus.Registry

	eventsApplied *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	saves         *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New 创建独立 registry 并注册全部指标 (含 Go runtime / process 采集器)。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Events applied to a conversation, by event type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped as unrecognized or unresolvable, by event type.",
		}, []string{"type"}),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs started or retried.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs finished, by outcome.",
		}, []string{"outcome"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_saves_total",
			Help:      "Snapshot saves, by result.",
		}, []string{"result"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsApplied, m.eventsDropped, m.runsStarted, m.runsFinished, m.saves, m.httpDuration,
	)
	return m
}

// Registry 底层 registry。
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WatchRunning 注册运行中 run 数量的 gauge, 采集时调用 fn。
func (m *Metrics) WatchRunning(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "runs_running",
		Help:      "Runs currently streaming.",
	}, func() float64 { return float64(fn()) }))
}

// WatchThreads 注册 thread 数量 gauge。
func (m *Metrics) WatchThreads(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "threads",
		Help:      "Threads held by the engine.",
	}, func() float64 { return float64(fn()) }))
}

// ===== engine.Observer =====

func (m *Metrics) EventApplied(kind string) { m.eventsApplied.WithLabelValues(label(kind)).Inc() }
func (m *Metrics) EventDropped(kind string) { m.eventsDropped.WithLabelValues(label(kind)).Inc() }
func (m *Metrics) RunStarted()              { m.runsStarted.Inc() }
func (m *Metrics) RunFinished(outcome string) {
	m.runsFinished.WithLabelValues(outcome).Inc()
}

// ObserveSave persist.AutosaveOptions.OnSave 回调。
func (m *Metrics) ObserveSave(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.saves.WithLabelValues(result).Inc()
}

// GinMiddleware 记录请求耗时; route 使用注册的路由模板, 避免 id 造成标签爆炸。
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

// label 未知 / 缺失的事件类型归为 "unknown", 标签取值限定在协议类型内。
func label(kind string) string {
	if !event.Kind(kind).Known() {
		return "unknown"
	}
	return kind
}
