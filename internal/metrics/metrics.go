package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Metrics 网关的Prometheus指标集合
// 所有方法对nil接收者安全，未启用指标时可直接传nil
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	forwardAttempts  *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	healthState      *prometheus.GaugeVec
	healthTransition *prometheus.CounterVec
	registryRefresh  *prometheus.CounterVec
	snapshotSize     prometheus.Gauge
	snapshotRevision prometheus.Gauge
	rateLimited      prometheus.Counter
}

// New 创建指标集合，使用独立的registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests by service and status code",
		}, []string{"service", "code"}),
		forwardAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_attempts_total",
			Help:      "Total number of upstream attempts by service and outcome",
		}, []string{"service", "outcome"}),
		upstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Latency of upstream attempts",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		healthState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_health_state",
			Help:      "Current health state of an instance (0=unknown 1=healthy 2=suspect 3=dead)",
		}, []string{"service", "instance"}),
		healthTransition: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_transitions_total",
			Help:      "Total number of instance health state transitions",
		}, []string{"service", "from", "to"}),
		registryRefresh: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_refresh_total",
			Help:      "Total number of registry refreshes by result",
		}, []string{"result"}),
		snapshotSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_snapshot_instances",
			Help:      "Number of instances in the current registry snapshot",
		}),
		snapshotRevision: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_snapshot_revision",
			Help:      "Revision of the current registry snapshot",
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		}),
	}
}

// Handler 返回 /metrics 的HTTP处理器
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 返回内部registry，仅用于测试
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest 记录一次网关请求的最终状态码
func (m *Metrics) ObserveRequest(service string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(service, strconv.Itoa(code)).Inc()
}

// ObserveAttempt 记录一次上游尝试
func (m *Metrics) ObserveAttempt(service, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.forwardAttempts.WithLabelValues(service, outcome).Inc()
	m.upstreamLatency.WithLabelValues(service).Observe(d.Seconds())
}

// SetHealthState 更新实例健康状态
func (m *Metrics) SetHealthState(service, instance string, state int) {
	if m == nil {
		return
	}
	m.healthState.WithLabelValues(service, instance).Set(float64(state))
}

// DeleteInstance 实例移除后删除其健康指标
func (m *Metrics) DeleteInstance(service, instance string) {
	if m == nil {
		return
	}
	m.healthState.DeleteLabelValues(service, instance)
}

// ObserveTransition 记录一次状态迁移
func (m *Metrics) ObserveTransition(service, from, to string) {
	if m == nil {
		return
	}
	m.healthTransition.WithLabelValues(service, from, to).Inc()
}

// ObserveRefresh 记录一次注册中心刷新结果
func (m *Metrics) ObserveRefresh(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.registryRefresh.WithLabelValues(result).Inc()
}

// SetSnapshot 更新快照大小和版本
func (m *Metrics) SetSnapshot(instances int, revision uint64) {
	if m == nil {
		return
	}
	m.snapshotSize.Set(float64(instances))
	m.snapshotRevision.Set(float64(revision))
}

// IncRateLimited 记录一次限流拒绝
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
