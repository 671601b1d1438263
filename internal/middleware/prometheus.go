package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rebuild-go/internal/pipeline"
)

// PrometheusMetrics Prometheus 指标收集器
//
// 同时实现 pipeline.Observer（阶段指标）与 service.RunRecorder（运行指标）。
type PrometheusMetrics struct {
	logger   *logrus.Logger
	gatherer prometheus.Gatherer

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 运行指标
	runsTotal        *prometheus.CounterVec
	runsInProgress   prometheus.Gauge
	runDuration      *prometheus.HistogramVec
	runFailuresTotal *prometheus.CounterVec

	// 阶段指标
	stagesInProgress   *prometheus.GaugeVec
	stageDuration      *prometheus.HistogramVec
	stageFailuresTotal *prometheus.CounterVec

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// 队列指标
	workerPoolQueueSize prometheus.Gauge
	brokerQueueDepth    prometheus.Gauge

	// 数据库指标
	dbConnectionsOpen  prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge
	dbConnectionsInUse prometheus.Gauge
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器，reg 为 nil 时注册到默认 registry
func NewPrometheusMetrics(logger *logrus.Logger, namespace string, reg *prometheus.Registry) *PrometheusMetrics {
	if namespace == "" {
		namespace = "apk_rebuild"
	}
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	pm := &PrometheusMetrics{
		logger:   logger,
		gatherer: gatherer,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60},
			},
			[]string{"method", "path"},
		),

		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of rebuild runs by status transition",
			},
			[]string{"status"}, // queued, running, completed, failed
		),
		runsInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_progress",
				Help:      "Number of rebuild runs currently executing",
			},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Rebuild run duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		runFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_failures_total",
				Help:      "Total number of failed rebuild runs by failure kind",
			},
			[]string{"kind"},
		),

		stagesInProgress: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stages_in_progress",
				Help:      "Number of pipeline stages currently executing",
			},
			[]string{"stage"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"stage"},
		),
		stageFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Total number of pipeline stage failures",
			},
			[]string{"stage", "kind"},
		),

		memoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		workerPoolQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of rebuild tasks waiting in the in-process pool",
			},
		),
		brokerQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "broker_queue_depth",
				Help:      "Number of rebuild messages waiting in RabbitMQ",
			},
		),

		dbConnectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_open",
				Help:      "Number of open database connections",
			},
		),
		dbConnectionsIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_idle",
				Help:      "Number of idle database connections",
			},
		),
		dbConnectionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_in_use",
				Help:      "Number of database connections in use",
			},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(pm.gatherer, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// StageStarted 实现 pipeline.Observer
func (pm *PrometheusMetrics) StageStarted(_ string, stage pipeline.Stage) {
	pm.stagesInProgress.WithLabelValues(stage.String()).Inc()
}

// StageFinished 实现 pipeline.Observer
func (pm *PrometheusMetrics) StageFinished(_ string, stage pipeline.Stage, elapsed time.Duration, err error) {
	name := stage.String()
	pm.stagesInProgress.WithLabelValues(name).Dec()
	pm.stageDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if err != nil {
		pm.stageFailuresTotal.WithLabelValues(name, pipeline.Kind(err)).Inc()
	}
}

// RecordRunQueued 记录新建的重建记录
func (pm *PrometheusMetrics) RecordRunQueued() {
	pm.runsTotal.WithLabelValues("queued").Inc()
}

// RecordRunStarted 记录开始执行
func (pm *PrometheusMetrics) RecordRunStarted() {
	pm.runsTotal.WithLabelValues("running").Inc()
	pm.runsInProgress.Inc()
}

// RecordRunCompleted 记录成功完成
func (pm *PrometheusMetrics) RecordRunCompleted(duration time.Duration) {
	pm.runsTotal.WithLabelValues("completed").Inc()
	pm.runsInProgress.Dec()
	pm.runDuration.WithLabelValues("completed").Observe(duration.Seconds())
}

// RecordRunFailed 记录失败及其分类
func (pm *PrometheusMetrics) RecordRunFailed(kind string, duration time.Duration) {
	pm.runsTotal.WithLabelValues("failed").Inc()
	pm.runsInProgress.Dec()
	pm.runDuration.WithLabelValues("failed").Observe(duration.Seconds())
	pm.runFailuresTotal.WithLabelValues(kind).Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateQueueStats 更新 Worker 池与 RabbitMQ 积压
func (pm *PrometheusMetrics) UpdateQueueStats(poolPending, brokerDepth int) {
	pm.workerPoolQueueSize.Set(float64(poolPending))
	pm.brokerQueueDepth.Set(float64(brokerDepth))
}

// UpdateDBStats 更新数据库连接统计
func (pm *PrometheusMetrics) UpdateDBStats(open, idle, inUse int) {
	pm.dbConnectionsOpen.Set(float64(open))
	pm.dbConnectionsIdle.Set(float64(idle))
	pm.dbConnectionsInUse.Set(float64(inUse))
}
