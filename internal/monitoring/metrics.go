package monitoring

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace 指标名前缀
const Namespace = "imagerelay"

// 投递类型
const (
	DeliverySelf = "self"
	DeliveryUser = "user"
)

// 上传结果
const (
	UploadStored       = "stored"
	UploadRejected     = "rejected"
	UploadStorageError = "storage_error"
)

// 清理结果
const (
	CleanupRemoved  = "removed"
	CleanupRetained = "retained"
	CleanupError    = "error"
)

// Metrics 监控指标
type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 上传指标
	UploadsTotal *prometheus.CounterVec
	UploadSize   prometheus.Histogram

	// 投递指标
	DeliveriesTotal  *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	CleanupsTotal    *prometheus.CounterVec

	// 状态指标
	RetainedUploads  prometheus.Gauge
	RetainedBytes    prometheus.Gauge
	PendingTasks     prometheus.Gauge
	WebsocketClients prometheus.Gauge

	// 系统指标
	SystemUptime prometheus.Gauge
	MemoryUsage  prometheus.Gauge

	// 错误指标
	ErrorsTotal  *prometheus.CounterVec
	PanicsTotal  prometheus.Counter
	ContentFlags *prometheus.CounterVec
}

// NewMetrics 创建监控指标
//
// 每个实例使用独立的注册表，registry 为 nil 时新建一个并注册 Go 运行时指标。
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		started:  time.Now(),

		// HTTP 请求指标
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "http_request_size_bytes",
				Help:      "HTTP request size in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   prometheus.ExponentialBuckets(10, 10, 6),
			},
			[]string{"method", "endpoint"},
		),

		// 上传指标
		UploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "uploads_total",
				Help:      "Total number of upload requests by result",
			},
			[]string{"result"},
		),

		UploadSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "upload_size_bytes",
				Help:      "Size of stored uploads in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),

		// 投递指标
		DeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "deliveries_total",
				Help:      "Total number of email deliveries by kind and result",
			},
			[]string{"kind", "result"},
		),

		DeliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Email delivery duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),

		CleanupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "cleanups_total",
				Help:      "Upload file cleanup outcomes",
			},
			[]string{"result"},
		),

		// 状态指标
		RetainedUploads: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "retained_uploads",
				Help:      "Number of upload files left on disk",
			},
		),

		RetainedBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "retained_upload_bytes",
				Help:      "Total size of upload files left on disk",
			},
		),

		PendingTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "pending_notifications",
				Help:      "Number of queued or running user notifications",
			},
		),

		WebsocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "websocket_clients",
				Help:      "Number of connected websocket clients",
			},
		),

		// 系统指标
		SystemUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "uptime_seconds",
				Help:      "Process uptime in seconds",
			},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "memory_alloc_bytes",
				Help:      "Bytes of allocated heap objects",
			},
		),

		// 错误指标
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
		),

		ContentFlags: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "content_flags_total",
				Help:      "Uploads or messages flagged by content inspection",
			},
			[]string{"source"},
		),
	}
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, requestSize, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordUpload 记录上传结果，size 只在保存成功时有意义
func (m *Metrics) RecordUpload(result string, size int64) {
	m.UploadsTotal.WithLabelValues(result).Inc()
	if result == UploadStored {
		m.UploadSize.Observe(float64(size))
	}
}

// RecordDelivery 记录一次投递
func (m *Metrics) RecordDelivery(kind string, success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.DeliveriesTotal.WithLabelValues(kind, result).Inc()
	m.DeliveryDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCleanup 记录上传文件的清理结果
func (m *Metrics) RecordCleanup(result string) {
	m.CleanupsTotal.WithLabelValues(result).Inc()
}

// RecordContentFlag 记录内容检查命中
func (m *Metrics) RecordContentFlag(source string) {
	m.ContentFlags.WithLabelValues(source).Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// UpdateRetained 更新保留文件统计
func (m *Metrics) UpdateRetained(files int, bytes int64) {
	m.RetainedUploads.Set(float64(files))
	m.RetainedBytes.Set(float64(bytes))
}

// UpdatePendingTasks 更新后台任务数
func (m *Metrics) UpdatePendingTasks(count int) {
	m.PendingTasks.Set(float64(count))
}

// UpdateWebsocketClients 更新 WebSocket 连接数
func (m *Metrics) UpdateWebsocketClients(count int) {
	m.WebsocketClients.Set(float64(count))
}

// UpdateSystemMetrics 更新内存使用和运行时间
func (m *Metrics) UpdateSystemMetrics() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	m.MemoryUsage.Set(float64(stats.Alloc))
	m.SystemUptime.Set(time.Since(m.started).Seconds())
}

// GaugeSources 周期采集的状态来源，字段为 nil 时跳过
type GaugeSources struct {
	Retained         func() (files int, bytes int64, err error)
	PendingTasks     func() int
	WebsocketClients func() int
}

// Collect 采集一次状态指标
func (m *Metrics) Collect(sources GaugeSources) {
	if sources.Retained != nil {
		if files, bytes, err := sources.Retained(); err == nil {
			m.UpdateRetained(files, bytes)
		} else {
			m.RecordError("stat", "storage")
		}
	}
	if sources.PendingTasks != nil {
		m.UpdatePendingTasks(sources.PendingTasks())
	}
	if sources.WebsocketClients != nil {
		m.UpdateWebsocketClients(sources.WebsocketClients())
	}
	m.UpdateSystemMetrics()
}

// StartCollector 按固定间隔采集状态指标，直到 ctx 结束
func (m *Metrics) StartCollector(ctx context.Context, interval time.Duration, sources GaugeSources) {
	m.Collect(sources)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Collect(sources)
		}
	}
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
