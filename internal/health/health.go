package health

import (
	"errors"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// maxGoroutines 协程数量超过该值视为泄漏
const maxGoroutines = 10000

// ErrNotAccepting 后台任务池已停止
var ErrNotAccepting = errors.New("notification pool is not accepting tasks")

// UploadDir 上传目录检查接口
type UploadDir interface {
	CheckWritable() error
}

// TaskPool 后台任务池状态接口
type TaskPool interface {
	IsOpen() bool
}

// Options 健康检查依赖
type Options struct {
	Uploads     UploadDir             // 上传目录，存活检查
	Pool        TaskPool              // 后台任务池，就绪检查
	SMTPAddress string                // 外发服务器地址，就绪检查
	DialTimeout time.Duration         // 连接外发服务器的超时
	Registry    prometheus.Registerer // 为 nil 时不导出检查结果指标
	Namespace   string                // 指标名前缀
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	smtp   healthcheck.Check
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(opts Options, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}

	var handler healthcheck.Handler
	if opts.Registry != nil {
		handler = healthcheck.NewMetricsHandler(opts.Registry, opts.Namespace)
	} else {
		handler = healthcheck.NewHandler()
	}

	hc := &HealthChecker{
		health: handler,
		logger: logger,
	}
	if opts.SMTPAddress != "" {
		hc.smtp = healthcheck.TCPDialCheck(opts.SMTPAddress, opts.DialTimeout)
	}

	hc.addChecks(opts)

	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks(opts Options) {
	// 上传目录必须可写，否则所有请求都会失败
	if opts.Uploads != nil {
		hc.health.AddLivenessCheck("upload-dir", healthcheck.Timeout(opts.Uploads.CheckWritable, 2*time.Second))
	}

	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))

	if hc.smtp != nil {
		hc.health.AddReadinessCheck("smtp", hc.smtp)
	}

	if opts.Pool != nil {
		hc.health.AddReadinessCheck("notification-pool", func() error {
			if !opts.Pool.IsOpen() {
				return ErrNotAccepting
			}
			return nil
		})
	}
}

// Handler 返回健康检查处理器
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查（包含存活检查）
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// SMTPCheck 检查外发服务器是否可以建立 TCP 连接，未配置时总是成功
func (hc *HealthChecker) SMTPCheck() error {
	if hc.smtp == nil {
		return nil
	}
	if err := hc.smtp(); err != nil {
		hc.logger.Debug("SMTP dial check failed", zap.Error(err))
		return err
	}
	return nil
}
