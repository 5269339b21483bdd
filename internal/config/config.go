package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// SMTP 安全模式
const (
	SecurityTLS      = "tls"      // 隐式 TLS（465 端口）
	SecurityStartTLS = "starttls" // 明文连接后升级（587 端口）
	SecurityNone     = "none"     // 明文连接，仅用于本地开发 sink
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 3000
}

// StorageConfig 定义上传文件的本地存储配置
type StorageConfig struct {
	UploadDir  string // 上传文件保存目录，默认 "uploads"
	PublicPath string // 静态访问路径前缀，默认 "/uploads"
}

// UploadConfig 定义上传请求的限制
type UploadConfig struct {
	MaxBytes int64 // 单个请求体最大字节数，默认 25MB
}

// SMTPConfig 定义外发邮件服务器的连接参数
type SMTPConfig struct {
	Host               string // 外发服务器地址，默认 smtp.gmail.com
	Port               int    // 外发服务器端口，默认 465
	Security           string // tls / starttls / none
	Username           string // 认证用户名，为空时跳过 AUTH
	Password           string // 认证密码
	Helo               string // EHLO 使用的本机名
	InsecureSkipVerify bool   // 跳过证书校验（仅限测试环境）
}

// Address 返回 host:port 形式的服务器地址
func (c SMTPConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MailConfig 定义邮件地址相关的业务配置
type MailConfig struct {
	From     string // 发件人地址，默认等于 SMTP 用户名
	Operator string // 运营者自己的邮箱（抄送副本），默认等于发件人
	SelfCopy bool   // 是否先给运营者发送副本，默认 true
}

// DispatchConfig 定义邮件投递与后台任务的参数
type DispatchConfig struct {
	Workers      int           // 后台投递协程数
	QueueSize    int           // 后台任务队列长度
	SendTimeout  time.Duration // 单次投递超时
	DrainTimeout time.Duration // 关闭时等待后台任务完成的最长时间
}

// SinkConfig 定义开发用的本地 SMTP 收件服务
type SinkConfig struct {
	Enabled  bool   // 是否启动本地 sink
	BindAddr string // 监听地址，默认 "127.0.0.1:2525"
	Domain   string // EHLO 响应域名
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，为空时只输出到控制台
}

// AlertConfig 定义告警规则阈值
type AlertConfig struct {
	RetainedUploads int           // 保留文件数超过该值时告警
	Interval        time.Duration // 规则检查间隔
	WebhookURL      string        // 告警 Webhook 地址，为空时只写日志
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Upload   UploadConfig
	SMTP     SMTPConfig
	Mail     MailConfig
	Dispatch DispatchConfig
	Sink     SinkConfig
	CORS     CORSConfig
	Log      LogConfig
	Alert    AlertConfig
}

// ServerAddress 返回 HTTP 监听地址
func (c *Config) ServerAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: RELAY_，例如 RELAY_SMTP_HOST。
// SMTP 用户名和密码同时兼容 EMAIL_USER / EMAIL_PASSWORD。
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("relay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("smtp.username", "RELAY_SMTP_USERNAME", "EMAIL_USER")
	_ = v.BindEnv("smtp.password", "RELAY_SMTP_PASSWORD", "EMAIL_PASSWORD")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("storage.upload_dir", "uploads")
	v.SetDefault("storage.public_path", "/uploads")
	v.SetDefault("upload.max_bytes", 25*1024*1024)
	v.SetDefault("smtp.host", "smtp.gmail.com")
	v.SetDefault("smtp.port", 465)
	v.SetDefault("smtp.security", SecurityTLS)
	v.SetDefault("smtp.helo", "localhost")
	v.SetDefault("smtp.insecure_skip_verify", false)
	v.SetDefault("mail.from", "")
	v.SetDefault("mail.operator", "")
	v.SetDefault("mail.self_copy", true)
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 64)
	v.SetDefault("dispatch.send_timeout", "60s")
	v.SetDefault("dispatch.drain_timeout", "30s")
	v.SetDefault("sink.enabled", false)
	v.SetDefault("sink.bind_addr", "127.0.0.1:2525")
	v.SetDefault("sink.domain", "localhost")
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("alert.retained_uploads", 50)
	v.SetDefault("alert.interval", "1m")
	v.SetDefault("alert.webhook_url", "")

	security := strings.ToLower(strings.TrimSpace(v.GetString("smtp.security")))
	switch security {
	case SecurityTLS, SecurityStartTLS, SecurityNone:
	default:
		return nil, fmt.Errorf("invalid smtp.security %q: must be tls, starttls or none", security)
	}

	smtpPort := v.GetInt("smtp.port")
	if smtpPort <= 0 {
		return nil, fmt.Errorf("invalid smtp.port: %d", smtpPort)
	}

	username := strings.TrimSpace(v.GetString("smtp.username"))

	from := strings.TrimSpace(v.GetString("mail.from"))
	if from == "" {
		from = username
	}
	if from == "" {
		return nil, fmt.Errorf("mail.from must not be empty (set RELAY_MAIL_FROM or EMAIL_USER)")
	}

	operator := strings.TrimSpace(v.GetString("mail.operator"))
	if operator == "" {
		operator = from
	}

	sendTimeout, err := time.ParseDuration(v.GetString("dispatch.send_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid dispatch.send_timeout: %w", err)
	}

	drainTimeout, err := time.ParseDuration(v.GetString("dispatch.drain_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid dispatch.drain_timeout: %w", err)
	}

	alertInterval, err := time.ParseDuration(v.GetString("alert.interval"))
	if err != nil {
		alertInterval = time.Minute
	}

	workers := v.GetInt("dispatch.workers")
	if workers <= 0 {
		workers = 4
	}

	queueSize := v.GetInt("dispatch.queue_size")
	if queueSize < 0 {
		queueSize = 0
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	publicPath := "/" + strings.Trim(v.GetString("storage.public_path"), "/")

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		Storage: StorageConfig{
			UploadDir:  v.GetString("storage.upload_dir"),
			PublicPath: publicPath,
		},
		Upload: UploadConfig{
			MaxBytes: v.GetInt64("upload.max_bytes"),
		},
		SMTP: SMTPConfig{
			Host:               v.GetString("smtp.host"),
			Port:               smtpPort,
			Security:           security,
			Username:           username,
			Password:           v.GetString("smtp.password"),
			Helo:               v.GetString("smtp.helo"),
			InsecureSkipVerify: v.GetBool("smtp.insecure_skip_verify"),
		},
		Mail: MailConfig{
			From:     from,
			Operator: operator,
			SelfCopy: v.GetBool("mail.self_copy"),
		},
		Dispatch: DispatchConfig{
			Workers:      workers,
			QueueSize:    queueSize,
			SendTimeout:  sendTimeout,
			DrainTimeout: drainTimeout,
		},
		Sink: SinkConfig{
			Enabled:  v.GetBool("sink.enabled"),
			BindAddr: v.GetString("sink.bind_addr"),
			Domain:   v.GetString("sink.domain"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Alert: AlertConfig{
			RetainedUploads: v.GetInt("alert.retained_uploads"),
			Interval:        alertInterval,
			WebhookURL:      v.GetString("alert.webhook_url"),
		},
	}

	return cfg, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env（用于从 backend/ 子目录运行的情况）
//
// 文件不存在时静默跳过，已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
