package smtp

import (
	"crypto/tls"
	"errors"
	"net"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

// SinkOptions 开发用收件服务的参数
type SinkOptions struct {
	Addr            string // 监听地址
	Domain          string // EHLO 响应域名
	MaxMessageBytes int64  // 单封邮件最大字节数
	MaxConns        int    // 最大并发连接数
	MaxRate         int    // 每秒最大新建连接数

	// TLSConfig 不为空时支持 STARTTLS；隐式 TLS 用 tls.NewListener 包装监听器后调用 Serve
	TLSConfig *tls.Config
	// Username 不为空时 AUTH PLAIN 必须匹配；为空时接受任意凭据并记录用户名
	Username string
	Password string
}

// Sink 本地 SMTP 收件服务
//
// 开发环境下代替真实的外发服务器，测试中用于验证投递结果。
type Sink struct {
	*Backend
	server *gosmtp.Server
	logger *zap.Logger
}

// NewSink 创建收件服务
func NewSink(opts SinkOptions, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 << 20
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 32
	}
	if opts.MaxRate <= 0 {
		opts.MaxRate = 100
	}
	if opts.Domain == "" {
		opts.Domain = "localhost"
	}

	backend := NewBackend(logger, NewConnectionLimiter(opts.MaxConns, opts.MaxRate), opts.MaxMessageBytes)
	backend.username = opts.Username
	backend.password = opts.Password

	server := gosmtp.NewServer(backend)
	server.Addr = opts.Addr
	server.Domain = opts.Domain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 30 * time.Second
	server.WriteTimeout = 30 * time.Second
	server.MaxMessageBytes = opts.MaxMessageBytes
	server.MaxRecipients = 10
	server.TLSConfig = opts.TLSConfig

	return &Sink{
		Backend: backend,
		server:  server,
		logger:  logger,
	}
}

// ListenAndServe 监听配置的地址并处理连接，Close 后返回 nil
func (s *Sink) ListenAndServe() error {
	s.logger.Info("SMTP sink listening", zap.String("addr", s.server.Addr))
	return s.ignoreClosed(s.server.ListenAndServe())
}

// Serve 在已有监听器上处理连接
func (s *Sink) Serve(l net.Listener) error {
	return s.ignoreClosed(s.server.Serve(l))
}

// Close 关闭服务和所有连接
func (s *Sink) Close() error {
	return s.server.Close()
}

func (s *Sink) ignoreClosed(err error) error {
	if err == nil || errors.Is(err, gosmtp.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
