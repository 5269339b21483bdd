package logger

import (
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"imagerelay/backend/internal/config"
)

// ServiceName 写入每条日志的 service 字段
const ServiceName = "imagerelay"

// Rotation 日志文件轮转参数
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultRotation 单文件 100MB，保留 3 份，最多 28 天
var DefaultRotation = Rotation{MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28, Compress: true}

type options struct {
	rotation Rotation
	console  io.Writer
}

// Option 日志构造选项
type Option func(*options)

// WithRotation 覆盖默认的轮转参数
func WithRotation(r Rotation) Option {
	return func(o *options) { o.rotation = r }
}

// WithConsole 替换控制台输出，默认 os.Stdout
func WithConsole(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// New 按配置创建日志记录器
//
// 级别无法解析时按 info 处理。配置了日志文件时同时写文件和控制台。
func New(cfg config.LogConfig, opts ...Option) (*zap.Logger, error) {
	o := options{rotation: DefaultRotation, console: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	sink, err := newWriteSyncer(cfg.File, o)
	if err != nil {
		return nil, err
	}

	zapOpts := []zap.Option{
		zap.AddCaller(),
		zap.Fields(zap.String("service", ServiceName)),
	}
	if cfg.Development {
		zapOpts = append(zapOpts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	core := zapcore.NewCore(newEncoder(cfg.Development), sink, level)
	return zap.New(core, zapOpts...), nil
}

func newEncoder(development bool) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.MessageKey = "message"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.MillisDurationEncoder

	if development {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func newWriteSyncer(file string, o options) (zapcore.WriteSyncer, error) {
	console := zapcore.AddSync(o.console)
	if file == "" {
		return console, nil
	}

	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, err
	}
	rotator := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    o.rotation.MaxSizeMB,
		MaxBackups: o.rotation.MaxBackups,
		MaxAge:     o.rotation.MaxAgeDays,
		Compress:   o.rotation.Compress,
	}
	return zapcore.NewMultiWriteSyncer(zapcore.AddSync(rotator), console), nil
}
