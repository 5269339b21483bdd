package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"imagerelay/backend/internal/config"
	"imagerelay/backend/internal/health"
	"imagerelay/backend/internal/logger"
	"imagerelay/backend/internal/mailer"
	"imagerelay/backend/internal/monitoring"
	"imagerelay/backend/internal/pool"
	"imagerelay/backend/internal/security"
	"imagerelay/backend/internal/service"
	"imagerelay/backend/internal/smtp"
	"imagerelay/backend/internal/storage/filesystem"
	httptransport "imagerelay/backend/internal/transport/http"
	"imagerelay/backend/internal/websocket"
)

// main 启动图片上传与邮件转发服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting image relay server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("smtp_address", cfg.SMTP.Address()),
		zap.String("smtp_security", cfg.SMTP.Security),
		zap.Bool("self_copy", cfg.Mail.SelfCopy),
	)

	// 初始化上传目录
	store, err := filesystem.NewStore(cfg.Storage.UploadDir, cfg.Storage.PublicPath)
	if err != nil {
		log.Fatal("failed to initialize upload storage", zap.Error(err))
	}
	log.Info("upload storage initialized", zap.String("path", store.BasePath()))

	// 初始化监控系统
	metrics := monitoring.NewMetrics(nil)

	// 后台投递协程池
	workers := pool.NewWorkerPool(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, log.Named("pool"))
	workers.Start()

	// 投递事件推送
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, log.Named("websocket"))

	dispatcher := mailer.NewSMTPDispatcher(cfg.SMTP, log.Named("mailer"))

	relay := service.NewRelayService(store, dispatcher, workers, service.RelayOptions{
		From:        cfg.Mail.From,
		Operator:    cfg.Mail.Operator,
		SelfCopy:    cfg.Mail.SelfCopy,
		SendTimeout: cfg.Dispatch.SendTimeout,
	}, log.Named("relay"))
	relay.SetEventPublisher(wsHub)
	relay.SetContentChecker(security.NewContentFilter())
	relay.SetMetrics(metrics)

	// 初始化健康检查
	healthChecker := health.NewHealthChecker(health.Options{
		Uploads:     store,
		Pool:        workers,
		SMTPAddress: cfg.SMTP.Address(),
		Registry:    metrics.Registry(),
		Namespace:   monitoring.Namespace,
	}, log.Named("health"))

	retainedStats := func() (int, int64, error) {
		stats, err := store.Stats()
		return stats.Files, stats.Bytes, err
	}

	// 初始化告警系统
	alertManager := monitoring.NewAlertManager(log.Named("alert"))
	alertManager.AddNotifier(monitoring.NewLogNotifier(log.Named("alert")))
	if cfg.Alert.WebhookURL != "" {
		alertManager.AddNotifier(monitoring.NewWebhookNotifier(cfg.Alert.WebhookURL))
	}
	alertManager.AddRule(monitoring.RetainedUploadsRule(retainedStats, cfg.Alert.RetainedUploads))
	alertManager.AddRule(monitoring.SMTPReachabilityRule(healthChecker.SMTPCheck))
	alertManager.AddRule(monitoring.HighMemoryUsageRule(512.0)) // 512MB

	log.Info("monitoring system initialized")

	// 开发用本地收件服务
	var sink *smtp.Sink
	if cfg.Sink.Enabled {
		sink = smtp.NewSink(smtp.SinkOptions{
			Addr:   cfg.Sink.BindAddr,
			Domain: cfg.Sink.Domain,
		}, log.Named("sink"))
		if cfg.Sink.BindAddr != cfg.SMTP.Address() {
			log.Warn("SMTP sink enabled but outbound SMTP points elsewhere",
				zap.String("sink", cfg.Sink.BindAddr),
				zap.String("smtp", cfg.SMTP.Address()),
			)
		}
	}

	// 创建 HTTP 服务器
	httpAddr := cfg.ServerAddress()
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:       cfg,
		Store:        store,
		Workflow:     relay,
		Metrics:      metrics,
		Health:       healthChecker,
		WebSocketHub: wsHub,
		Logger:       log.Named("http"),
	})

	// 写超时需要覆盖运营者副本的投递时间
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.Dispatch.SendTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	if sink != nil {
		group.Go(func() error {
			log.Info("starting SMTP sink",
				zap.String("address", cfg.Sink.BindAddr),
				zap.String("domain", cfg.Sink.Domain),
			)
			if err := sink.ListenAndServe(); err != nil {
				log.Error("SMTP sink error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		log.Info("starting monitoring services", zap.Duration("interval", cfg.Alert.Interval))
		go metrics.StartCollector(groupCtx, 15*time.Second, monitoring.GaugeSources{
			Retained:         retainedStats,
			PendingTasks:     workers.Pending,
			WebsocketClients: wsHub.ClientCount,
		})
		alertManager.Run(groupCtx, cfg.Alert.Interval)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// 先停止接收新请求，再等待后台用户邮件发送完成
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Dispatch.DrainTimeout)
		defer drainCancel()
		if err := workers.Stop(drainCtx); err != nil {
			log.Warn("notification pool did not drain in time",
				zap.Int("pending", workers.Pending()),
				zap.Error(err),
			)
		}

		if sink != nil {
			if err := sink.Close(); err != nil {
				log.Warn("SMTP sink close warning", zap.Error(err))
			}
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
