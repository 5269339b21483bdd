package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"imagerelay/backend/internal/config"
	"imagerelay/backend/internal/health"
	"imagerelay/backend/internal/middleware"
	"imagerelay/backend/internal/monitoring"
	"imagerelay/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       *config.Config
	Store        UploadStore
	Workflow     Workflow
	Metrics      *monitoring.Metrics   // 可选
	Health       *health.HealthChecker // 可选
	WebSocketHub *websocket.Hub        // 可选
	Logger       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	if deps.Metrics != nil {
		router.Use(middleware.Instrument(deps.Metrics, logger))
	} else {
		router.Use(gin.CustomRecovery(func(c *gin.Context, err any) {
			logger.Error("panic recovered", zap.Any("error", err), zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
		}))
	}
	router.Use(middleware.RequestID(), middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", "X-Upload-ID", "X-Max-Body-Size", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 上传文件的静态访问
	router.Static(deps.Config.Storage.PublicPath, deps.Config.Storage.UploadDir)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	uploadHandler := NewUploadHandler(deps.Store, deps.Workflow, deps.Metrics, logger)
	router.POST("/uploadImageAndSendEmail",
		middleware.BodySizeLimit(deps.Config.Upload.MaxBytes),
		uploadHandler.UploadImageAndSendEmail,
	)

	v1 := router.Group("/v1")
	{
		if deps.WebSocketHub != nil {
			v1.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}
	}

	return router
}
