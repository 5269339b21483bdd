package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"imagerelay/backend/internal/monitoring"
)

// Instrument 记录请求指标并从 panic 中恢复
//
// panic 的请求按 500 计入指标；响应已经开始写出时只中止后续处理。
func Instrument(metrics *monitoring.Metrics, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				metrics.RecordPanic()
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("route", c.Request.Method+" "+c.Request.URL.Path),
					zap.String("request_id", GetRequestID(c)),
					zap.Stack("stack"),
				)
				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
				} else {
					c.Abort()
				}
			}
			observe(metrics, c, time.Since(start))
		}()

		c.Next()
	}
}

func observe(metrics *monitoring.Metrics, c *gin.Context, elapsed time.Duration) {
	// 未匹配的路由统一归类，避免标签基数失控
	endpoint := c.FullPath()
	if endpoint == "" {
		endpoint = "unmatched"
	}

	status := c.Writer.Status()
	metrics.RecordHTTPRequest(
		c.Request.Method,
		endpoint,
		strconv.Itoa(status),
		elapsed,
		max(c.Request.ContentLength, 0),
		int64(max(c.Writer.Size(), 0)),
	)
	if status >= http.StatusInternalServerError {
		metrics.RecordError("http_error", "http")
	}
}
