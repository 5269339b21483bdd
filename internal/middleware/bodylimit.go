package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// DefaultBodyLimit 默认请求体大小限制，与常见邮件服务器的附件上限一致
const DefaultBodyLimit = 25 * 1024 * 1024 // 25MB

// ErrBodyTooLarge 请求体超过限制时的响应消息
const ErrBodyTooLarge = "Request body too large"

// BodySizeLimit 限制请求体大小的中间件
//
// Content-Length 已知且超限时直接返回 413；
// 未声明长度的请求在读取超限时由 http.MaxBytesReader 报错，
// 处理器通过 IsBodyTooLarge 识别后返回 413。
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	if maxBytes <= 0 {
		maxBytes = DefaultBodyLimit
	}

	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": ErrBodyTooLarge,
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)

		// 告知客户端最大允许的请求体大小
		c.Header("X-Max-Body-Size", strconv.FormatInt(maxBytes, 10))

		c.Next()
	}
}

// IsBodyTooLarge 判断读取请求体的错误是否由大小限制引起
func IsBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
