package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse 成功响应结构
type MessageResponse struct {
	Message string `json:"message"`
}

// Success 成功响应（200）
func Success(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, MessageResponse{Message: msg})
}

// BadRequest 请求参数错误（400）
func BadRequest(c *gin.Context, msg string) {
	Error(c, http.StatusBadRequest, msg)
}

// InternalError 服务器内部错误（500）
func InternalError(c *gin.Context, msg string) {
	Error(c, http.StatusInternalServerError, msg)
}

// Error 通用错误响应
func Error(c *gin.Context, httpCode int, msg string) {
	c.JSON(httpCode, ErrorResponse{Error: msg})
}

// RespondError 根据业务错误选择状态码和消息
func RespondError(c *gin.Context, err error) {
	code, msg := GetErrorMessage(err)
	_ = c.Error(err)
	Error(c, code, msg)
}
