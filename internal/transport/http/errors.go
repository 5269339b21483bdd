package httptransport

import (
	"errors"
	"net/http"

	"imagerelay/backend/internal/domain"
	"imagerelay/backend/internal/middleware"
)

// 响应消息，客户端依赖这些固定文案
const (
	MsgNoImage       = "No image provided"
	MsgMissingFields = `Missing required fields. Please provide "to", "subject", and "text".`
	MsgEmailNotSent  = "Email not sent"
	MsgEmailSent     = "Email sent successfully"
)

// errorMessages 业务错误 -> 响应消息
var errorMessages = map[error]string{
	domain.ErrNoImage:       MsgNoImage,
	domain.ErrMissingFields: MsgMissingFields,
}

// GetErrorMessage 获取错误对应的响应状态码和消息
//
// 校验错误返回 400 和对应文案；请求体超限返回 413；
// 存储和投递错误统一返回 500，不向客户端暴露传输层诊断信息。
func GetErrorMessage(err error) (int, string) {
	for target, msg := range errorMessages {
		if errors.Is(err, target) {
			return http.StatusBadRequest, msg
		}
	}
	if middleware.IsBodyTooLarge(err) {
		return http.StatusRequestEntityTooLarge, middleware.ErrBodyTooLarge
	}
	return http.StatusInternalServerError, MsgEmailNotSent
}
