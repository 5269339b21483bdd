package domain

import (
	"errors"
	"fmt"
)

// 请求校验错误，客户端需要补全后重新提交
var (
	ErrNoImage       = errors.New("no image provided")
	ErrMissingFields = errors.New("missing required fields")
)

// ErrAttachmentMissing 投递时附件文件已不存在
var ErrAttachmentMissing = errors.New("attachment file does not exist")

// IsValidationError 判断错误是否属于请求校验失败
func IsValidationError(err error) bool {
	return errors.Is(err, ErrNoImage) || errors.Is(err, ErrMissingFields)
}

// StorageError 文件系统写入或删除失败
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// DeliveryError 邮件传输层失败（认证、收件人、连接等）
type DeliveryError struct {
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
