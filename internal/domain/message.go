package domain

import "time"

// EmailMessage 表示一次投递的外发邮件，只在单次发送期间存在。
type EmailMessage struct {
	From       string
	To         string
	Subject    string
	Text       string
	Attachment *UploadedFile
}

// DeliveryReceipt 投递成功的回执，仅用于日志。
type DeliveryReceipt struct {
	MessageID  string    `json:"messageId"`
	Recipient  string    `json:"recipient"`
	AcceptedAt time.Time `json:"acceptedAt"`
}
