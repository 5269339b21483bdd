package domain

import "time"

// DeliveryStage 上传流程所处的阶段
type DeliveryStage string

const (
	StageStored           DeliveryStage = "stored"
	StageRejected         DeliveryStage = "rejected"
	StageSelfNotified     DeliveryStage = "self_notified"
	StageSelfNotifyFailed DeliveryStage = "self_notify_failed"
	StageUserNotified     DeliveryStage = "user_notified"
	StageUserNotifyFailed DeliveryStage = "user_notify_failed"
	StageCleaned          DeliveryStage = "cleaned"
)

// Terminal 该阶段之后不会再有事件
func (s DeliveryStage) Terminal() bool {
	switch s {
	case StageRejected, StageSelfNotifyFailed, StageUserNotifyFailed, StageCleaned:
		return true
	default:
		return false
	}
}

// DeliveryEvent 上传流程的阶段事件
type DeliveryEvent struct {
	UploadID  string        `json:"uploadId"`
	Stage     DeliveryStage `json:"stage"`
	Recipient string        `json:"recipient,omitempty"`
	MessageID string        `json:"messageId,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
