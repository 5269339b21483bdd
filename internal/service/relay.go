package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"imagerelay/backend/internal/domain"
	"imagerelay/backend/internal/mailer"
	"imagerelay/backend/internal/monitoring"
)

// FileStore 上传文件的删除接口
type FileStore interface {
	Remove(file *domain.UploadedFile) error
}

// EventPublisher 流程阶段事件的发布接口，实现不能阻塞
type EventPublisher interface {
	Publish(event domain.DeliveryEvent)
}

// TaskRunner 后台任务执行器
type TaskRunner interface {
	Submit(task func()) error
}

// ContentChecker 邮件内容检查，返回命中原因，未命中返回空串
type ContentChecker interface {
	Check(subject, text string) string
}

// RelayOptions 上传通知流程的业务参数
type RelayOptions struct {
	From        string        // 发件人
	Operator    string        // 运营者邮箱，接收副本
	SelfCopy    bool          // 是否先发送运营者副本
	SendTimeout time.Duration // 单次投递超时，<=0 表示只受 ctx 约束
}

// RelayService 上传并通知流程
//
// 流程：校验 → 运营者副本 → 确认响应 → 后台发送用户邮件 → 删除文件。
// 任何一次投递失败都会保留文件。
type RelayService struct {
	store   FileStore
	sender  mailer.Sender
	runner  TaskRunner
	events  EventPublisher
	checker ContentChecker
	metrics *monitoring.Metrics
	opts    RelayOptions
	logger  *zap.Logger
	now     func() time.Time
}

// NewRelayService 创建上传通知服务
func NewRelayService(store FileStore, sender mailer.Sender, runner TaskRunner, opts RelayOptions, logger *zap.Logger) *RelayService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelayService{
		store:  store,
		sender: sender,
		runner: runner,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// SetEventPublisher 设置事件发布器（可选）
func (s *RelayService) SetEventPublisher(events EventPublisher) {
	s.events = events
}

// SetContentChecker 设置内容检查器（可选）
func (s *RelayService) SetContentChecker(checker ContentChecker) {
	s.checker = checker
}

// SetMetrics 设置监控指标（可选）
func (s *RelayService) SetMetrics(metrics *monitoring.Metrics) {
	s.metrics = metrics
}

// Run 执行一次上传通知流程
//
// accepted 在运营者副本投递成功后、用户邮件调度前调用，
// 调用方在其中写出成功响应。返回错误时 accepted 一定没有被调用。
func (s *RelayService) Run(ctx context.Context, payload domain.RequestPayload, accepted func()) error {
	if err := payload.Validate(); err != nil {
		s.reject(payload, err)
		return err
	}

	file := payload.File
	log := s.logger.With(
		zap.String("upload_id", file.ID),
		zap.String("stored_name", file.StoredName),
	)

	s.publish(file.ID, domain.StageStored, "", "", nil)
	if s.metrics != nil {
		s.metrics.RecordUpload(monitoring.UploadStored, file.Size)
	}
	s.inspect(log, payload)

	userMsg := &domain.EmailMessage{
		From:       s.opts.From,
		To:         payload.To,
		Subject:    payload.Subject,
		Text:       payload.Text,
		Attachment: file,
	}

	if !s.opts.SelfCopy {
		if _, err := s.deliver(ctx, log, monitoring.DeliveryUser, domain.StageUserNotified, domain.StageUserNotifyFailed, userMsg); err != nil {
			s.retain(log, file)
			return err
		}
		if accepted != nil {
			accepted()
		}
		s.cleanup(log, file)
		return nil
	}

	selfMsg := *userMsg
	selfMsg.To = s.opts.Operator
	if _, err := s.deliver(ctx, log, monitoring.DeliverySelf, domain.StageSelfNotified, domain.StageSelfNotifyFailed, &selfMsg); err != nil {
		s.retain(log, file)
		return err
	}

	if accepted != nil {
		accepted()
	}

	// 响应已经写出，用户邮件不再受请求上下文取消的影响
	tailCtx := context.WithoutCancel(ctx)
	task := func() {
		if _, err := s.deliver(tailCtx, log, monitoring.DeliveryUser, domain.StageUserNotified, domain.StageUserNotifyFailed, userMsg); err != nil {
			s.retain(log, file)
			return
		}
		s.cleanup(log, file)
	}

	if s.runner == nil {
		task()
		return nil
	}
	if err := s.runner.Submit(task); err != nil {
		log.Warn("后台任务提交失败，改为同步发送用户邮件", zap.Error(err))
		task()
	}
	return nil
}

// deliver 在超时约束下投递一封邮件并发布对应阶段事件
func (s *RelayService) deliver(ctx context.Context, log *zap.Logger, kind string, okStage, failStage domain.DeliveryStage, msg *domain.EmailMessage) (*domain.DeliveryReceipt, error) {
	if s.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.SendTimeout)
		defer cancel()
	}

	start := s.now()
	receipt, err := s.sender.Send(ctx, msg)
	elapsed := s.now().Sub(start)
	if s.metrics != nil {
		s.metrics.RecordDelivery(kind, err == nil, elapsed)
	}

	if err != nil {
		log.Error("邮件投递失败",
			zap.String("kind", kind),
			zap.String("recipient", msg.To),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		s.publish(msg.Attachment.ID, failStage, msg.To, "", err)
		return nil, err
	}

	log.Info("邮件投递成功",
		zap.String("kind", kind),
		zap.String("recipient", receipt.Recipient),
		zap.String("message_id", receipt.MessageID),
		zap.Duration("duration", elapsed),
	)
	s.publish(msg.Attachment.ID, okStage, receipt.Recipient, receipt.MessageID, nil)
	return receipt, nil
}

// reject 校验失败时删除已保存的文件
func (s *RelayService) reject(payload domain.RequestPayload, cause error) {
	if s.metrics != nil {
		var size int64
		if payload.File != nil {
			size = payload.File.Size
		}
		s.metrics.RecordUpload(monitoring.UploadRejected, size)
	}

	if payload.File == nil {
		s.logger.Info("上传请求被拒绝", zap.Error(cause))
		return
	}

	log := s.logger.With(zap.String("upload_id", payload.File.ID))
	log.Info("上传请求被拒绝", zap.Error(cause))
	if err := s.store.Remove(payload.File); err != nil {
		log.Error("删除被拒绝的上传文件失败", zap.String("path", payload.File.StoragePath), zap.Error(err))
		if s.metrics != nil {
			s.metrics.RecordCleanup(monitoring.CleanupError)
		}
	}
	s.publish(payload.File.ID, domain.StageRejected, "", "", cause)
}

// cleanup 两封邮件都已投递，删除文件
func (s *RelayService) cleanup(log *zap.Logger, file *domain.UploadedFile) {
	if err := s.store.Remove(file); err != nil {
		log.Error("删除上传文件失败", zap.String("path", file.StoragePath), zap.Error(err))
		if s.metrics != nil {
			s.metrics.RecordCleanup(monitoring.CleanupError)
		}
		return
	}
	if s.metrics != nil {
		s.metrics.RecordCleanup(monitoring.CleanupRemoved)
	}
	log.Debug("上传文件已删除")
	s.publish(file.ID, domain.StageCleaned, "", "", nil)
}

// retain 投递失败时保留文件，供人工排查
func (s *RelayService) retain(log *zap.Logger, file *domain.UploadedFile) {
	if s.metrics != nil {
		s.metrics.RecordCleanup(monitoring.CleanupRetained)
	}
	log.Warn("投递失败，保留上传文件", zap.String("path", file.StoragePath))
}

// inspect 记录可疑附件和内容，不阻断流程
func (s *RelayService) inspect(log *zap.Logger, payload domain.RequestPayload) {
	if payload.File.Warning != "" {
		log.Warn("附件可疑", zap.String("reason", payload.File.Warning))
		if s.metrics != nil {
			s.metrics.RecordContentFlag("attachment")
		}
	}
	if s.checker == nil {
		return
	}
	if reason := s.checker.Check(payload.Subject, payload.Text); reason != "" {
		log.Warn("邮件内容可疑", zap.String("reason", reason))
		if s.metrics != nil {
			s.metrics.RecordContentFlag("content")
		}
	}
}

func (s *RelayService) publish(uploadID string, stage domain.DeliveryStage, recipient, messageID string, err error) {
	if s.events == nil {
		return
	}
	event := domain.DeliveryEvent{
		UploadID:  uploadID,
		Stage:     stage,
		Recipient: recipient,
		MessageID: messageID,
		Timestamp: s.now().UTC(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	s.events.Publish(event)
}
