package httptransport

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"imagerelay/backend/internal/domain"
	"imagerelay/backend/internal/middleware"
	"imagerelay/backend/internal/monitoring"
)

// UploadStore 上传文件的持久化接口
type UploadStore interface {
	Save(r io.Reader, originalName string) (*domain.UploadedFile, error)
	PublicURL(file *domain.UploadedFile) string
}

// Workflow 上传通知流程
type Workflow interface {
	Run(ctx context.Context, payload domain.RequestPayload, accepted func()) error
}

// UploadHandler 处理 /uploadImageAndSendEmail
type UploadHandler struct {
	store    UploadStore
	workflow Workflow
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// NewUploadHandler 创建上传处理器
func NewUploadHandler(store UploadStore, workflow Workflow, metrics *monitoring.Metrics, logger *zap.Logger) *UploadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadHandler{
		store:    store,
		workflow: workflow,
		metrics:  metrics,
		logger:   logger,
	}
}

// UploadImageAndSendEmail 保存上传的图片并发送邮件
//
// 表单字段：image（文件）、to、subject、text。
// 成功响应在运营者副本送达后立即返回，用户邮件在后台发送。
func (h *UploadHandler) UploadImageAndSendEmail(c *gin.Context) {
	file, err := h.saveImage(c)
	if err != nil {
		if middleware.IsBodyTooLarge(err) {
			RespondError(c, err)
			return
		}
		h.logger.Error("保存上传文件失败", zap.Error(err))
		if h.metrics != nil {
			h.metrics.RecordUpload(monitoring.UploadStorageError, 0)
			h.metrics.RecordError("storage_error", "upload")
		}
		RespondError(c, err)
		return
	}

	if file != nil {
		c.Header("X-Upload-ID", file.ID)
		h.logger.Info("上传文件已保存",
			zap.String("upload_id", file.ID),
			zap.String("original_name", file.OriginalName),
			zap.String("url", h.store.PublicURL(file)),
			zap.Int64("size", file.Size),
			zap.String("content_type", file.ContentType),
		)
	}

	payload := domain.RequestPayload{
		To:      c.PostForm("to"),
		Subject: c.PostForm("subject"),
		Text:    c.PostForm("text"),
		File:    file,
	}

	err = h.workflow.Run(c.Request.Context(), payload, func() {
		Success(c, MsgEmailSent)
		// 立即把响应发给客户端，后续的用户邮件不再占用请求
		c.Writer.Flush()
	})
	if err != nil {
		RespondError(c, err)
	}
}

// saveImage 读取 image 字段并保存到磁盘，未提供文件时返回 nil
func (h *UploadHandler) saveImage(c *gin.Context) (*domain.UploadedFile, error) {
	header, err := c.FormFile("image")
	if err != nil {
		if middleware.IsBodyTooLarge(err) {
			return nil, err
		}
		if !errors.Is(err, http.ErrMissingFile) {
			h.logger.Debug("解析上传表单失败", zap.Error(err))
		}
		return nil, nil
	}

	return h.storeFile(header)
}

func (h *UploadHandler) storeFile(header *multipart.FileHeader) (*domain.UploadedFile, error) {
	src, err := header.Open()
	if err != nil {
		return nil, &domain.StorageError{Op: "open", Err: err}
	}
	defer src.Close()

	return h.store.Save(src, header.Filename)
}
