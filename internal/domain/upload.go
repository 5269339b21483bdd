package domain

import (
	"time"
)

// UploadedFile 表示一次上传请求保存到本地磁盘的附件。
//
// 文件只由上传流程负责删除，存储路径在文件存在期间不会被复用。
type UploadedFile struct {
	ID           string    `json:"id"`           // 上传ID，同时用于事件订阅
	OriginalName string    `json:"originalName"` // 客户端提供的原始文件名
	StoredName   string    `json:"storedName"`   // 服务端生成的文件名 <timestamp>-<random><ext>
	StoragePath  string    `json:"-"`            // 磁盘上的完整路径
	Size         int64     `json:"size"`         // 文件大小（字节）
	ContentType  string    `json:"contentType"`  // 探测得到的 MIME 类型
	Warning      string    `json:"-"`            // 附件检查发现的可疑原因
	CreatedAt    time.Time `json:"createdAt"`
}

// RequestPayload 上传并通知流程的输入。
type RequestPayload struct {
	To      string
	Subject string
	Text    string
	File    *UploadedFile
}

// Validate 检查必填字段。
//
// 文本字段不能为空字符串（只含空白的值照常接受），文件引用必须存在。
func (p RequestPayload) Validate() error {
	if p.File == nil {
		return ErrNoImage
	}
	if p.To == "" || p.Subject == "" || p.Text == "" {
		return ErrMissingFields
	}
	return nil
}
