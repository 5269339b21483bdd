package filesystem

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"imagerelay/backend/internal/domain"
	"imagerelay/backend/internal/security"
)

// partSuffix 写入过程中的临时文件后缀
const partSuffix = ".part"

// Stats 上传目录中保留文件的统计
type Stats struct {
	Files int   // 文件数量
	Bytes int64 // 总字节数
}

// Store 上传文件的本地存储
//
// 每次上传生成唯一文件名，文件由上传流程负责删除；
// 投递失败的文件会保留在目录中，由 Stats 统计。
type Store struct {
	basePath   string                        // 上传文件根目录
	publicPath string                        // 静态访问路径前缀
	inspector  *security.AttachmentInspector // 附件检查器
	now        func() time.Time
}

// NewStore 创建上传存储实例
func NewStore(basePath, publicPath string) (*Store, error) {
	dir, err := resolveDir(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Store{
		basePath:   dir,
		publicPath: "/" + strings.Trim(publicPath, "/"),
		inspector:  security.NewAttachmentInspector(),
		now:        time.Now,
	}, nil
}

// BasePath 返回上传目录的绝对路径
func (s *Store) BasePath() string {
	return s.basePath
}

// Save 将上传内容写入唯一命名的文件
//
// 目录在每次调用时重新确保存在（可能被外部清理）。内容先写入
// O_EXCL 创建的临时文件并 fsync，成功后才链接为最终文件名，
// 失败时删除已写入的部分。
func (s *Store) Save(r io.Reader, originalName string) (*domain.UploadedFile, error) {
	if err := os.MkdirAll(s.basePath, 0755); err != nil {
		return nil, &domain.StorageError{Op: "mkdir", Err: err}
	}

	originalName = cleanName(originalName)

	// 读取文件头用于类型探测，不消耗数据
	br := bufio.NewReaderSize(r, security.SniffLength)
	header, err := br.Peek(security.SniffLength)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, &domain.StorageError{Op: "read", Err: err}
	}
	report := s.inspector.Inspect(originalName, header)

	storedName := s.generateName(originalName)
	finalPath := filepath.Join(s.basePath, storedName)
	partPath := filepath.Join(s.basePath, "."+storedName+partSuffix)

	f, err := os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, &domain.StorageError{Op: "create", Err: err}
	}

	size, err := io.Copy(f, br)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(partPath)
		return nil, &domain.StorageError{Op: "write", Err: err}
	}

	// 硬链接在目标已存在时失败，保证不会覆盖其他上传
	linkErr := os.Link(partPath, finalPath)
	_ = os.Remove(partPath)
	if linkErr != nil {
		return nil, &domain.StorageError{Op: "link", Err: linkErr}
	}

	return &domain.UploadedFile{
		ID:           uuid.NewString(),
		OriginalName: originalName,
		StoredName:   storedName,
		StoragePath:  finalPath,
		Size:         size,
		ContentType:  report.ContentType,
		Warning:      report.Flag,
		CreatedAt:    s.now().UTC(),
	}, nil
}

// Remove 删除上传文件，文件已不存在时视为成功
func (s *Store) Remove(file *domain.UploadedFile) error {
	if file == nil || file.StoragePath == "" {
		return nil
	}

	if err := os.Remove(file.StoragePath); err != nil && !os.IsNotExist(err) {
		return &domain.StorageError{Op: "remove", Err: err}
	}
	return nil
}

// Exists 检查上传文件是否仍在磁盘上
func (s *Store) Exists(file *domain.UploadedFile) bool {
	if file == nil || file.StoragePath == "" {
		return false
	}
	info, err := os.Stat(file.StoragePath)
	return err == nil && info.Mode().IsRegular()
}

// Stats 统计目录中保留的上传文件，不包含写入中的临时文件
func (s *Store) Stats() (Stats, error) {
	var stats Stats

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, &domain.StorageError{Op: "stat", Err: err}
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stats.Files++
		stats.Bytes += info.Size()
	}

	return stats, nil
}

// PublicURL 返回文件的静态访问路径
func (s *Store) PublicURL(file *domain.UploadedFile) string {
	return path.Join(s.publicPath, file.StoredName)
}

// CheckWritable 检查上传目录是否可写
func (s *Store) CheckWritable() error {
	if err := os.MkdirAll(s.basePath, 0755); err != nil {
		return err
	}

	f, err := os.CreateTemp(s.basePath, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// generateName 生成 <纳秒时间戳>-<随机数><扩展名> 形式的文件名
func (s *Store) generateName(originalName string) string {
	random := strconv.FormatUint(uint64(uuid.New().ID()), 10)
	timestamp := strconv.FormatInt(s.now().UnixNano(), 10)
	return timestamp + "-" + random + storedExtension(originalName)
}
