package filesystem

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"imagerelay/backend/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 1x1 透明 PNG
var pngPixel, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==",
)

var storedNamePattern = regexp.MustCompile(`^\d+-\d+(\.[a-z0-9]+)?$`)

// 测试辅助函数：创建临时测试目录
func setupTestStore(t *testing.T) (*Store, string) {
	tempDir := t.TempDir()

	store, err := NewStore(tempDir, "/uploads")
	require.NoError(t, err)

	return store, tempDir
}

// failingReader 读取若干字节后返回错误
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

// TestNewStore 测试创建上传存储实例
func TestNewStore(t *testing.T) {
	t.Run("create store with valid path", func(t *testing.T) {
		tempDir := t.TempDir()

		store, err := NewStore(tempDir, "uploads/")
		require.NoError(t, err)
		// 在 Windows 上，路径可能被转换为小写
		assert.Equal(t, strings.ToLower(tempDir), strings.ToLower(store.BasePath()))
		assert.Equal(t, "/uploads", store.publicPath)
	})

	t.Run("create store creates base directory if not exists", func(t *testing.T) {
		newPath := filepath.Join(t.TempDir(), "new", "nested", "uploads")

		_, err := NewStore(newPath, "/uploads")
		require.NoError(t, err)

		info, err := os.Stat(newPath)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("reject path traversal", func(t *testing.T) {
		store, err := NewStore("../uploads", "/uploads")
		assert.Error(t, err)
		assert.Nil(t, store)
	})
}

// TestSave 测试保存上传文件
func TestSave(t *testing.T) {
	t.Run("save png upload", func(t *testing.T) {
		store, tempDir := setupTestStore(t)

		file, err := store.Save(bytes.NewReader(pngPixel), "photo.PNG")
		require.NoError(t, err)

		assert.NotEmpty(t, file.ID)
		assert.Equal(t, "photo.PNG", file.OriginalName)
		assert.Regexp(t, storedNamePattern, file.StoredName)
		assert.True(t, strings.HasSuffix(file.StoredName, ".png"))
		assert.Equal(t, filepath.Join(store.BasePath(), file.StoredName), file.StoragePath)
		assert.Equal(t, int64(len(pngPixel)), file.Size)
		assert.Equal(t, "image/png", file.ContentType)
		assert.Empty(t, file.Warning)
		assert.False(t, file.CreatedAt.IsZero())

		content, err := os.ReadFile(file.StoragePath)
		require.NoError(t, err)
		assert.Equal(t, pngPixel, content)

		// 只留下最终文件，没有临时文件
		entries, err := os.ReadDir(tempDir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("recreate removed directory", func(t *testing.T) {
		store, tempDir := setupTestStore(t)
		require.NoError(t, os.RemoveAll(tempDir))

		file, err := store.Save(strings.NewReader("data"), "a.png")
		require.NoError(t, err)
		assert.True(t, store.Exists(file))
	})

	t.Run("file without extension", func(t *testing.T) {
		store, _ := setupTestStore(t)

		file, err := store.Save(strings.NewReader("data"), "README")
		require.NoError(t, err)
		assert.Regexp(t, `^\d+-\d+$`, file.StoredName)
	})

	t.Run("hostile original name stays inside base path", func(t *testing.T) {
		store, _ := setupTestStore(t)

		file, err := store.Save(strings.NewReader("data"), "../../etc/cron.d/job.png")
		require.NoError(t, err)
		assert.Equal(t, store.BasePath(), filepath.Dir(file.StoragePath))
		assert.Equal(t, "job.png", file.OriginalName)
	})

	t.Run("suspicious upload is flagged but stored", func(t *testing.T) {
		store, _ := setupTestStore(t)

		file, err := store.Save(bytes.NewReader([]byte{0x4D, 0x5A, 0x90, 0x00}), "cat.jpg")
		require.NoError(t, err)
		assert.Equal(t, "executable file detected", file.Warning)
		assert.True(t, store.Exists(file))
	})

	t.Run("empty upload", func(t *testing.T) {
		store, _ := setupTestStore(t)

		file, err := store.Save(bytes.NewReader(nil), "empty.png")
		require.NoError(t, err)
		assert.Equal(t, int64(0), file.Size)
		assert.True(t, store.Exists(file))
	})

	t.Run("read failure removes partial file", func(t *testing.T) {
		store, tempDir := setupTestStore(t)
		readErr := errors.New("connection reset")

		file, err := store.Save(&failingReader{data: bytes.Repeat([]byte("x"), 5000), err: readErr}, "big.png")
		require.Error(t, err)
		assert.Nil(t, file)

		var storageErr *domain.StorageError
		require.True(t, errors.As(err, &storageErr))
		assert.ErrorIs(t, err, readErr)

		entries, err := os.ReadDir(tempDir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

// TestRemove 测试删除上传文件
func TestRemove(t *testing.T) {
	store, _ := setupTestStore(t)

	file, err := store.Save(strings.NewReader("data"), "photo.png")
	require.NoError(t, err)
	require.True(t, store.Exists(file))

	require.NoError(t, store.Remove(file))
	assert.False(t, store.Exists(file))

	// 重复删除和空引用都不报错
	assert.NoError(t, store.Remove(file))
	assert.NoError(t, store.Remove(nil))
	assert.False(t, store.Exists(nil))
}

// TestStats 测试保留文件统计
func TestStats(t *testing.T) {
	store, tempDir := setupTestStore(t)

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	_, err = store.Save(strings.NewReader("12345"), "a.png")
	require.NoError(t, err)
	_, err = store.Save(strings.NewReader("123"), "b.png")
	require.NoError(t, err)

	// 临时文件和子目录不计入
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, ".c.png.part"), []byte("xx"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(tempDir, "sub"), 0755))

	stats, err = store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, int64(8), stats.Bytes)
}

// TestPublicURL 测试静态访问路径
func TestPublicURL(t *testing.T) {
	store, _ := setupTestStore(t)

	file := &domain.UploadedFile{StoredName: "1700000000-42.png"}
	assert.Equal(t, "/uploads/1700000000-42.png", store.PublicURL(file))
}

// TestCheckWritable 测试目录可写检查
func TestCheckWritable(t *testing.T) {
	store, tempDir := setupTestStore(t)

	require.NoError(t, store.CheckWritable())

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestConcurrentSave 测试并发上传的文件名唯一性
func TestConcurrentSave(t *testing.T) {
	store, _ := setupTestStore(t)

	const uploads = 50
	var wg sync.WaitGroup
	paths := make(chan string, uploads)
	errs := make(chan error, uploads)

	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			file, err := store.Save(io.LimitReader(bytes.NewReader(pngPixel), int64(len(pngPixel))), "photo.png")
			if err != nil {
				errs <- err
				return
			}
			paths <- file.StoragePath
		}()
	}

	wg.Wait()
	close(paths)
	close(errs)

	for err := range errs {
		t.Errorf("save failed: %v", err)
	}

	seen := make(map[string]bool)
	for p := range paths {
		assert.False(t, seen[p], "duplicate path %s", p)
		seen[p] = true
	}
	assert.Len(t, seen, uploads)

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, uploads, stats.Files)
}
