package filesystem

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxNameBytes = 200
	maxExtBytes  = 16 // 含点
)

// windowsReserved Windows 文件名中不允许的字符
var windowsReserved = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_", "|", "_", "?", "_", "*", "_",
)

// cleanName 把客户端提供的文件名整理成可记录、可展示的形式
//
// 只保留最后一段路径，去掉控制字符和首尾的空格与点。
func cleanName(name string) string {
	// Windows 客户端可能上传带反斜杠的完整路径
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if runtime.GOOS == "windows" {
		name = windowsReserved.Replace(name)
	}
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == '/' {
			return -1
		}
		return r
	}, name)
	name = truncateKeepExt(name, maxNameBytes)
	name = strings.Trim(name, " .")

	if name == "" {
		return "unnamed"
	}
	return name
}

// truncateKeepExt 按字节截断，尽量保留扩展名且不切断多字节字符
func truncateKeepExt(name string, limit int) string {
	if len(name) <= limit {
		return name
	}

	ext := filepath.Ext(name)
	if len(ext) >= limit {
		ext = ""
	}
	stem := name[:limit-len(ext)]
	for !utf8.ValidString(stem) {
		stem = stem[:len(stem)-1]
	}
	return stem + ext
}

// storedExtension 存储文件名使用的扩展名：小写、仅 ASCII 字母数字，否则为空
func storedExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(cleanName(name)))
	if len(ext) < 2 || len(ext) > maxExtBytes {
		return ""
	}
	for _, r := range ext[1:] {
		if !('a' <= r && r <= 'z' || '0' <= r && r <= '9') {
			return ""
		}
	}
	return ext
}

// resolveDir 校验配置的上传目录并返回其绝对路径
func resolveDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("path must not be empty")
	}
	for _, segment := range strings.FieldsFunc(dir, func(r rune) bool { return r == '/' || r == '\\' }) {
		if segment == ".." {
			return "", fmt.Errorf("path traversal in %q", dir)
		}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return abs, nil
}
