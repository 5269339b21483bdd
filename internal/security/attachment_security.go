package security

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// SniffLength 内容类型探测需要读取的文件头长度
const SniffLength = 3072

// Report 附件检查结果
type Report struct {
	ContentType string // 按文件内容探测出的 MIME 类型
	Extension   string // 探测类型对应的标准扩展名
	Image       bool   // 内容是否为图片
	Flag        string // 可疑原因，为空表示未发现问题
}

// Suspicious 是否发现可疑内容
func (r Report) Suspicious() bool {
	return r.Flag != ""
}

// AttachmentInspector 附件检查器
//
// 检查只产生报告，不拒绝上传：是否接受文件由上层决定。
type AttachmentInspector struct {
	// 危险文件扩展名
	dangerousExtensions map[string]bool

	// 可执行文件魔数
	executableSignatures [][]byte
}

// NewAttachmentInspector 创建附件检查器
func NewAttachmentInspector() *AttachmentInspector {
	return &AttachmentInspector{
		dangerousExtensions: map[string]bool{
			".exe": true,
			".bat": true,
			".cmd": true,
			".scr": true,
			".pif": true,
			".com": true,
			".vbs": true,
			".js":  true,
			".jar": true,
			".php": true,
			".asp": true,
			".jsp": true,
			".sh":  true,
		},
		executableSignatures: [][]byte{
			{0x4D, 0x5A},             // PE executable
			{0x7F, 0x45, 0x4C, 0x46}, // ELF executable
			{0xFE, 0xED, 0xFA, 0xCE}, // Mach-O executable
			{0xCE, 0xFA, 0xED, 0xFE}, // Mach-O executable (reverse)
		},
	}
}

// Inspect 根据原始文件名和文件头检查附件
func (ai *AttachmentInspector) Inspect(filename string, header []byte) Report {
	if len(header) > SniffLength {
		header = header[:SniffLength]
	}

	detected := mimetype.Detect(header)
	report := Report{
		ContentType: detected.String(),
		Extension:   detected.Extension(),
		Image:       strings.HasPrefix(detected.String(), "image/"),
	}

	if reason := ai.checkFileExtension(filename); reason != "" {
		report.Flag = reason
		return report
	}

	if reason := ai.checkFileMagic(header); reason != "" {
		report.Flag = reason
		return report
	}

	if strings.HasPrefix(detected.String(), "text/") {
		if reason := ai.checkTextContent(header); reason != "" {
			report.Flag = reason
		}
	}

	return report
}

// checkFileExtension 检查文件扩展名
func (ai *AttachmentInspector) checkFileExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ai.dangerousExtensions[ext] {
		return "dangerous file extension: " + ext
	}
	return ""
}

// checkFileMagic 检查文件魔数
func (ai *AttachmentInspector) checkFileMagic(header []byte) string {
	for _, sig := range ai.executableSignatures {
		if bytes.HasPrefix(header, sig) {
			return "executable file detected"
		}
	}
	return ""
}

// checkTextContent 检查文本内容
func (ai *AttachmentInspector) checkTextContent(header []byte) string {
	content := strings.ToLower(string(header))

	if strings.Contains(content, "<script") {
		return "script tag detected in text file"
	}

	if strings.Contains(content, "javascript:") {
		return "javascript code detected in text file"
	}

	return ""
}
