package mailer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"imagerelay/backend/internal/domain"
)

// lineLength base64 正文每行的最大长度（RFC 2045）
const lineLength = 76

// composed 组装完成、可直接提交给 DATA 的邮件
type composed struct {
	messageID string
	body      []byte
}

// composeMessage 组装 multipart/mixed 邮件：一段 UTF-8 正文和一个附件
func composeMessage(msg *domain.EmailMessage, now time.Time) (*composed, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", msg.From, err)
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	messageID := uuid.NewString() + "@" + domainOf(from.Address)

	header := textproto.MIMEHeader{}
	header.Set("From", from.String())
	header.Set("To", to.String())
	header.Set("Subject", mime.QEncoding.Encode("utf-8", singleLine(msg.Subject)))
	header.Set("Date", now.Format(time.RFC1123Z))
	header.Set("Message-ID", "<"+messageID+">")
	header.Set("MIME-Version", "1.0")
	header.Set("Content-Type", mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": mw.Boundary()}))
	writeHeader(&buf, header)

	// 正文
	textHeader := textproto.MIMEHeader{}
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := mw.CreatePart(textHeader)
	if err != nil {
		return nil, err
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := io.WriteString(qp, msg.Text); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}

	// 附件
	if msg.Attachment != nil {
		if err := writeAttachment(mw, msg.Attachment); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}

	return &composed{messageID: messageID, body: buf.Bytes()}, nil
}

// writeAttachment 以 base64 写入附件，文件名使用上传时的原始文件名
func writeAttachment(mw *multipart.Writer, file *domain.UploadedFile) error {
	f, err := os.Open(file.StoragePath)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.ErrAttachmentMissing
		}
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	contentType := file.ContentType
	if contentType == "" {
		if detected, err := mimetype.DetectFile(file.StoragePath); err == nil {
			contentType = detected.String()
		} else {
			contentType = "application/octet-stream"
		}
	}

	filename := file.OriginalName
	if filename == "" {
		filename = file.StoredName
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, params = "application/octet-stream", map[string]string{}
	}
	params["name"] = filename

	partHeader := textproto.MIMEHeader{}
	partHeader.Set("Content-Type", mime.FormatMediaType(mediaType, params))
	partHeader.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	partHeader.Set("Content-Transfer-Encoding", "base64")

	part, err := mw.CreatePart(partHeader)
	if err != nil {
		return err
	}

	encoder := base64.NewEncoder(base64.StdEncoding, &lineWrapper{w: part})
	if _, err := io.Copy(encoder, f); err != nil {
		return fmt.Errorf("read attachment: %w", err)
	}
	return encoder.Close()
}

// writeHeader 按固定顺序写出邮件头
func writeHeader(buf *bytes.Buffer, header textproto.MIMEHeader) {
	for _, key := range []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type"} {
		fmt.Fprintf(buf, "%s: %s\r\n", key, header.Get(key))
	}
	buf.WriteString("\r\n")
}

// singleLine 去掉换行，防止头部注入
func singleLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(s)
}

func domainOf(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		return address[i+1:]
	}
	return "localhost"
}

// lineWrapper 每 76 个字符插入 CRLF
type lineWrapper struct {
	w       io.Writer
	written int
}

func (lw *lineWrapper) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		room := lineLength - lw.written
		chunk := p
		if len(chunk) > room {
			chunk = chunk[:room]
		}

		n, err := lw.w.Write(chunk)
		total += n
		if err != nil {
			return total, err
		}
		lw.written += n
		p = p[n:]

		if lw.written == lineLength {
			if _, err := lw.w.Write([]byte("\r\n")); err != nil {
				return total, err
			}
			lw.written = 0
		}
	}
	return total, nil
}
