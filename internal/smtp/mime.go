package smtp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// Attachment 解析出的附件
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// ParsedEmail 收到的邮件中测试关心的部分
type ParsedEmail struct {
	Subject     string
	From        string
	To          string
	MessageID   string
	Text        string
	HTML        string
	Attachments []*Attachment
}

// headerDecoder 解码 RFC 2047 编码的头部，支持非 UTF-8 字符集
var headerDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, err
		}
		return transform.NewReader(input, enc.NewDecoder()), nil
	},
}

// ParseEmail 解析原始邮件，提取正文和附件
func ParseEmail(raw []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	parsed := &ParsedEmail{
		Subject:   decodeWords(msg.Header.Get("Subject")),
		From:      decodeWords(msg.Header.Get("From")),
		To:        decodeWords(msg.Header.Get("To")),
		MessageID: strings.Trim(msg.Header.Get("Message-ID"), "<> "),
	}

	if err := parsed.walk(textproto.MIMEHeader(msg.Header), msg.Body); err != nil {
		return nil, err
	}
	return parsed, nil
}

// walk 处理一个 MIME 实体，multipart 时递归进入各部分
func (p *ParsedEmail) walk(header textproto.MIMEHeader, body io.Reader) error {
	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		mediaType, params = "text/plain", nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return errors.New("parse multipart: missing boundary")
		}
		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("parse multipart: %w", err)
			}
			if err := p.walk(part.Header, part); err != nil {
				return err
			}
		}
	}

	content, err := io.ReadAll(transferDecoder(header.Get("Content-Transfer-Encoding"), body))
	if err != nil {
		return fmt.Errorf("decode %s: %w", mediaType, err)
	}

	if name, ok := attachmentName(header, params); ok {
		p.Attachments = append(p.Attachments, &Attachment{
			Filename:    name,
			ContentType: mediaType,
			Size:        int64(len(content)),
			Content:     content,
		})
		return nil
	}

	// 只保留第一个文本和 HTML 部分
	switch {
	case mediaType == "text/html" && p.HTML == "":
		p.HTML = toUTF8(content, params["charset"])
	case mediaType == "text/plain" && p.Text == "":
		p.Text = toUTF8(content, params["charset"])
	}
	return nil
}

// transferDecoder multipart.Part 会自行解码 quoted-printable 并移除该头部
func transferDecoder(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	}
	return r
}

func attachmentName(header textproto.MIMEHeader, params map[string]string) (string, bool) {
	disposition, dparams, err := mime.ParseMediaType(header.Get("Content-Disposition"))
	if err != nil || (disposition != "attachment" && disposition != "inline") {
		return "", false
	}

	for _, name := range []string{dparams["filename"], params["name"]} {
		if name != "" {
			return decodeWords(name), true
		}
	}
	return "unnamed", true
}

// toUTF8 按声明的字符集转换，未知字符集原样返回
func toUTF8(content []byte, charset string) string {
	charset = strings.TrimSpace(charset)
	if charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "us-ascii") {
		return string(content)
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(content)
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), content)
	if err != nil {
		return string(content)
	}
	return string(out)
}

func decodeWords(value string) string {
	decoded, err := headerDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
