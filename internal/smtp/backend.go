package smtp

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

// CapturedMessage sink 收到的一封邮件
type CapturedMessage struct {
	From       string
	Recipients []string
	Raw        []byte
	Parsed     *ParsedEmail
	ReceivedAt time.Time
	Helo       string // 客户端 EHLO 使用的主机名
	AuthUser   string // AUTH PLAIN 的用户名，未认证时为空
	TLS        bool   // 提交时连接是否已加密
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 这是一个只用于开发和测试的收件服务：所有邮件保存在内存中，
// 不做任何转发。可以通过 Reject 模拟收件人被拒绝的情况。
type Backend struct {
	logger  *zap.Logger
	limiter *ConnectionLimiter
	maxSize int64

	username string
	password string

	mu       sync.Mutex
	messages []*CapturedMessage
	rejected map[string]bool
}

// NewBackend 创建 SMTP Backend。
func NewBackend(logger *zap.Logger, limiter *ConnectionLimiter, maxSize int64) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		logger:   logger,
		limiter:  limiter,
		maxSize:  maxSize,
		rejected: make(map[string]bool),
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}
	return &session{backend: b, conn: c}, nil
}

// authenticate 校验 PLAIN 凭据，未配置用户名时全部接受
func (b *Backend) authenticate(username, password string) error {
	if b.username == "" {
		return nil
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(b.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(b.password)) == 1
	if !userOK || !passOK {
		return gosmtp.ErrAuthFailed
	}
	return nil
}

// Reject 让 sink 以 550 拒绝指定收件人
func (b *Backend) Reject(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejected[normalizeAddress(address)] = true
}

// Messages 返回已收到邮件的副本
func (b *Backend) Messages() []*CapturedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*CapturedMessage(nil), b.messages...)
}

// MessagesTo 返回发给指定收件人的邮件
func (b *Backend) MessagesTo(address string) []*CapturedMessage {
	address = normalizeAddress(address)

	var result []*CapturedMessage
	for _, msg := range b.Messages() {
		for _, rcpt := range msg.Recipients {
			if rcpt == address {
				result = append(result, msg)
				break
			}
		}
	}
	return result
}

// Clear 清空已收到的邮件和拒绝列表
func (b *Backend) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
	b.rejected = make(map[string]bool)
}

func (b *Backend) isRejected(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected[address]
}

func (b *Backend) store(msg *CapturedMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
}

type session struct {
	backend     *Backend
	conn        *gosmtp.Conn
	authUser    string
	fromAddress string
	recipients  []string
	released    bool
}

// AuthMechanisms 只提供 PLAIN
func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

// Auth 处理 AUTH 命令
func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		if err := s.backend.authenticate(username, password); err != nil {
			return err
		}
		s.authUser = username
		return nil
	}), nil
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.fromAddress = normalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)

	if _, err := mail.ParseAddress(addr); err != nil {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if s.backend.isRejected(addr) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "recipient mailbox not found",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容。
func (s *session) Data(r io.Reader) error {
	if len(s.recipients) == 0 {
		return &gosmtp.SMTPError{
			Code:         503,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "no valid recipients",
		}
	}

	limit := s.backend.maxSize
	if limit <= 0 {
		limit = 64 << 20
	}
	rawBytes, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return err
	}
	if int64(len(rawBytes)) > limit {
		return gosmtp.ErrDataTooLarge
	}

	parsed, err := ParseEmail(rawBytes)
	if err != nil {
		return fmt.Errorf("parse email: %w", err)
	}

	encrypted, helo := false, ""
	if s.conn != nil {
		_, encrypted = s.conn.TLSConnectionState()
		helo = s.conn.Hostname()
	}
	s.backend.store(&CapturedMessage{
		From:       s.fromAddress,
		Recipients: append([]string(nil), s.recipients...),
		Raw:        rawBytes,
		Parsed:     parsed,
		ReceivedAt: time.Now(),
		Helo:       helo,
		AuthUser:   s.authUser,
		TLS:        encrypted,
	})

	s.backend.logger.Info("sink captured message",
		zap.String("from", s.fromAddress),
		zap.Strings("to", s.recipients),
		zap.String("subject", parsed.Subject),
		zap.Int("attachments", len(parsed.Attachments)),
		zap.Int("bytes", len(rawBytes)),
	)

	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	if !s.released && s.backend.limiter != nil {
		s.backend.limiter.Release()
		s.released = true
	}
	return nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

// IsSMTPError 判断错误是否为服务端返回的 SMTP 应答
func IsSMTPError(err error, code int) bool {
	var smtpErr *gosmtp.SMTPError
	return errors.As(err, &smtpErr) && smtpErr.Code == code
}
