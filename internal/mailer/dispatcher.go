package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"imagerelay/backend/internal/config"
	"imagerelay/backend/internal/domain"
)

// Sender 投递单封邮件
//
// Send 在一次 SMTP 事务内完成投递，不做内部重试；
// 失败时返回 *domain.DeliveryError。
type Sender interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.DeliveryReceipt, error)
}

// SMTPDispatcher 通过外部 SMTP 服务器投递邮件
type SMTPDispatcher struct {
	cfg    config.SMTPConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewSMTPDispatcher 创建 SMTP 投递器
func NewSMTPDispatcher(cfg config.SMTPConfig, logger *zap.Logger) *SMTPDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPDispatcher{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Send 投递邮件，ctx 取消或超时时中断连接
func (d *SMTPDispatcher) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.DeliveryReceipt, error) {
	if msg == nil {
		return nil, &domain.DeliveryError{Err: errors.New("nil message")}
	}

	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, &domain.DeliveryError{Recipient: msg.To, Err: fmt.Errorf("invalid recipient: %w", err)}
	}
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, &domain.DeliveryError{Recipient: to.Address, Err: fmt.Errorf("invalid sender: %w", err)}
	}

	message, err := composeMessage(msg, d.now())
	if err != nil {
		return nil, &domain.DeliveryError{Recipient: to.Address, Err: err}
	}

	start := time.Now()
	if err := d.deliver(ctx, from.Address, to.Address, message.body); err != nil {
		d.logger.Warn("SMTP delivery failed",
			zap.String("to", to.Address),
			zap.String("server", d.cfg.Address()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, &domain.DeliveryError{Recipient: to.Address, Err: err}
	}

	d.logger.Debug("SMTP delivery accepted",
		zap.String("to", to.Address),
		zap.String("message_id", message.messageID),
		zap.Int("bytes", len(message.body)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &domain.DeliveryReceipt{
		MessageID:  message.messageID,
		Recipient:  to.Address,
		AcceptedAt: d.now().UTC(),
	}, nil
}

type deliverResult struct {
	client *gosmtp.Client
	err    error
}

// deliver 在后台完成 SMTP 事务，ctx 结束时关闭连接使其尽快返回
func (d *SMTPDispatcher) deliver(ctx context.Context, from, to string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dialed := make(chan deliverResult, 1)
	go func() {
		c, err := d.dial()
		dialed <- deliverResult{client: c, err: err}
	}()

	var c *gosmtp.Client
	select {
	case <-ctx.Done():
		// 连接建立后立即关闭
		go func() {
			if r := <-dialed; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return ctx.Err()
	case r := <-dialed:
		if r.err != nil {
			return fmt.Errorf("connect %s: %w", d.cfg.Address(), r.err)
		}
		c = r.client
	}

	done := make(chan error, 1)
	go func() {
		done <- d.transact(c, from, to, body)
	}()

	select {
	case <-ctx.Done():
		_ = c.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			_ = c.Close()
			return err
		}
		return nil
	}
}

// dial 按安全模式建立连接
func (d *SMTPDispatcher) dial() (*gosmtp.Client, error) {
	tlsConfig := &tls.Config{
		ServerName:         d.cfg.Host,
		InsecureSkipVerify: d.cfg.InsecureSkipVerify, //nolint:gosec // 仅测试环境
	}

	switch d.cfg.Security {
	case config.SecurityTLS:
		return gosmtp.DialTLS(d.cfg.Address(), tlsConfig)
	case config.SecurityStartTLS:
		// 升级前以 localhost 问候，升级后由 transact 用 smtp.helo 重新 EHLO
		c, err := gosmtp.DialStartTLS(d.cfg.Address(), tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("starttls: %w", err)
		}
		return c, nil
	default:
		return gosmtp.Dial(d.cfg.Address())
	}
}

func (d *SMTPDispatcher) hello(c *gosmtp.Client) error {
	if d.cfg.Helo == "" {
		return nil
	}
	if err := c.Hello(d.cfg.Helo); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	return nil
}

// transact 认证并提交一封邮件
func (d *SMTPDispatcher) transact(c *gosmtp.Client, from, to string, body []byte) error {
	if err := d.hello(c); err != nil {
		return err
	}

	if d.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", d.cfg.Username, d.cfg.Password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.SendMail(from, []string{to}, bytes.NewReader(body)); err != nil {
		return err
	}

	// 邮件已被接受，QUIT 失败不影响结果
	if err := c.Quit(); err != nil {
		d.logger.Debug("SMTP quit failed", zap.Error(err))
		_ = c.Close()
	}
	return nil
}
