package mail

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/goback/crudkit/pkg/config"
	"github.com/goback/crudkit/pkg/logger"
	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// 模板名称
const (
	TemplateVerification  = "verification.html"
	TemplatePasswordReset = "password_reset.html"
	TemplateInvitation    = "invitation.html"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Data 模板数据
type Data struct {
	AppName  string
	UserName string
	Link     string
	Role     string
}

// Sender 邮件发送接口
type Sender interface {
	Send(ctx context.Context, to []string, subject, tmpl string, data Data) error
}

// Render 渲染模板
func Render(tmpl string, data Data) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, tmpl, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl, err)
	}
	return buf.String(), nil
}

// New 按配置创建发送器
func New(cfg *config.MailConfig) Sender {
	if cfg.Driver == "smtp" {
		return NewSMTPSender(cfg)
	}
	return LogSender{}
}

// SMTPSender SMTP 发送器
type SMTPSender struct {
	cfg  *config.MailConfig
	opts []gomail.Option
}

// NewSMTPSender 创建 SMTP 发送器
func NewSMTPSender(cfg *config.MailConfig) *SMTPSender {
	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTimeout(15 * time.Second),
	}
	switch {
	case cfg.SSL:
		opts = append(opts, gomail.WithSSL())
	case cfg.StartTLS:
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	default:
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}
	return &SMTPSender{cfg: cfg, opts: opts}
}

// Send 渲染并发送 HTML 邮件
func (s *SMTPSender) Send(ctx context.Context, to []string, subject, tmpl string, data Data) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}
	body, err := Render(tmpl, data)
	if err != nil {
		return err
	}

	msg := gomail.NewMsg()
	if s.cfg.FromName != "" {
		err = msg.FromFormat(s.cfg.FromName, s.cfg.From)
	} else {
		err = msg.From(s.cfg.From)
	}
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := msg.To(to...); err != nil {
		return fmt.Errorf("invalid recipients: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextHTML, body)

	client, err := gomail.NewClient(s.cfg.Host, s.opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	logger.Info("邮件已发送", zap.Strings("to", to), zap.String("template", tmpl))
	return nil
}

// LogSender 开发环境使用，只记录日志
type LogSender struct{}

// Send 渲染模板并写日志
func (LogSender) Send(ctx context.Context, to []string, subject, tmpl string, data Data) error {
	body, err := Render(tmpl, data)
	if err != nil {
		return err
	}
	logger.Info("邮件（未发送）",
		zap.String("to", strings.Join(to, ",")),
		zap.String("subject", subject),
		zap.String("link", data.Link),
		zap.Int("bytes", len(body)),
	)
	return nil
}

// Go 异步发送，失败只记录日志
func Go(s Sender, to []string, subject, tmpl string, data Data) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Send(ctx, to, subject, tmpl, data); err != nil {
			logger.Error("邮件发送失败", zap.Strings("to", to), zap.String("template", tmpl), zap.Error(err))
		}
	}()
}
