// Package mail はメール送信を提供する。
package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/smtp"
	"strings"
)

// Message は送信するメール。HTMLが空の場合はテキストのみ送る。
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender はメールを送信する。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig はSMTPサーバーの設定。
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// SMTPSender はSMTPでメールを送信する。
type SMTPSender struct {
	config SMTPConfig
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender はSMTPSenderを生成する。ユーザー名が空の場合は認証しない。
func NewSMTPSender(config SMTPConfig) *SMTPSender {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &SMTPSender{config: config, auth: auth, send: smtp.SendMail}
}

// IsConfigured はSMTPの送信に必要な設定が揃っているかを返す。
func (s *SMTPSender) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Send はメールを送信する。
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if !s.IsConfigured() {
		return fmt.Errorf("smtp is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	body := buildMIME(s.fromHeader(), msg)
	if err := s.send(s.config.Host+":"+s.config.Port, s.auth, s.config.From, []string{msg.To}, body); err != nil {
		return fmt.Errorf("send mail to %s: %w", msg.To, err)
	}
	return nil
}

func (s *SMTPSender) fromHeader() string {
	if s.config.FromName == "" {
		return s.config.From
	}
	return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
}

const mimeBoundary = "moody-boundary"

// buildMIME はヘッダーと本文を組み立てる。HTMLがある場合はmultipart/alternativeにする。
func buildMIME(from string, msg Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")

	if msg.HTML == "" {
		fmt.Fprintf(&b, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(normalizeNewlines(msg.Text))
		return b.Bytes()
	}

	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mimeBoundary)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n", mimeBoundary)
	b.WriteString(normalizeNewlines(msg.Text))
	fmt.Fprintf(&b, "\r\n--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n", mimeBoundary)
	b.WriteString(normalizeNewlines(msg.HTML))
	fmt.Fprintf(&b, "\r\n--%s--\r\n", mimeBoundary)
	return b.Bytes()
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// LogSender はメールを送らずにログへ出力する。開発環境用。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send はメールの内容をログに出力する。
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("mail (not sent)",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("text", msg.Text),
	)
	return nil
}

var verificationHTML = template.Must(template.New("verification").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Verify your email</title></head>
<body>
  <p>Hi {{.Name}},</p>
  <p>Please confirm your email address for Moody.</p>
  <p><a href="{{.Link}}">Verify email address</a></p>
  <p>This link expires in 24 hours.</p>
</body>
</html>`))

// VerificationMessage はメールアドレス確認用のメッセージを組み立てる。
func VerificationMessage(to, name, link string) (Message, error) {
	var html bytes.Buffer
	data := struct{ Name, Link string }{Name: name, Link: link}
	if err := verificationHTML.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("render verification mail: %w", err)
	}
	return Message{
		To:      to,
		Subject: "Verify your email for Moody",
		Text:    fmt.Sprintf("Hi %s,\n\nPlease confirm your email address:\n%s\n\nThis link expires in 24 hours.\n", name, link),
		HTML:    html.String(),
	}, nil
}

var (
	_ Sender = (*SMTPSender)(nil)
	_ Sender = (*LogSender)(nil)
)
