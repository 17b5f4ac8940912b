package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-billing-events/core"
)

type Mail struct {
	From    string
	To      string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, mail Mail) error
}

// LogMailer writes mail to the logger instead of delivering it. It backs the
// binary when no SMTP host is configured.
type LogMailer struct {
	Logger core.Logger
}

func (m LogMailer) Send(ctx context.Context, mail Mail) error {
	core.Log(ctx, m.Logger, core.LevelInfo, "notification mail", map[string]any{
		"to":      mail.To,
		"from":    mail.From,
		"subject": mail.Subject,
	})
	return nil
}

type sendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

type SMTPMailer struct {
	Addr string
	Auth smtp.Auth

	sendMail sendMailFunc
}

func NewSMTPMailer(cfg core.MailConfig) (*SMTPMailer, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, fmt.Errorf("notify: smtp host is required")
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	mailer := &SMTPMailer{
		Addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		sendMail: smtp.SendMail,
	}
	if strings.TrimSpace(cfg.Username) != "" {
		mailer.Auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return mailer, nil
}

func (m *SMTPMailer) Send(ctx context.Context, mail Mail) error {
	if m == nil || m.sendMail == nil {
		return fmt.Errorf("notify: smtp mailer is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.sendMail(m.Addr, m.Auth, mail.From, []string{mail.To}, buildMessage(mail, time.Now().UTC()))
}

func buildMessage(mail Mail, now time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + mail.From + "\r\n")
	b.WriteString("To: " + mail.To + "\r\n")
	b.WriteString("Subject: " + mail.Subject + "\r\n")
	b.WriteString("Date: " + now.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(mail.Body, "\n", "\r\n"))
	return []byte(b.String())
}
