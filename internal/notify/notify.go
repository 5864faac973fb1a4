// Package notify delivers approval requests to reviewers.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/logging"
)

// ErrNotConfigured is returned when a notifier lacks the settings it needs to send.
var ErrNotConfigured = errors.New("notifier not configured")

// Notification is one outbound message.
type Notification struct {
	To      string
	Subject string
	HTML    string
}

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// FromConfig returns the notifier selected by NOTIFIER. The SMTP notifier is the default and
// reports ErrNotConfigured on every send while SMTP_HOST or SMTP_FROM is unset; the log notifier
// must be chosen explicitly with NOTIFIER=log.
func FromConfig(cfg config.Config, logger *slog.Logger) Notifier {
	if strings.EqualFold(cfg.Notifier, "log") {
		return NewLogNotifier(logger)
	}
	return &SMTPNotifier{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}
}

// SMTPNotifier sends HTML mail through an SMTP relay. STARTTLS is used when the server offers it.
type SMTPNotifier struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (s *SMTPNotifier) Notify(ctx context.Context, n Notification) error {
	if s.Host == "" || s.From == "" {
		return fmt.Errorf("%w: smtp host and from address are required", ErrNotConfigured)
	}
	if strings.TrimSpace(n.To) == "" {
		return errors.New("notification has no recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	send := s.send
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(addr, auth, s.From, []string{n.To}, buildMessage(s.From, n, time.Now())); err != nil {
		return fmt.Errorf("send mail to %s: %w", n.To, err)
	}
	return nil
}

func buildMessage(from string, n Notification, now time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", n.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", n.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(strings.ReplaceAll(n.HTML, "\n", "\r\n"))
	return b.Bytes()
}

// LogNotifier writes notifications to the log instead of sending them.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	if strings.TrimSpace(n.To) == "" {
		return errors.New("notification has no recipient")
	}
	l.logger.Info("notification", "to", n.To, "subject", n.Subject, "body", n.HTML)
	return nil
}
