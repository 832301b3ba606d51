// Package notifications implements the delivery channels the alert manager
// routes to: SMTP email and generic/Slack/Discord webhooks.
package notifications

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nightwatch-obs/nightwatch/internal/alerts"
)

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	TLS      bool     `yaml:"tls"` // implicit TLS (465) instead of STARTTLS
}

// EmailSender delivers alerts over SMTP. Recipient failures are collected
// so one bad address does not lose the message for the rest.
type EmailSender struct {
	cfg       EmailConfig
	log       zerolog.Logger
	onFailure func(failed []string)
}

func NewEmailSender(cfg EmailConfig, log zerolog.Logger) *EmailSender {
	return &EmailSender{cfg: cfg, log: log.With().Str("channel", "email").Logger()}
}

// OnRecipientFailure registers a callback invoked with the rejected
// addresses whenever a send loses one or more recipients.
func (e *EmailSender) OnRecipientFailure(fn func(failed []string)) {
	e.onFailure = fn
}

func (e *EmailSender) Name() string { return "email" }

func (e *EmailSender) Send(ctx context.Context, a alerts.Alert) error {
	msg := buildEmailMessage(e.cfg.From, e.cfg.To, a)
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)

	done := make(chan error, 1)
	go func() { done <- e.send(addr, msg) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (e *EmailSender) send(addr string, msg []byte) error {
	var conn net.Conn
	var err error
	dialer := net.Dialer{Timeout: 15 * time.Second}
	if e.cfg.TLS {
		conn, err = tls.DialWithDialer(&dialer, "tcp", addr, &tls.Config{ServerName: e.cfg.Host})
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}

	c, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if !e.cfg.TLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if e.cfg.Username != "" {
		auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(e.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}

	var failed []string
	accepted := 0
	for _, rcpt := range e.cfg.To {
		if err := c.Rcpt(rcpt); err != nil {
			failed = append(failed, rcpt)
			e.log.Warn().Err(err).Str("recipient", rcpt).Msg("Recipient rejected")
			continue
		}
		accepted++
	}
	if accepted == 0 {
		if e.onFailure != nil {
			e.onFailure(failed)
		}
		return fmt.Errorf("smtp: all %d recipients rejected", len(e.cfg.To))
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close: %w", err)
	}
	if len(failed) > 0 {
		e.log.Warn().Strs("failed", failed).Msg("Delivered with partial recipient failures")
		if e.onFailure != nil {
			e.onFailure(failed)
		}
	}
	return c.Quit()
}

func buildEmailMessage(from string, to []string, a alerts.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: NIGHTWATCH <%s>\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s: %s\r\n", strings.ToUpper(string(a.Level)), a.Source, a.Message)
	fmt.Fprintf(&b, "Date: %s\r\n", a.Timestamp.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Alert %s\r\n\r\nLevel:   %s\r\nSource:  %s\r\nTime:    %s\r\n\r\n%s\r\n",
		a.ID, a.Level, a.Source, a.Timestamp.Format(time.RFC3339), a.Message)
	return []byte(b.String())
}
