package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/membershiphub/esign/internal/config"
	"github.com/membershiphub/esign/internal/telemetry"
)

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// SMTPDispatcher sends HTML mail through an SMTP relay
type SMTPDispatcher struct {
	cfg  *config.SMTPConfig
	send sendFunc
	now  func() time.Time
}

// NewSMTPDispatcher creates an SMTP dispatcher.
// UseTLS=true dials implicit TLS first and falls back to STARTTLS via smtp.SendMail.
func NewSMTPDispatcher(cfg *config.SMTPConfig) *SMTPDispatcher {
	d := &SMTPDispatcher{cfg: cfg, send: smtp.SendMail, now: time.Now}
	if cfg.UseTLS {
		d.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
			return sendMailTLS(addr, cfg.Host, auth, from, to, msg)
		}
	}
	return d
}

// Send delivers msg. Failures are returned as *DeliveryError.
func (d *SMTPDispatcher) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return d.fail(msg, err)
	}
	if msg.To == "" {
		return d.fail(msg, fmt.Errorf("recipient address is empty"))
	}

	addr := net.JoinHostPort(d.cfg.Host, fmt.Sprintf("%d", d.cfg.Port))
	var auth smtp.Auth
	if d.cfg.Username != "" {
		auth = smtp.PlainAuth("", d.cfg.Username, d.cfg.Password, d.cfg.Host)
	}

	if err := d.send(addr, auth, d.cfg.From, []string{msg.To}, d.build(msg)); err != nil {
		return d.fail(msg, err)
	}
	telemetry.NotificationsTotal.WithLabelValues(msg.Kind, "sent").Inc()
	return nil
}

func (d *SMTPDispatcher) fail(msg Message, err error) error {
	telemetry.NotificationsTotal.WithLabelValues(msg.Kind, "failed").Inc()
	return &DeliveryError{Kind: msg.Kind, To: msg.To, Err: err}
}

// build renders RFC 5322 headers and the HTML body
func (d *SMTPDispatcher) build(msg Message) []byte {
	to := msg.To
	if msg.ToName != "" {
		to = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", msg.ToName), msg.To)
	}
	headers := []string{
		"From: " + d.cfg.From,
		"To: " + to,
		"Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject),
		"Date: " + d.now().UTC().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=utf-8",
		"Content-Transfer-Encoding: 8bit",
	}
	body := strings.ReplaceAll(strings.ReplaceAll(msg.HTML, "\r\n", "\n"), "\n", "\r\n")
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + body + "\r\n")
}

// sendMailTLS connects via implicit TLS (port 465) and sends a message, falling back to
// STARTTLS through smtp.SendMail when the TLS dial fails (port 587).
func sendMailTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return smtp.SendMail(addr, auth, from, to, msg)
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer c.Quit() //nolint:errcheck

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}
