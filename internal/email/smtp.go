package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/emailassist/emailassist/internal/config"
)

// SMTPSender delivers replies through an SMTP relay
type SMTPSender struct {
	config config.SMTPConfig
	from   string
}

func NewSMTPSender(cfg config.SMTPConfig, from string) *SMTPSender {
	return &SMTPSender{config: cfg, from: from}
}

func (s *SMTPSender) Name() string { return "smtp" }

func (s *SMTPSender) Send(ctx context.Context, msg Message) Result {
	if msg.From == "" {
		msg.From = s.from
	}
	if err := validateMessage(msg); err != nil {
		return Result{Error: err}
	}
	if s.config.Username != "" && !s.config.UseTLS {
		return Result{Error: fmt.Errorf("SMTP auth requires TLS")}
	}

	messageID := uuid.NewString() + "@emailassist"
	data, err := buildMessage(msg, messageID, time.Now())
	if err != nil {
		return Result{Error: err}
	}

	if err := s.deliver(ctx, msg.From, msg.To, data); err != nil {
		return Result{Error: sanitizeSMTPError(err)}
	}
	return Result{Success: true, MessageID: "<" + messageID + ">"}
}

// buildMessage renders msg as a plain text RFC 5322 message
func buildMessage(msg Message, messageID string, date time.Time) ([]byte, error) {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}

	var h mail.Header
	h.SetDate(date)
	h.SetSubject(msg.Subject)
	h.SetMessageID(messageID)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if msg.InReplyTo != "" {
		h.Set("In-Reply-To", msg.InReplyTo)
		h.Set("References", msg.InReplyTo)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}
	return buf.Bytes(), nil
}

func sanitizeSMTPError(err error) error {
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "auth"):
		return fmt.Errorf("SMTP authentication failed")
	case strings.Contains(s, "certificate"):
		return fmt.Errorf("TLS certificate error")
	case strings.Contains(s, "deadline") || strings.Contains(s, "canceled"):
		return fmt.Errorf("SMTP delivery timed out")
	}
	return fmt.Errorf("SMTP error: check your configuration")
}

func (s *SMTPSender) dial(ctx context.Context, addr string) (net.Conn, error) {
	if s.config.UseTLS {
		d := &tls.Dialer{Config: &tls.Config{
			ServerName: s.config.Host,
			MinVersion: tls.VersionTLS12,
		}}
		return d.DialContext(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (s *SMTPSender) deliver(ctx context.Context, from, to string, msg []byte) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("SMTP client creation failed: %w", err)
	}
	defer client.Close()

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("sender rejected: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("recipient rejected: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data command failed: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("message write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message finalization failed: %w", err)
	}
	return client.Quit()
}
