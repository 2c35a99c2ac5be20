package email

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/emailassist/emailassist/internal/config"
	"github.com/emailassist/emailassist/internal/metrics"
)

type Message struct {
	To        string
	From      string
	Subject   string
	Body      string
	InReplyTo string // Message-ID of the email being answered, optional
}

type Result struct {
	Success   bool
	MessageID string
	Error     error
}

type Sender interface {
	Send(ctx context.Context, msg Message) Result
	Name() string
}

// NewSender returns the sender for cfg.Provider. Every send is counted per provider.
func NewSender(cfg config.ReplyConfig) (Sender, error) {
	var s Sender
	switch cfg.Provider {
	case "", "smtp":
		s = NewSMTPSender(cfg.SMTP, cfg.From)
	case "resend":
		if cfg.ResendAPIKey == "" {
			return nil, fmt.Errorf("resend provider requires resend_api_key")
		}
		s = NewResendSender(cfg.ResendAPIKey)
	case "sendgrid":
		if cfg.SendGridAPIKey == "" {
			return nil, fmt.Errorf("sendgrid provider requires sendgrid_api_key")
		}
		s = NewSendGridSender(cfg.SendGridAPIKey)
	default:
		return nil, fmt.Errorf("unknown email provider: %s", cfg.Provider)
	}
	return counted{s}, nil
}

type counted struct {
	Sender
}

func (c counted) Send(ctx context.Context, msg Message) Result {
	res := c.Sender.Send(ctx, msg)
	status := "sent"
	if !res.Success {
		status = "failed"
	}
	metrics.IncrementReplyDelivery(c.Name(), status)
	return res
}

// ValidateEmail checks for injection characters and RFC 5322 compliance
func ValidateEmail(email string) error {
	if strings.ContainsAny(email, "\r\n,;") {
		return fmt.Errorf("email contains invalid characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	return nil
}

func validateMessage(msg Message) error {
	if err := ValidateEmail(msg.From); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := ValidateEmail(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	// Reject headers with CRLF to prevent injection
	if strings.ContainsAny(msg.Subject, "\r\n") || strings.ContainsAny(msg.InReplyTo, "\r\n") {
		return fmt.Errorf("subject contains invalid characters")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return fmt.Errorf("message body is empty")
	}
	return nil
}
