package email

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridSender delivers replies through the SendGrid v3 mail API
type SendGridSender struct {
	client *sendgrid.Client
}

func NewSendGridSender(apiKey string) *SendGridSender {
	return &SendGridSender{client: sendgrid.NewSendClient(apiKey)}
}

func (s *SendGridSender) Name() string { return "sendgrid" }

func (s *SendGridSender) Send(ctx context.Context, msg Message) Result {
	if err := validateMessage(msg); err != nil {
		return Result{Success: false, Error: err}
	}

	m := mail.NewSingleEmailPlainText(
		mail.NewEmail("", msg.From),
		msg.Subject,
		mail.NewEmail("", msg.To),
		msg.Body,
	)
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", msg.InReplyTo)
		m.SetHeader("References", msg.InReplyTo)
	}

	resp, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("sendgrid: %w", err)}
	}
	if resp.StatusCode >= 300 {
		return Result{Success: false, Error: fmt.Errorf("sendgrid: status %d", resp.StatusCode)}
	}

	var id string
	if ids := resp.Headers["X-Message-Id"]; len(ids) > 0 {
		id = ids[0]
	}
	return Result{Success: true, MessageID: id}
}
