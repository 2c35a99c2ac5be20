package email

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
)

// ResendSender delivers replies through the Resend HTTP API
type ResendSender struct {
	client *resend.Client
}

func NewResendSender(apiKey string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey)}
}

func (s *ResendSender) Name() string { return "resend" }

func (s *ResendSender) Send(ctx context.Context, msg Message) Result {
	if err := validateMessage(msg); err != nil {
		return Result{Success: false, Error: err}
	}

	req := &resend.SendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Body,
	}
	if msg.InReplyTo != "" {
		req.Headers = map[string]string{
			"In-Reply-To": msg.InReplyTo,
			"References":  msg.InReplyTo,
		}
	}

	resp, err := s.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("resend: %w", err)}
	}
	return Result{Success: true, MessageID: resp.Id}
}
