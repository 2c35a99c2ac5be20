package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/emailassist/emailassist/internal/assistant"
	"github.com/emailassist/emailassist/internal/trace"
)

// Routing keys for submission events
const (
	RoutingProcessed = "email.processed"
	RoutingFailed    = "email.failed"
)

// Publisher writes submission events to a topic exchange
type Publisher struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func NewPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		exchange: exchange,
		conn:     conn,
		channel:  ch,
	}, nil
}

func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// IsConnected reports whether the broker connection is still open
func (p *Publisher) IsConnected() bool {
	if p.conn == nil || p.channel == nil {
		return false
	}
	return !p.conn.IsClosed()
}

// Publish marshals payload to JSON and publishes it with the given routing key.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	if !p.IsConnected() {
		return fmt.Errorf("publisher is not connected")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}
	if id := trace.FromContext(ctx); id != "" {
		msg.Headers = amqp091.Table{trace.HeaderName: id}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

// SubmissionEvent is the message body for a settled submission
type SubmissionEvent struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Category   string    `json:"category,omitempty"`
	TokensUsed *int      `json:"tokens_used,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	OccurredAt time.Time `json:"occurred_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}

// NewSubmissionEvent returns the routing key and body for sub.
// The email text and reply are left out of the event.
func NewSubmissionEvent(ctx context.Context, sub assistant.Submission) (string, SubmissionEvent) {
	key := RoutingProcessed
	if !sub.Succeeded() {
		key = RoutingFailed
	}
	return key, SubmissionEvent{
		ID:         sub.ID,
		Source:     sub.Source,
		Category:   sub.Category,
		TokensUsed: sub.TokensUsed,
		Error:      sub.Error,
		ErrorKind:  string(sub.ErrorKind),
		StatusCode: sub.StatusCode,
		DurationMs: sub.Duration.Milliseconds(),
		OccurredAt: sub.StartedAt.Add(sub.Duration).UTC(),
		TraceID:    trace.FromContext(ctx),
	}
}

// Sink publishes submission events
type Sink interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Observer publishes every settled submission to sink. Publish failures are logged.
func Observer(sink Sink, logger *zap.Logger) assistant.Observer {
	return assistant.ObserverFunc(func(ctx context.Context, sub assistant.Submission) {
		key, evt := NewSubmissionEvent(ctx, sub)
		if err := sink.Publish(ctx, key, evt); err != nil {
			logger.Warn("failed to publish submission event",
				zap.String("routing_key", key),
				zap.String("submission_id", sub.ID),
				zap.Error(err),
			)
		}
	})
}
