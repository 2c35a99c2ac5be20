package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/emailassist/emailassist/internal/assistant"
	"github.com/emailassist/emailassist/internal/trace"
)

type recordingSink struct {
	keys     []string
	payloads []any
	err      error
}

func (s *recordingSink) Publish(_ context.Context, key string, payload any) error {
	s.keys = append(s.keys, key)
	s.payloads = append(s.payloads, payload)
	return s.err
}

func TestNewSubmissionEvent(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tokens := 42

	tests := []struct {
		name    string
		sub     assistant.Submission
		wantKey string
	}{
		{
			name: "success",
			sub: assistant.Submission{ID: "1", Source: "web", Category: "Support",
				Reply: "Thanks", TokensUsed: &tokens, StartedAt: started, Duration: 2 * time.Second},
			wantKey: RoutingProcessed,
		},
		{
			name: "failure",
			sub: assistant.Submission{ID: "2", Source: "cli", Error: "Model unavailable",
				ErrorKind: assistant.KindBackendRejected, StatusCode: 500, StartedAt: started},
			wantKey: RoutingFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := trace.WithContext(context.Background(), "trace-1")
			key, evt := NewSubmissionEvent(ctx, tt.sub)
			assert.Equal(t, tt.wantKey, key)
			assert.Equal(t, tt.sub.ID, evt.ID)
			assert.Equal(t, tt.sub.Source, evt.Source)
			assert.Equal(t, string(tt.sub.ErrorKind), evt.ErrorKind)
			assert.Equal(t, tt.sub.StartedAt.Add(tt.sub.Duration), evt.OccurredAt)
			assert.Equal(t, "trace-1", evt.TraceID)
		})
	}
}

func TestObserverLogsPublishFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink := &recordingSink{err: errors.New("channel closed")}

	Observer(sink, zap.New(core)).Observe(context.Background(), assistant.Submission{ID: "abc"})

	require.Len(t, sink.keys, 1)
	assert.Equal(t, RoutingProcessed, sink.keys[0])
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "failed to publish submission event", logs.All()[0].Message)
}
