package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emailassist/emailassist/internal/assistant"
	"github.com/emailassist/emailassist/internal/config"
)

func intPtr(n int) *int { return &n }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	subs := []assistant.Submission{
		{
			ID: "a", Source: assistant.SourceWeb, EmailText: "Invoice overdue",
			Category: "Finance", Reply: "Paid today.", TokensUsed: intPtr(30),
			StatusCode: 200, StartedAt: base, Duration: 1500 * time.Millisecond,
		},
		{
			ID: "b", Source: assistant.SourceCLI, EmailText: "Hello",
			Error: "Model unavailable", ErrorKind: assistant.KindBackendRejected,
			StatusCode: 500, StartedAt: base.Add(time.Minute),
		},
		{
			ID: "c", Source: assistant.SourceInbox, EmailText: "Subject: Lunch\n\nFriday?",
			Category: "Personal", Reply: "Sure.", StartedAt: base.Add(2 * time.Minute),
		},
	}
	for _, sub := range subs {
		require.NoError(t, s.Record(ctx, sub))
	}

	records, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "c", records[0].ID)
	assert.Nil(t, records[0].TokensUsed)
	assert.Equal(t, StatusSuccess, records[0].Status())

	assert.Equal(t, "b", records[1].ID)
	assert.Equal(t, StatusFailed, records[1].Status())
	assert.Equal(t, "backend_rejected", records[1].ErrorKind)
	assert.Equal(t, 500, records[1].StatusCode)

	a := records[2]
	assert.Equal(t, "Finance", a.Category)
	require.NotNil(t, a.TokensUsed)
	assert.Equal(t, 30, *a.TokensUsed)
	assert.Equal(t, int64(1500), a.DurationMs)
	assert.True(t, base.Equal(a.CreatedAt), "created_at %v", a.CreatedAt)

	limited, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, sub := range []assistant.Submission{
		{Category: "Work", TokensUsed: intPtr(10)},
		{Category: "Work", TokensUsed: intPtr(5)},
		{Category: "Spam", TokensUsed: intPtr(1)},
		{Error: "boom", ErrorKind: assistant.KindTransport},
	} {
		sub.ID = string(rune('a' + i))
		sub.Source = assistant.SourceWeb
		sub.EmailText = "x"
		sub.StartedAt = now.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Record(ctx, sub))
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, int64(16), stats.TokensUsed)
	assert.Equal(t, []CategoryCount{{"Work", 2}, {"Spam", 1}}, stats.ByCategory)
}

func TestObserverRecords(t *testing.T) {
	s := newTestStore(t)
	obs := Observer(s, zap.NewNop())

	obs.Observe(context.Background(), assistant.Submission{
		ID: "x1", Source: assistant.SourceTUI, EmailText: "hi", Category: "Other", StartedAt: time.Now(),
	})

	records, err := s.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "x1", records[0].ID)
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()

	l, err := Open(ctx, config.HistoryConfig{Driver: "none"}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, l.Record(ctx, assistant.Submission{}))
	records, err := l.Recent(ctx, 5)
	assert.NoError(t, err)
	assert.Empty(t, records)

	l, err = Open(ctx, config.HistoryConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "h.db")}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &Store{}, l)
	l.Close()

	_, err = Open(ctx, config.HistoryConfig{Driver: "bogus"}, zap.NewNop())
	assert.Error(t, err)
}
