package web

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emailassist/emailassist/internal/assistant"
)

type memorySnapshots struct {
	mu     sync.Mutex
	states map[string]assistant.State
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{states: make(map[string]assistant.State)}
}

func (m *memorySnapshots) Load(_ context.Context, id string) (*assistant.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memorySnapshots) Save(_ context.Context, id string, state assistant.State, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = state
	return nil
}

func (m *memorySnapshots) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	return nil
}

func newTestForm() *assistant.Form {
	return assistant.NewForm(supportBackend())
}

func TestSessionCreateGet(t *testing.T) {
	store := NewSessionStore(time.Minute, newTestForm, nil, zap.NewNop())
	defer store.Close()
	ctx := context.Background()

	id, err := store.Create()
	require.NoError(t, err)
	assert.Len(t, id, 64)

	session := store.Get(ctx, id)
	require.NotNil(t, session)
	assert.Equal(t, id, session.ID)
	assert.Equal(t, assistant.PhaseIdle, session.Form.Snapshot().Phase)

	assert.Nil(t, store.Get(ctx, ""))
	assert.Nil(t, store.Get(ctx, "unknown"))

	store.Delete(ctx, id)
	assert.Nil(t, store.Get(ctx, id))
}

func TestSessionExpiry(t *testing.T) {
	store := NewSessionStore(time.Millisecond, newTestForm, nil, zap.NewNop())
	defer store.Close()

	id, err := store.Create()
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	assert.Nil(t, store.Get(context.Background(), id))
	assert.Equal(t, 0, store.Count())
}

func TestSessionCleanup(t *testing.T) {
	store := NewSessionStore(time.Millisecond, newTestForm, nil, zap.NewNop())
	defer store.Close()

	_, err := store.Create()
	require.NoError(t, err)
	_, err = store.Create()
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	store.cleanup()
	assert.Equal(t, 0, store.Count())
}

func TestSessionRevivedFromSnapshot(t *testing.T) {
	snaps := newMemorySnapshots()
	ctx := context.Background()

	first := NewSessionStore(time.Minute, newTestForm, snaps, zap.NewNop())
	id, err := first.Create()
	require.NoError(t, err)

	session := first.Get(ctx, id)
	session.Form.SetEmailText("Where is my parcel?")
	_, ok := session.Form.Submit(ctx)
	require.True(t, ok)
	first.Persist(ctx, session)
	first.Close()

	// A new store stands in for a restarted process
	second := NewSessionStore(time.Minute, newTestForm, snaps, zap.NewNop())
	defer second.Close()

	revived := second.Get(ctx, id)
	require.NotNil(t, revived)
	state := revived.Form.Snapshot()
	assert.Equal(t, "Where is my parcel?", state.EmailText)
	assert.Equal(t, "Support", state.Category)
	assert.False(t, state.Loading)

	second.Delete(ctx, id)
	assert.Empty(t, snaps.states)
}

func TestSessionFlash(t *testing.T) {
	s := &Session{}
	s.SetFlash("hello")
	assert.Equal(t, "hello", s.TakeFlash())
	assert.Equal(t, "", s.TakeFlash())
}
