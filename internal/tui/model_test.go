package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emailassist/emailassist/internal/assistant"
)

type stubBackend struct {
	calls  int
	result *assistant.Result
	err    error
}

func (s *stubBackend) Process(context.Context, string) (*assistant.Result, error) {
	s.calls++
	return s.result, s.err
}

// settle runs the commands returned by a submit until the result arrives
func settle(t *testing.T, cmd tea.Cmd) resultMsg {
	t.Helper()
	require.NotNil(t, cmd)
	batch, ok := cmd().(tea.BatchMsg)
	require.True(t, ok, "submit should return a batch")
	for _, c := range batch {
		if c == nil {
			continue
		}
		if res, ok := c().(resultMsg); ok {
			return res
		}
	}
	t.Fatal("no result message in batch")
	return resultMsg{}
}

func press(m Model, key tea.KeyType) (Model, tea.Cmd) {
	next, cmd := m.Update(tea.KeyMsg{Type: key})
	return next.(Model), cmd
}

func TestSubmitSuccess(t *testing.T) {
	tokens := 42
	backend := &stubBackend{result: &assistant.Result{Category: "Support", Reply: "Thanks for reaching out.", TokensUsed: &tokens}}
	m := New(context.Background(), assistant.NewForm(backend, assistant.WithSource(assistant.SourceTUI)))
	m.input.SetValue("My order is late")

	m, cmd := press(m, tea.KeyCtrlS)
	assert.True(t, m.state.Loading)
	assert.Contains(t, m.View(), "Processing...")

	// A second trigger while loading is ignored
	_, again := press(m, tea.KeyCtrlS)
	assert.Nil(t, again)

	next, _ := m.Update(settle(t, cmd))
	m = next.(Model)

	assert.False(t, m.state.Loading)
	assert.Equal(t, "Support", m.state.Category)
	assert.Equal(t, 1, backend.calls)

	view := m.View()
	assert.Contains(t, view, "Support")
	assert.Contains(t, view, "Thanks for reaching out.")
	assert.Contains(t, view, "Tokens used: 42")
}

func TestSubmitEmptyIsIgnored(t *testing.T) {
	backend := &stubBackend{}
	m := New(context.Background(), assistant.NewForm(backend))
	m.input.SetValue("  \n ")

	m, cmd := press(m, tea.KeyCtrlS)
	assert.Nil(t, cmd)
	assert.False(t, m.state.Loading)
	assert.Equal(t, 0, backend.calls)
}

func TestSubmitFailureShowsError(t *testing.T) {
	backend := &stubBackend{err: errors.New("Failed to fetch")}
	m := New(context.Background(), assistant.NewForm(backend))
	m.input.SetValue("Hello")

	m, cmd := press(m, tea.KeyCtrlS)
	next, _ := m.Update(settle(t, cmd))
	m = next.(Model)

	assert.Equal(t, "Failed to fetch", m.state.Error)
	assert.False(t, m.state.HasResult())
	assert.Contains(t, m.View(), "Failed to fetch")
}

func TestQuit(t *testing.T) {
	m := New(context.Background(), assistant.NewForm(&stubBackend{}))
	_, cmd := press(m, tea.KeyCtrlC)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
