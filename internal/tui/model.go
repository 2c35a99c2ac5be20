// Package tui renders the email assistant form in the terminal.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/emailassist/emailassist/internal/assistant"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	labelStyle    = lipgloss.NewStyle().Bold(true)
	categoryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	hintStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	replyStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// resultMsg carries the form state once a submission settles
type resultMsg assistant.State

// Model is the bubbletea model around one assistant.Form
type Model struct {
	ctx     context.Context
	form    *assistant.Form
	input   textarea.Model
	spinner spinner.Model
	state   assistant.State
	width   int
}

func New(ctx context.Context, form *assistant.Form) Model {
	ta := textarea.New()
	ta.Placeholder = "Paste an email here..."
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetWidth(80)
	ta.SetHeight(10)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		ctx:     ctx,
		form:    form,
		input:   ta,
		spinner: sp,
		state:   form.Snapshot(),
		width:   80,
	}
}

func (m Model) Init() tea.Cmd {
	return textarea.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyCtrlS:
			return m.submit()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.input.SetWidth(max(20, msg.Width-4))
		return m, nil

	case resultMsg:
		m.state = assistant.State(msg)
		return m, nil

	case spinner.TickMsg:
		if !m.state.Loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit starts a request unless one is already running or the text is empty
func (m Model) submit() (tea.Model, tea.Cmd) {
	if m.state.Loading {
		return m, nil
	}
	text := m.input.Value()
	if assistant.IsEmpty(text) {
		return m, nil
	}

	m.form.SetEmailText(text)
	m.state.EmailText = text
	m.state.Loading = true
	m.state.Phase = assistant.PhaseSubmitting
	m.state.Category, m.state.Reply, m.state.TokensUsed, m.state.Error = "", "", nil, ""

	form, ctx := m.form, m.ctx
	run := func() tea.Msg {
		state, _ := form.Submit(ctx)
		return resultMsg(state)
	}
	return m, tea.Batch(run, m.spinner.Tick)
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Email Assistant"))
	b.WriteString("\n\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")

	if m.state.Loading {
		b.WriteString(m.spinner.View() + " Processing...")
	} else {
		b.WriteString(hintStyle.Render("ctrl+s process email · esc quit"))
	}
	b.WriteString("\n\n")

	if m.state.Error != "" {
		b.WriteString(errorStyle.Render(m.state.Error))
		b.WriteString("\n")
	}

	if m.state.HasResult() {
		b.WriteString(labelStyle.Render("Category: "))
		b.WriteString(categoryStyle.Render(m.state.Category))
		b.WriteString("\n\n")
		b.WriteString(labelStyle.Render("Suggested reply"))
		b.WriteString("\n")
		b.WriteString(replyStyle.Width(max(20, m.width-4)).Render(m.state.Reply))
		b.WriteString("\n")
		if m.state.TokensUsed != nil {
			b.WriteString(hintStyle.Render(fmt.Sprintf("Tokens used: %d", *m.state.TokensUsed)))
			b.WriteString("\n")
		}
	}

	return b.String()
}

// Run shows the form until the user quits or ctx is cancelled
func Run(ctx context.Context, form *assistant.Form) error {
	p := tea.NewProgram(New(ctx, form), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
