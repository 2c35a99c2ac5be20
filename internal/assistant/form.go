package assistant

import (
	"context"
	"strings"
	"sync"
)

// Form is one instance of the email assistant page: the user's text plus
// the result or error of the last request.
//
// Disabling the trigger while Loading is the caller's job. Form does not
// queue or drop overlapping submissions; whichever response settles last
// is what the record shows.
type Form struct {
	backend   Backend
	source    string
	observers Observers
	onChange  func(State)

	mu       sync.Mutex
	state    State
	inflight int
}

type FormOption func(*Form)

// WithSource labels submissions made through this form
func WithSource(source string) FormOption {
	return func(f *Form) { f.source = source }
}

// WithObservers registers observers for settled submissions
func WithObservers(obs ...Observer) FormOption {
	return func(f *Form) { f.observers = append(f.observers, obs...) }
}

// WithOnChange registers a hook called with every new state. The hook runs
// with the form locked and must not call back into the form.
func WithOnChange(fn func(State)) FormOption {
	return func(f *Form) { f.onChange = fn }
}

func NewForm(backend Backend, opts ...FormOption) *Form {
	f := &Form{
		backend: backend,
		source:  SourceWeb,
		state:   State{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// IsEmpty reports whether text would be ignored by Submit
func IsEmpty(text string) bool {
	return strings.TrimSpace(text) == ""
}

// SetEmailText replaces the user's input
func (f *Form) SetEmailText(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.EmailText = text
	f.changed()
}

// Snapshot returns a copy of the current record
func (f *Form) Snapshot() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Restore replaces the record with a saved one. A request that was in
// flight when the state was saved is gone, so Loading is cleared.
func (f *Form) Restore(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.Loading || s.Phase == PhaseSubmitting || s.Phase == "" {
		s.Loading = false
		s.Phase = PhaseIdle
	}
	f.state = s
	f.inflight = 0
}

// Submit sends the current text to the backend and waits for it to settle.
// Empty text is ignored: nothing is sent, the record is untouched and the
// second return value is false.
func (f *Form) Submit(ctx context.Context) (State, bool) {
	f.mu.Lock()
	text := f.state.EmailText
	if IsEmpty(text) {
		s := f.state
		f.mu.Unlock()
		return s, false
	}
	f.inflight++
	f.state.Category = ""
	f.state.Reply = ""
	f.state.TokensUsed = nil
	f.state.Error = ""
	f.state.Loading = true
	f.state.Phase = PhaseSubmitting
	f.changed()
	f.mu.Unlock()

	sub := Run(ctx, f.backend, f.source, text)

	f.mu.Lock()
	f.inflight--
	f.state.Category = sub.Category
	f.state.Reply = sub.Reply
	f.state.TokensUsed = sub.TokensUsed
	f.state.Error = sub.Error
	if sub.Succeeded() {
		f.state.Phase = PhaseSucceeded
	} else {
		f.state.Phase = PhaseFailed
	}
	f.state.Loading = f.inflight > 0
	if f.state.Loading {
		f.state.Phase = PhaseSubmitting
	}
	f.changed()
	s := f.state
	f.mu.Unlock()

	f.observers.Observe(context.WithoutCancel(ctx), sub)
	return s, true
}

// changed must be called with f.mu held
func (f *Form) changed() {
	if f.onChange != nil {
		f.onChange(f.state)
	}
}
