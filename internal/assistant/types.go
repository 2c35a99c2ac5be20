package assistant

import (
	"context"
	"time"
)

// ProcessEmailPath is the backend route that classifies an email and drafts a reply.
const ProcessEmailPath = "/process-email"

// Backend classifies email text and generates a reply
type Backend interface {
	Process(ctx context.Context, emailText string) (*Result, error)
}

// Result is the backend's answer for one email
type Result struct {
	Category   string `json:"category"`
	Reply      string `json:"reply"`
	TokensUsed *int   `json:"tokens_used"`

	StatusCode int `json:"-"`
}

// Phase is where a form sits in its submit cycle
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

// State is the form's record. It is a value; Form hands out copies.
type State struct {
	EmailText  string `json:"email_text"`
	Category   string `json:"category"`
	Reply      string `json:"reply"`
	TokensUsed *int   `json:"tokens_used"`
	Loading    bool   `json:"loading"`
	Error      string `json:"error"`
	Phase      Phase  `json:"phase"`
}

// HasResult reports whether the last settled request produced a category
func (s State) HasResult() bool {
	return s.Category != ""
}

// Submission is the settled outcome of one backend request
type Submission struct {
	ID         string        `json:"id"`
	Source     string        `json:"source"`
	EmailText  string        `json:"email_text"`
	Category   string        `json:"category"`
	Reply      string        `json:"reply"`
	TokensUsed *int          `json:"tokens_used"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Succeeded reports whether the backend answered with a result
func (s Submission) Succeeded() bool {
	return s.Error == ""
}

// Outcome is the submission's status label: "success" or its error kind
func (s Submission) Outcome() string {
	if s.Succeeded() {
		return "success"
	}
	return string(s.ErrorKind)
}

// Sources of submissions
const (
	SourceWeb   = "web"
	SourceAPI   = "api"
	SourceCLI   = "cli"
	SourceTUI   = "tui"
	SourceInbox = "inbox"
)
