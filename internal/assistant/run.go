package assistant

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/emailassist/emailassist/internal/metrics"
)

// Observer is told about every settled submission
type Observer interface {
	Observe(ctx context.Context, sub Submission)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, sub Submission)

func (f ObserverFunc) Observe(ctx context.Context, sub Submission) { f(ctx, sub) }

// Observers fans a submission out to each observer in order
type Observers []Observer

func (o Observers) Observe(ctx context.Context, sub Submission) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(ctx, sub)
		}
	}
}

// Run sends one email to the backend and settles it into a Submission.
// It never returns an error: failures land in Submission.Error.
func Run(ctx context.Context, backend Backend, source, emailText string) Submission {
	sub := Submission{
		ID:        uuid.NewString(),
		Source:    source,
		EmailText: emailText,
		StartedAt: time.Now(),
	}

	result, err := backend.Process(ctx, emailText)
	sub.Duration = time.Since(sub.StartedAt)

	if err != nil {
		sub.Error = err.Error()
		sub.ErrorKind = KindOf(err)
		var be *BackendError
		if errors.As(err, &be) {
			sub.StatusCode = be.StatusCode
		}
	} else {
		sub.Category = result.Category
		sub.Reply = result.Reply
		sub.TokensUsed = result.TokensUsed
		sub.StatusCode = result.StatusCode
	}

	metrics.RecordSubmission(source, sub.Outcome(), sub.TokensUsed)
	return sub
}
