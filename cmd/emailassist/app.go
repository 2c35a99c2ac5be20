package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/emailassist/emailassist/internal/assistant"
	"github.com/emailassist/emailassist/internal/config"
	"github.com/emailassist/emailassist/internal/events"
	"github.com/emailassist/emailassist/internal/history"
	"github.com/emailassist/emailassist/internal/logger"
)

// app holds the dependencies shared by every command
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	backend   *assistant.HTTPClient
	ledger    history.Ledger
	observers assistant.Observers
	closers   []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a := &app{cfg: cfg, logger: log}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	var opts []assistant.ClientOption
	if cfg.Backend.TimeoutSec > 0 {
		opts = append(opts, assistant.WithTimeout(time.Duration(cfg.Backend.TimeoutSec)*time.Second))
	}
	a.backend = assistant.NewHTTPClient(cfg.Backend.URL, opts...)

	ledger, err := history.Open(ctx, cfg.History, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	a.ledger = ledger
	a.closers = append(a.closers, func() { ledger.Close() })
	a.observers = append(a.observers, history.Observer(ledger, log), logSubmissions(log))

	if cfg.Events.URL != "" {
		pub, err := events.NewPublisher(cfg.Events.URL, cfg.Events.Exchange)
		if err != nil {
			log.Warn("submission events disabled", zap.Error(err))
		} else {
			a.observers = append(a.observers, events.Observer(pub, log))
			a.closers = append(a.closers, pub.Close)
		}
	}

	return a, nil
}

// newForm returns a form wired to the backend and every observer
func (a *app) newForm(source string) *assistant.Form {
	return assistant.NewForm(a.backend,
		assistant.WithSource(source),
		assistant.WithObservers(a.observers...),
	)
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func logSubmissions(log *zap.Logger) assistant.Observer {
	return assistant.ObserverFunc(func(ctx context.Context, sub assistant.Submission) {
		l := logger.WithTrace(ctx, log).With(
			zap.String("submission_id", sub.ID),
			zap.String("source", sub.Source),
			zap.Duration("duration", sub.Duration),
		)
		if sub.Succeeded() {
			l.Info("email processed", zap.String("category", sub.Category))
			return
		}
		l.Warn("email processing failed",
			zap.String("error_kind", string(sub.ErrorKind)),
			zap.Int("status_code", sub.StatusCode),
			zap.String("error", sub.Error),
		)
	})
}
