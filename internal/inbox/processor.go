package inbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/emailassist/emailassist/internal/assistant"
	"github.com/emailassist/emailassist/internal/metrics"
	"github.com/emailassist/emailassist/internal/template"
)

// Mode selects what a run does with each fetched email
type Mode string

const (
	ModeFetch   Mode = "fetch"   // list the latest emails only
	ModeProcess Mode = "process" // submit the latest emails
	ModeDrafts  Mode = "drafts"  // submit the latest emails and save draft replies
	ModeUnread  Mode = "unread"  // submit unread emails, save drafts, label and mark read
)

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeFetch, ModeProcess, ModeDrafts, ModeUnread:
		return m, nil
	}
	return "", fmt.Errorf("unknown inbox mode %q (want fetch, process, drafts or unread)", s)
}

// Mailbox is the IMAP surface a run needs. *Monitor implements it.
type Mailbox interface {
	FetchLatest(ctx context.Context, n int) ([]Email, error)
	FetchUnread(ctx context.Context, n int) ([]Email, error)
	EnsureFolderExists(name string) error
	LabelAndMarkRead(uid uint32, label string) error
	AppendDraft(d Draft) error
}

// Item is the outcome for one email
type Item struct {
	UID          uint32 `json:"uid"`
	From         string `json:"from"`
	Subject      string `json:"subject"`
	Category     string `json:"category,omitempty"`
	Reply        string `json:"reply,omitempty"`
	TokensUsed   *int   `json:"tokens_used,omitempty"`
	DraftCreated bool   `json:"draft_created,omitempty"`
	Labeled      bool   `json:"labeled,omitempty"`
	Skipped      string `json:"skipped,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Report summarises a run
type Report struct {
	Mode      Mode   `json:"mode"`
	Items     []Item `json:"items"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

// Processor runs emails from a mailbox through the backend
type Processor struct {
	mailbox          Mailbox
	backend          assistant.Backend
	replies          *template.Engine
	replyTemplate    string
	processedLabel   string
	includeAutomated bool
	observers        assistant.Observers
	logger           *zap.Logger

	// OnProgress is called after each email settles
	OnProgress func(done, total int, item Item)
}

type ProcessorOption func(*Processor)

func WithObservers(obs ...assistant.Observer) ProcessorOption {
	return func(p *Processor) { p.observers = append(p.observers, obs...) }
}

// WithReplyTemplate chooses how draft bodies are composed ("plain" or "quoted")
func WithReplyTemplate(name string) ProcessorOption {
	return func(p *Processor) { p.replyTemplate = name }
}

func WithProcessedLabel(label string) ProcessorOption {
	return func(p *Processor) { p.processedLabel = label }
}

// WithAutomated also submits bounces and no-reply mail
func WithAutomated(include bool) ProcessorOption {
	return func(p *Processor) { p.includeAutomated = include }
}

func NewProcessor(mb Mailbox, backend assistant.Backend, replies *template.Engine, logger *zap.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		mailbox:        mb,
		backend:        backend,
		replies:        replies,
		replyTemplate:  "plain",
		processedLabel: "AI-Processed",
		logger:         logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run fetches up to max emails and handles each according to mode.
// Per-email failures land in the report; only mailbox errors abort the run.
func (p *Processor) Run(ctx context.Context, mode Mode, max int) (*Report, error) {
	var emails []Email
	var err error
	if mode == ModeUnread {
		emails, err = p.mailbox.FetchUnread(ctx, max)
	} else {
		emails, err = p.mailbox.FetchLatest(ctx, max)
	}
	if err != nil {
		return nil, err
	}

	if mode == ModeUnread && len(emails) > 0 {
		if err := p.mailbox.EnsureFolderExists(p.processedLabel); err != nil {
			return nil, err
		}
	}

	report := &Report{Mode: mode}
	for i, e := range emails {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		item := p.handle(ctx, mode, e)
		switch {
		case item.Skipped != "":
			report.Skipped++
			metrics.IncrementInboxEmail(string(mode), "skipped")
		case item.Error != "":
			report.Failed++
			metrics.IncrementInboxEmail(string(mode), "failed")
		default:
			report.Processed++
			metrics.IncrementInboxEmail(string(mode), "processed")
		}
		report.Items = append(report.Items, item)

		if p.OnProgress != nil {
			p.OnProgress(i+1, len(emails), item)
		}
	}

	p.logger.Info("inbox run finished",
		zap.String("mode", string(mode)),
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

func (p *Processor) handle(ctx context.Context, mode Mode, e Email) Item {
	item := Item{UID: e.UID, From: e.From, Subject: e.Subject}
	if mode == ModeFetch {
		return item
	}
	if !p.includeAutomated && e.IsAutomated() {
		item.Skipped = "automated sender"
		return item
	}

	sub := assistant.Run(ctx, p.backend, assistant.SourceInbox, e.SubmissionText())
	p.observers.Observe(context.WithoutCancel(ctx), sub)
	if !sub.Succeeded() {
		item.Error = sub.Error
		return item
	}
	item.Category = sub.Category
	item.Reply = sub.Reply
	item.TokensUsed = sub.TokensUsed

	if mode == ModeProcess {
		return item
	}

	if err := p.saveDraft(e, sub.Reply); err != nil {
		p.logger.Warn("failed to save draft", zap.Uint32("uid", e.UID), zap.Error(err))
		item.Error = err.Error()
		return item
	}
	item.DraftCreated = true

	if mode == ModeUnread {
		if err := p.mailbox.LabelAndMarkRead(e.UID, p.processedLabel); err != nil {
			p.logger.Warn("failed to label email", zap.Uint32("uid", e.UID), zap.Error(err))
			item.Error = err.Error()
			return item
		}
		item.Labeled = true
	}
	return item
}

func (p *Processor) saveDraft(e Email, reply string) error {
	msg, err := p.replies.Render(p.replyTemplate, template.ReplyData{
		To:              e.From,
		OriginalSubject: e.Subject,
		OriginalBody:    e.Text(),
		Reply:           reply,
	})
	if err != nil {
		return err
	}
	return p.mailbox.AppendDraft(Draft{
		To:        e.From,
		Subject:   msg.Subject,
		Body:      msg.Body,
		InReplyTo: e.MessageID,
	})
}
