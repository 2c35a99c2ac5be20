package inbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/emailassist/emailassist/internal/config"
)

// Monitor handles the IMAP connection to one mailbox
type Monitor struct {
	config config.InboxConfig
	client *client.Client
	logger *zap.Logger
}

// Email represents a parsed email from the mailbox
type Email struct {
	UID        uint32 // IMAP UID for operations like copy/flag
	MessageID  string
	From       string
	FromName   string // Sender display name (e.g., "Mail Delivery System")
	Subject    string
	Body       string
	HTMLBody   string
	ReceivedAt time.Time
}

// NewMonitor creates a new inbox monitor
func NewMonitor(cfg config.InboxConfig, logger *zap.Logger) *Monitor {
	return &Monitor{config: cfg, logger: logger}
}

// Connect establishes IMAP connection
func (m *Monitor) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.config.Server, m.config.Port)
	m.logger.Info("connecting to IMAP server", zap.String("addr", addr))

	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(m.config.Email, m.config.Password); err != nil {
		c.Logout()
		return fmt.Errorf("failed to login: %w", err)
	}

	m.client = c
	m.logger.Debug("IMAP login successful", zap.String("email", m.config.Email))
	return nil
}

// Disconnect closes the IMAP connection
func (m *Monitor) Disconnect() error {
	if m.client != nil {
		return m.client.Logout()
	}
	return nil
}

// FetchLatest returns the newest n messages of the configured folder, newest first.
func (m *Monitor) FetchLatest(ctx context.Context, n int) ([]Email, error) {
	if m.client == nil {
		return nil, fmt.Errorf("not connected to IMAP server")
	}

	mbox, err := m.client.Select(m.config.Folder, false)
	if err != nil {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", m.config.Folder, err)
	}
	m.logger.Debug("mailbox selected", zap.String("folder", m.config.Folder), zap.Uint32("messages", mbox.Messages))

	if mbox.Messages == 0 || n <= 0 {
		return nil, nil
	}

	from := uint32(1)
	if mbox.Messages > uint32(n) {
		from = mbox.Messages - uint32(n) + 1
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, mbox.Messages)

	emails, err := m.fetch(seqSet, false)
	if err != nil {
		return nil, err
	}
	return newestFirst(emails), nil
}

// FetchUnread returns up to n unseen messages, newest first. Bodies are
// peeked so the messages stay unread.
func (m *Monitor) FetchUnread(ctx context.Context, n int) ([]Email, error) {
	if m.client == nil {
		return nil, fmt.Errorf("not connected to IMAP server")
	}

	if _, err := m.client.Select(m.config.Folder, false); err != nil {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", m.config.Folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}
	m.logger.Debug("unread search", zap.Int("found", len(uids)))

	if len(uids) == 0 || n <= 0 {
		return nil, nil
	}
	if len(uids) > n {
		uids = uids[len(uids)-n:]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	emails, err := m.fetch(seqSet, true)
	if err != nil {
		return nil, err
	}
	return newestFirst(emails), nil
}

func (m *Monitor) fetch(seqSet *imap.SeqSet, byUID bool) ([]Email, error) {
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		if byUID {
			done <- m.client.UidFetch(seqSet, items, messages)
		} else {
			done <- m.client.Fetch(seqSet, items, messages)
		}
	}()

	var emails []Email
	for msg := range messages {
		email, err := parseMessage(msg, section)
		if err != nil {
			m.logger.Warn("failed to parse message", zap.Error(err))
			continue
		}
		if email != nil {
			emails = append(emails, *email)
		}
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return emails, nil
}

func newestFirst(emails []Email) []Email {
	for i, j := 0, len(emails)-1; i < j; i, j = i+1, j-1 {
		emails[i], emails[j] = emails[j], emails[i]
	}
	return emails
}

// parseMessage converts an IMAP message to our Email struct
func parseMessage(msg *imap.Message, section *imap.BodySectionName) (*Email, error) {
	if msg == nil || msg.Envelope == nil {
		return nil, nil
	}

	email := &Email{
		UID:        msg.Uid,
		MessageID:  msg.Envelope.MessageId,
		Subject:    msg.Envelope.Subject,
		ReceivedAt: msg.Envelope.Date,
	}

	if len(msg.Envelope.From) > 0 {
		from := msg.Envelope.From[0]
		email.From = from.Address()
		email.FromName = from.PersonalName
	}

	r := msg.GetBody(section)
	if r == nil {
		return email, nil
	}
	if err := readBody(r, email); err != nil {
		return email, nil // Return without body on parse error
	}
	return email, nil
}

// readBody fills the first text/plain and text/html parts of a message
func readBody(r io.Reader, email *Email) error {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return err
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, _ := io.ReadAll(p.Body)

			if strings.HasPrefix(ct, "text/plain") && email.Body == "" {
				email.Body = string(body)
			} else if strings.HasPrefix(ct, "text/html") && email.HTMLBody == "" {
				email.HTMLBody = string(body)
			}
		}
	}
	return nil
}

// EnsureFolderExists creates a folder/label if it doesn't already exist
func (m *Monitor) EnsureFolderExists(name string) error {
	if m.client == nil {
		return fmt.Errorf("not connected to IMAP server")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.client.List("", "*", mailboxes)
	}()

	exists := false
	for mbox := range mailboxes {
		if strings.EqualFold(mbox.Name, name) {
			exists = true
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}
	if exists {
		return nil
	}

	if err := m.client.Create(name); err != nil {
		return fmt.Errorf("failed to create folder '%s': %w", name, err)
	}
	m.logger.Info("created folder", zap.String("folder", name))
	return nil
}

// LabelAndMarkRead copies a message into the label folder and flags it seen.
// On Gmail a folder copy is how a label is applied.
func (m *Monitor) LabelAndMarkRead(uid uint32, label string) error {
	if m.client == nil {
		return fmt.Errorf("not connected to IMAP server")
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if err := m.client.UidCopy(seqSet, label); err != nil {
		return fmt.Errorf("failed to copy email to '%s': %w", label, err)
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := m.client.UidStore(seqSet, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark email as read: %w", err)
	}
	return nil
}

// AppendDraft stores a draft message in the configured drafts folder
func (m *Monitor) AppendDraft(d Draft) error {
	if m.client == nil {
		return fmt.Errorf("not connected to IMAP server")
	}

	if d.From == "" {
		d.From = m.config.Email
	}
	raw, err := BuildDraft(d, time.Now())
	if err != nil {
		return err
	}

	if err := m.client.Append(m.config.DraftsFolder, []string{imap.DraftFlag}, time.Now(), raw); err != nil {
		return fmt.Errorf("failed to append draft to '%s': %w", m.config.DraftsFolder, err)
	}
	return nil
}

// Draft is a reply waiting in the drafts folder
type Draft struct {
	From      string
	To        string
	Subject   string
	Body      string
	InReplyTo string
}

// BuildDraft renders d as an RFC 5322 message
func BuildDraft(d Draft, date time.Time) (*bytes.Buffer, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetSubject(d.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	from, err := mail.ParseAddress(d.From)
	if err != nil {
		return nil, fmt.Errorf("invalid draft sender: %w", err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	if d.To != "" {
		to, err := mail.ParseAddress(d.To)
		if err != nil {
			return nil, fmt.Errorf("invalid draft recipient: %w", err)
		}
		h.SetAddressList("To", []*mail.Address{to})
	}
	if d.InReplyTo != "" {
		h.Set("In-Reply-To", d.InReplyTo)
		h.Set("References", d.InReplyTo)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to write draft: %w", err)
	}
	if _, err := io.WriteString(w, d.Body); err != nil {
		return nil, fmt.Errorf("failed to write draft: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to write draft: %w", err)
	}
	return &buf, nil
}
