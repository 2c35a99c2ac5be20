package inbox

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{"paragraphs", "<p>Hello</p><p>World</p>", "Hello\nWorld"},
		{"drops script and style", "<style>p{}</style><p>Hi</p><script>x()</script>", "Hi"},
		{"collapses spaces", "<div>  a   b  </div>", "a b"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTMLToText(tt.html))
		})
	}
}

func TestSubmissionText(t *testing.T) {
	e := Email{Subject: "Invoice", Body: "Please pay.\r\n"}
	assert.Equal(t, "Subject: Invoice\n\nPlease pay.", e.SubmissionText())

	long := Email{Subject: "Long", Body: strings.Repeat("é", MaxBodyChars+10)}
	body := strings.TrimPrefix(long.SubmissionText(), "Subject: Long\n\n")
	assert.Equal(t, MaxBodyChars, len([]rune(body)))

	html := Email{Subject: "Html", HTMLBody: "<b>Bold</b> move"}
	assert.Equal(t, "Subject: Html\n\nBold move", html.SubmissionText())
}

func TestIsAutomated(t *testing.T) {
	tests := []struct {
		name  string
		email Email
		want  bool
	}{
		{"person", Email{From: "ana@example.com", Subject: "Lunch"}, false},
		{"mailer daemon", Email{From: "MAILER-DAEMON@mx.example.com", Subject: "failure"}, true},
		{"display name", Email{From: "x@example.com", FromName: "Mail Delivery System"}, true},
		{"noreply", Email{From: "noreply@shop.example.com", Subject: "Your order"}, true},
		{"bounce subject", Email{From: "a@example.com", Subject: "Undeliverable: Re: hi"}, true},
		{"out of office", Email{From: "a@example.com", Subject: "Out of Office: back Monday"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.email.IsAutomated())
		})
	}
}

func TestBuildDraft(t *testing.T) {
	date := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	buf, err := BuildDraft(Draft{
		From:      "me@example.com",
		To:        "Ana <ana@example.com>",
		Subject:   "Re: Budget",
		Body:      "Looks good.",
		InReplyTo: "<3@mail>",
	}, date)
	require.NoError(t, err)

	mr, err := mail.CreateReader(buf)
	require.NoError(t, err)

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Re: Budget", subject)
	assert.Equal(t, "<3@mail>", mr.Header.Get("In-Reply-To"))

	to, err := mr.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "ana@example.com", to[0].Address)

	p, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(p.Body)
	require.NoError(t, err)
	assert.Equal(t, "Looks good.", string(body))

	_, err = BuildDraft(Draft{From: "not an address"}, date)
	assert.Error(t, err)
}
