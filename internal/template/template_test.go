package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplySubject(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Invoice", "Re: Invoice"},
		{"Re: Invoice", "Re: Invoice"},
		{"RE: Invoice", "RE: Invoice"},
		{"  Lunch  ", "Re: Lunch"},
		{"", "Re: your email"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ReplySubject(tt.in))
		})
	}
}

func TestRender(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)
	assert.Equal(t, []string{"plain", "quoted"}, e.AvailableTemplates())

	data := ReplyData{
		To:              "ana@example.com",
		OriginalSubject: "Lunch",
		OriginalBody:    "Are you free Friday?\n\nAna",
		Reply:           "Friday works.",
		Date:            "March 3, 2026",
	}

	plain, err := e.Render("plain", data)
	require.NoError(t, err)
	assert.Equal(t, "Re: Lunch", plain.Subject)
	assert.Equal(t, "Friday works.\n", plain.Body)

	quoted, err := e.Render("quoted", data)
	require.NoError(t, err)
	assert.Equal(t, "Friday works.\n\nOn March 3, 2026, ana@example.com wrote:\n> Are you free Friday?\n>\n> Ana\n", quoted.Body)

	_, err = e.Render("fancy", data)
	assert.Error(t, err)

	data.Reply = " "
	_, err = e.Render("plain", data)
	assert.Error(t, err)
}

func TestSplitSubject(t *testing.T) {
	tests := []struct {
		name, text, subject, body string
	}{
		{"with subject", "Subject: Invoice\n\nPlease pay.", "Invoice", "Please pay."},
		{"lowercase", "subject:Hi\nthere", "Hi", "there"},
		{"no subject", "Hello\nworld", "", "Hello\nworld"},
		{"leading blank lines", "\n\nSubject: X\r\n\r\nbody", "X", "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, body := SplitSubject(tt.text)
			assert.Equal(t, tt.subject, subject)
			assert.Equal(t, tt.body, body)
		})
	}
}
