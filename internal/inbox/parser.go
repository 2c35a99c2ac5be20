package inbox

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// MaxBodyChars bounds how much of a message body is sent to the backend
const MaxBodyChars = 500

var (
	blankLines = regexp.MustCompile(`\n{3,}`)
	spaceRuns  = regexp.MustCompile(`[ \t\r\f\v]+`)
)

// blockTags end a line when converting HTML to text
var blockTags = "p, div, br, li, tr, h1, h2, h3, h4, h5, h6, blockquote"

// HTMLToText strips markup, scripts and styles, keeping block boundaries as newlines
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, head").Remove()
	doc.Find(blockTags).Each(func(i int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	return normalizeText(doc.Text())
}

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(l, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Text returns the plain body, falling back to the HTML body rendered as text
func (e Email) Text() string {
	if strings.TrimSpace(e.Body) != "" {
		return normalizeText(e.Body)
	}
	if e.HTMLBody != "" {
		return HTMLToText(e.HTMLBody)
	}
	return ""
}

// SubmissionText is what gets sent to the backend for this email
func (e Email) SubmissionText() string {
	return "Subject: " + e.Subject + "\n\n" + truncate(e.Text(), MaxBodyChars)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

var (
	// Bounce and robot sender patterns
	automatedSenders = []string{
		"mailer-daemon", "postmaster", "mail delivery",
		"mail delivery system", "mail delivery subsystem",
		"mailerdaemon", "mailsystem",
		"no-reply", "noreply", "do-not-reply", "donotreply",
	}

	// Bounce subject patterns
	automatedSubjects = []string{
		"undeliverable", "delivery failed", "delivery status notification",
		"returned mail", "mail delivery failed", "delivery failure",
		"message not delivered", "could not be delivered",
		"automatic reply", "auto-reply", "out of office",
	}
)

// IsAutomated reports whether the email looks like a bounce, auto-reply or no-reply robot
func (e Email) IsAutomated() bool {
	from := strings.ToLower(e.From)
	fromName := strings.ToLower(e.FromName)
	for _, p := range automatedSenders {
		if strings.Contains(from, p) || strings.Contains(fromName, p) {
			return true
		}
	}

	subject := strings.ToLower(e.Subject)
	for _, p := range automatedSubjects {
		if strings.Contains(subject, p) {
			return true
		}
	}
	return false
}
