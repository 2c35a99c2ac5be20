package template

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

// ReplyData contains all data available to reply templates
type ReplyData struct {
	To              string // address of the original sender
	OriginalSubject string
	OriginalBody    string
	Reply           string // text generated by the backend
	Date            string
}

// Email represents a rendered email ready to send
type Email struct {
	Subject string
	Body    string
}

// Engine handles reply template rendering
type Engine struct {
	templates map[string]*template.Template
}

var funcs = template.FuncMap{
	"quote": quote,
}

// NewEngine creates a new template engine
func NewEngine() (*Engine, error) {
	e := &Engine{
		templates: make(map[string]*template.Template),
	}

	for _, name := range []string{"plain", "quoted"} {
		content, err := embeddedTemplates.ReadFile("templates/" + name + ".tmpl")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded template %s: %w", name, err)
		}

		tmpl, err := template.New(name).Funcs(funcs).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		e.templates[name] = tmpl
	}

	return e, nil
}

// Render builds the outgoing reply. Date defaults to today.
func (e *Engine) Render(templateName string, data ReplyData) (*Email, error) {
	tmpl, ok := e.templates[templateName]
	if !ok {
		return nil, fmt.Errorf("unknown template %q (available: %s)", templateName, strings.Join(e.AvailableTemplates(), ", "))
	}
	if strings.TrimSpace(data.Reply) == "" {
		return nil, fmt.Errorf("reply text is empty")
	}
	if data.Date == "" {
		data.Date = time.Now().Format("January 2, 2006")
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}

	return &Email{
		Subject: ReplySubject(data.OriginalSubject),
		Body:    strings.TrimRight(buf.String(), "\n") + "\n",
	}, nil
}

// ReplySubject prefixes "Re: " unless the subject already carries it
func ReplySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re: your email"
	}
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	return "Re: " + subject
}

// SplitSubject separates a leading "Subject: ..." line from pasted email text
func SplitSubject(text string) (subject, body string) {
	text = strings.TrimLeft(text, " \t\r\n")
	first, rest, _ := strings.Cut(text, "\n")
	first = strings.TrimSpace(first)
	if len(first) >= 8 && strings.EqualFold(first[:8], "subject:") {
		return strings.TrimSpace(first[8:]), strings.TrimLeft(rest, "\r\n")
	}
	return "", text
}

func quote(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		if l == "" {
			lines[i] = ">"
		} else {
			lines[i] = "> " + l
		}
	}
	return strings.Join(lines, "\n")
}

// AvailableTemplates returns the sorted list of template names
func (e *Engine) AvailableTemplates() []string {
	templates := make([]string, 0, len(e.templates))
	for name := range e.templates {
		templates = append(templates, name)
	}
	sort.Strings(templates)
	return templates
}
