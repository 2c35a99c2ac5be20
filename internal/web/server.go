package web

import (
	"context"
	"crypto/rand"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"go.uber.org/zap"

	"github.com/emailassist/emailassist/internal/assistant"
	"github.com/emailassist/emailassist/internal/config"
	"github.com/emailassist/emailassist/internal/email"
	"github.com/emailassist/emailassist/internal/history"
	"github.com/emailassist/emailassist/internal/inbox"
	"github.com/emailassist/emailassist/internal/metrics"
	emaTemplate "github.com/emailassist/emailassist/internal/template"
)

//go:embed static/*
var staticFS embed.FS

//go:embed templates/*
var templatesFS embed.FS

const (
	defaultRateLimit  = 30
	defaultRateWindow = time.Minute
	sessionCookie     = "emailassist_session"
	maxEmailBytes     = 1 << 20
	jobMaxAge         = time.Hour
)

type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) filterRecent(times []time.Time, windowStart time.Time) []time.Time {
	n := 0
	for _, t := range times {
		if t.After(windowStart) {
			times[n] = t
			n++
		}
	}
	return times[:n]
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	recent := rl.filterRecent(rl.requests[key], now.Add(-rl.window))

	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}
	rl.requests[key] = append(recent, now)
	return true
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		windowStart := time.Now().Add(-rl.window)
		for key, times := range rl.requests {
			recent := rl.filterRecent(times, windowStart)
			if len(recent) == 0 {
				delete(rl.requests, key)
			} else {
				rl.requests[key] = recent
			}
		}
		rl.mu.Unlock()
	}
}

// MailboxOpener connects to the configured inbox. The returned func disconnects.
type MailboxOpener func(ctx context.Context) (inbox.Mailbox, func() error, error)

type Server struct {
	config      *config.Config
	backend     assistant.Backend
	ledger      history.Ledger
	observers   assistant.Observers
	replies     *emaTemplate.Engine
	sender      email.Sender
	openMailbox MailboxOpener
	templates   map[string]*template.Template
	httpServer  *http.Server
	port        int
	csrfKey     []byte
	sessions    *SessionStore
	snapshots   Snapshots
	rateLimiter *RateLimiter
	jobManager  *JobManager
	logger      *zap.Logger
}

type Option func(*Server)

// WithObservers registers observers for every submission made through the server
func WithObservers(obs ...assistant.Observer) Option {
	return func(s *Server) { s.observers = append(s.observers, obs...) }
}

// WithSender enables POST /reply/send
func WithSender(sender email.Sender) Option {
	return func(s *Server) { s.sender = sender }
}

// WithSnapshots keeps session state in an external store
func WithSnapshots(snap Snapshots) Option {
	return func(s *Server) { s.snapshots = snap }
}

// WithMailboxOpener replaces the IMAP connection used by inbox jobs
func WithMailboxOpener(open MailboxOpener) Option {
	return func(s *Server) { s.openMailbox = open }
}

func NewServer(cfg *config.Config, backend assistant.Backend, ledger history.Ledger, replies *emaTemplate.Engine, logger *zap.Logger, opts ...Option) (*Server, error) {
	csrfKey := make([]byte, 32)
	if _, err := rand.Read(csrfKey); err != nil {
		return nil, fmt.Errorf("failed to generate CSRF key: %w", err)
	}

	s := &Server{
		config:      cfg,
		backend:     backend,
		ledger:      ledger,
		replies:     replies,
		port:        cfg.Server.Port,
		csrfKey:     csrfKey,
		rateLimiter: NewRateLimiter(defaultRateLimit, defaultRateWindow),
		jobManager:  NewJobManager(),
		logger:      logger,
	}
	s.openMailbox = s.connectInbox
	for _, opt := range opts {
		opt(s)
	}

	ttl := time.Duration(cfg.Sessions.TTLMinutes) * time.Minute
	s.sessions = NewSessionStore(ttl, s.newForm, s.snapshots, logger)

	tmpl, err := s.parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}
	s.templates = tmpl
	return s, nil
}

func (s *Server) newForm() *assistant.Form {
	return assistant.NewForm(s.backend,
		assistant.WithSource(assistant.SourceWeb),
		assistant.WithObservers(s.observers...),
	)
}

func (s *Server) connectInbox(ctx context.Context) (inbox.Mailbox, func() error, error) {
	m := inbox.NewMonitor(s.config.Inbox, s.logger)
	if err := m.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return m, m.Disconnect, nil
}

// parseTemplates loads and parses all HTML templates.
// Each page gets its own template set to avoid "content" block conflicts.
func (s *Server) parseTemplates() (map[string]*template.Template, error) {
	funcs := template.FuncMap{
		"formatTime": func(t time.Time) string {
			return t.Local().Format("Jan 2, 2006 3:04 PM")
		},
		"truncate": func(n int, text string) string {
			r := []rune(text)
			if len(r) <= n {
				return text
			}
			return string(r[:n]) + "…"
		},
		"deref": func(n *int) int {
			if n == nil {
				return 0
			}
			return *n
		},
	}

	layoutContent, err := templatesFS.ReadFile("templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("failed to read layout template: %w", err)
	}

	templates := make(map[string]*template.Template)
	err = fs.WalkDir(templatesFS, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path == "templates/layout.html" || !strings.HasSuffix(path, ".html") {
			return nil
		}

		content, err := templatesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", path, err)
		}

		name := path[len("templates/"):]
		pageTmpl := template.New(name).Funcs(funcs)
		if _, err := pageTmpl.Parse(string(layoutContent)); err != nil {
			return fmt.Errorf("failed to parse layout for %s: %w", name, err)
		}
		if _, err := pageTmpl.Parse(string(content)); err != nil {
			return fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		templates[name] = pageTmpl
		return nil
	})
	if err != nil {
		return nil, err
	}
	return templates, nil
}

// Start serves on 127.0.0.1 until Shutdown is called
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // submissions wait on the backend with no deadline
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("web UI listening", zap.String("url", fmt.Sprintf("http://localhost:%d", s.port)))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and stops background work
func (s *Server) Shutdown(ctx context.Context) error {
	s.jobManager.CancelAll()
	s.sessions.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the full router
func (s *Server) Handler() http.Handler {
	return s.setupRouter()
}

// setupRouter configures all routes
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(s.traceRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(securityHeaders)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	staticSub, _ := fs.Sub(staticFS, "static")
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	// CSRF protection - secure for localhost only
	csrfMiddleware := csrf.Protect(
		s.csrfKey,
		csrf.Secure(false), // Allow HTTP for localhost
		csrf.Path("/"),
		csrf.HttpOnly(true),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.RequestHeader("X-CSRF-Token"),
		csrf.TrustedOrigins([]string{"localhost", "127.0.0.1", fmt.Sprintf("localhost:%d", s.port), fmt.Sprintf("127.0.0.1:%d", s.port)}),
	)

	r.Group(func(r chi.Router) {
		r.Use(csrfMiddleware)

		r.Get("/", s.handleIndex)
		r.With(s.rateLimit).Post("/", s.handleSubmit)
		r.With(s.rateLimit).Post("/reply/send", s.handleReplySend)
		r.Get("/history", s.handleHistory)
		r.Get("/inbox", s.handleInbox)
		r.Post("/inbox/run", s.handleInboxRun)
	})

	r.Route("/api", func(r chi.Router) {
		// Polled by the inbox page
		r.With(csrfMiddleware).Get("/job/{jobID}", s.handleAPIJobStatus)
		r.With(csrfMiddleware).Post("/job/{jobID}/cancel", s.handleAPIJobCancel)

		// JSON API for scripts; bearer token instead of CSRF
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/state", s.handleAPIState)
			r.With(s.rateLimit).Post("/submit", s.handleAPISubmit)
		})
	})

	return r
}

// securityHeaders adds security headers to all responses
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		csp := "default-src 'self'; " +
			"script-src 'self'; " +
			"style-src 'self'; " +
			"img-src 'self' data:; " +
			"connect-src 'self'; " +
			"frame-ancestors 'none'; " +
			"form-action 'self'; " +
			"base-uri 'self'"
		w.Header().Set("Content-Security-Policy", csp)

		// Pasted emails and replies should never be cached
		if !strings.HasPrefix(r.URL.Path, "/static/") {
			w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
			w.Header().Set("Pragma", "no-cache")
			w.Header().Set("Expires", "0")
		}

		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=()")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.Allow(clientKey(r)) {
			http.Error(w, "Too many requests, slow down", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

// Handler implementations

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	session := s.getOrCreateSession(w, r)
	if session == nil {
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	state := session.Form.Snapshot()
	s.renderWithCSRF(w, r, "index.html", map[string]interface{}{
		"Title":       "Email Assistant",
		"State":       state,
		"Flash":       session.TakeFlash(),
		"CanSend":     s.sender != nil,
		"DefaultFrom": s.config.Reply.From,
	})
}

// handleSubmit runs one submission for the session's form, then redirects
// back to the page (post/redirect/get).
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEmailBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	session := s.getOrCreateSession(w, r)
	if session == nil {
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	session.Form.SetEmailText(r.PostFormValue("email_text"))

	// The request is detached so a closed tab does not abort the backend call
	ctx := context.WithoutCancel(r.Context())
	session.Form.Submit(ctx)
	s.sessions.Persist(ctx, session)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleReplySend(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	session := s.getOrCreateSession(w, r)
	if session == nil {
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	result := s.sendReply(r.Context(), session.Form.Snapshot(), strings.TrimSpace(r.PostFormValue("to")))
	if result.Success {
		session.SetFlash("Reply sent.")
	} else {
		session.SetFlash("Reply not sent: " + result.Error.Error())
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) sendReply(ctx context.Context, state assistant.State, to string) email.Result {
	if s.sender == nil {
		return email.Result{Error: fmt.Errorf("reply delivery is not configured")}
	}
	if state.Loading || state.Reply == "" {
		return email.Result{Error: fmt.Errorf("there is no reply to send yet")}
	}
	if err := email.ValidateEmail(to); err != nil {
		return email.Result{Error: err}
	}

	subject, body := emaTemplate.SplitSubject(state.EmailText)
	msg, err := s.replies.Render(s.config.Reply.Template, emaTemplate.ReplyData{
		To:              to,
		OriginalSubject: subject,
		OriginalBody:    body,
		Reply:           state.Reply,
	})
	if err != nil {
		return email.Result{Error: err}
	}

	result := s.sender.Send(ctx, email.Message{
		To:      to,
		From:    s.config.Reply.From,
		Subject: msg.Subject,
		Body:    msg.Body,
	})
	if !result.Success {
		s.logger.Warn("reply delivery failed", zap.String("provider", s.sender.Name()), zap.Error(result.Error))
	}
	return result
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.ledger.Recent(r.Context(), 50)
	if err != nil {
		s.logger.Error("failed to load history", zap.Error(err))
	}
	stats, err := s.ledger.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to load stats", zap.Error(err))
	}

	s.renderWithCSRF(w, r, "history.html", map[string]interface{}{
		"Title":   "History",
		"Records": records,
		"Stats":   stats,
	})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	session := s.getOrCreateSession(w, r)
	var flash string
	if session != nil {
		flash = session.TakeFlash()
	}

	var job map[string]interface{}
	if j := s.jobManager.Get(r.URL.Query().Get("job")); j != nil {
		job = j.ToJSON()
	} else if j := s.jobManager.GetActive(); j != nil {
		job = j.ToJSON()
	}

	s.renderWithCSRF(w, r, "inbox.html", map[string]interface{}{
		"Title":   "Inbox",
		"Enabled": s.config.Inbox.Enabled,
		"Inbox":   s.config.Inbox,
		"Job":     job,
		"Flash":   flash,
		"Modes":   []inbox.Mode{inbox.ModeFetch, inbox.ModeProcess, inbox.ModeDrafts, inbox.ModeUnread},
	})
}

func (s *Server) handleInboxRun(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}
	session := s.getOrCreateSession(w, r)
	flash := func(msg string) {
		if session != nil {
			session.SetFlash(msg)
		}
		http.Redirect(w, r, "/inbox", http.StatusSeeOther)
	}

	if err := s.config.ValidateInbox(); err != nil {
		flash(err.Error())
		return
	}
	mode, err := inbox.ParseMode(r.PostFormValue("mode"))
	if err != nil {
		flash(err.Error())
		return
	}
	if active := s.jobManager.GetActive(); active != nil {
		http.Redirect(w, r, "/inbox?job="+active.ID, http.StatusSeeOther)
		return
	}

	max := s.config.Inbox.MaxResults
	if v := r.PostFormValue("max"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			max = n
		}
	}
	if max < 1 || max > 50 {
		flash("max must be between 1 and 50")
		return
	}

	s.jobManager.Cleanup(jobMaxAge)
	job := s.jobManager.Create(mode)
	go s.runInboxJob(job, mode, max)

	http.Redirect(w, r, "/inbox?job="+job.ID, http.StatusSeeOther)
}

// runInboxJob runs in a background goroutine until the run settles or is cancelled
func (s *Server) runInboxJob(job *Job, mode inbox.Mode, max int) {
	ctx := job.Context()
	log := s.logger.With(zap.String("job_id", job.ID), zap.String("mode", string(mode)))

	mb, disconnect, err := s.openMailbox(ctx)
	if err != nil {
		log.Warn("inbox connection failed", zap.Error(err))
		job.StopWithError(err.Error())
		return
	}
	defer disconnect()

	p := inbox.NewProcessor(mb, s.backend, s.replies, log,
		inbox.WithObservers(s.observers...),
		inbox.WithReplyTemplate(s.config.Reply.Template),
		inbox.WithProcessedLabel(s.config.Inbox.ProcessedLabel),
		inbox.WithAutomated(s.config.Inbox.IncludeAutomated),
	)
	p.OnProgress = job.Update

	if _, err := p.Run(ctx, mode, max); err != nil {
		job.StopWithError(err.Error())
		return
	}
	job.Complete()
}

// handleAPIJobStatus returns the status of a specific job
func (s *Server) handleAPIJobStatus(w http.ResponseWriter, r *http.Request) {
	job := s.jobManager.Get(chi.URLParam(r, "jobID"))
	if job == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job.ToJSON())
}

// handleAPIJobCancel cancels a running job
func (s *Server) handleAPIJobCancel(w http.ResponseWriter, r *http.Request) {
	job := s.jobManager.Get(chi.URLParam(r, "jobID"))
	if job == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	job.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleAPIState returns the caller's session form, or an idle form when
// there is no session
func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	if session := s.getSession(r); session != nil {
		writeJSON(w, http.StatusOK, session.Form.Snapshot())
		return
	}
	writeJSON(w, http.StatusOK, assistant.State{Phase: assistant.PhaseIdle})
}

type submitRequest struct {
	EmailText string `json:"email_text"`
}

// handleAPISubmit submits on the caller's session form when a session cookie
// is present; otherwise it runs a one-off form.
func (s *Server) handleAPISubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEmailBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	ctx := context.WithoutCancel(r.Context())
	session := s.getSession(r)
	form := assistant.NewForm(s.backend,
		assistant.WithSource(assistant.SourceAPI),
		assistant.WithObservers(s.observers...),
	)
	if session != nil {
		form = session.Form
	}

	form.SetEmailText(req.EmailText)
	state, submitted := form.Submit(ctx)
	if session != nil {
		s.sessions.Persist(ctx, session)
	}

	status := http.StatusOK
	if !submitted {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, state)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) render(w http.ResponseWriter, name string, data interface{}) {
	tmpl, ok := s.templates[name]
	if !ok {
		http.Error(w, "Template not found: "+name, http.StatusInternalServerError)
		return
	}
	if err := tmpl.ExecuteTemplate(w, "layout", data); err != nil {
		s.logger.Error("template error", zap.String("template", name), zap.Error(err))
		http.Error(w, "Template error", http.StatusInternalServerError)
	}
}

func (s *Server) renderWithCSRF(w http.ResponseWriter, r *http.Request, name string, data map[string]interface{}) {
	data["CSRFToken"] = csrf.Token(r)
	data["CSRFField"] = csrf.TemplateField(r)
	s.render(w, name, data)
}

func (s *Server) getOrCreateSession(w http.ResponseWriter, r *http.Request) *Session {
	if session := s.getSession(r); session != nil {
		return session
	}

	sessionID, err := s.sessions.Create()
	if err != nil {
		s.logger.Error("failed to create session", zap.Error(err))
		return nil
	}

	// Set session cookie (ID only, no email content)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   s.config.Sessions.TTLMinutes * 60,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})

	return s.sessions.Get(r.Context(), sessionID)
}

func (s *Server) getSession(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || cookie.Value == "" {
		return nil
	}
	return s.sessions.Get(r.Context(), cookie.Value)
}
