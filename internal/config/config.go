package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBackendURL = "http://127.0.0.1:8000"
	defaultPort       = 8080
	defaultSessionTTL = 30
	defaultTokenTTL   = 24
	defaultMaxResults = 5
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	History  HistoryConfig  `yaml:"history"`
	Sessions SessionsConfig `yaml:"sessions"`
	Events   EventsConfig   `yaml:"events,omitempty"`
	Inbox    InboxConfig    `yaml:"inbox,omitempty"`
	Reply    ReplyConfig    `yaml:"reply,omitempty"`
}

// BackendConfig points at the service that classifies emails and writes replies
type BackendConfig struct {
	URL        string `yaml:"url"`         // e.g., "http://127.0.0.1:8000"
	TimeoutSec int    `yaml:"timeout_sec"` // 0 means no timeout
}

type ServerConfig struct {
	Port          int    `yaml:"port"`
	APISecret     string `yaml:"api_secret,omitempty"` // HS256 secret; empty leaves /api open
	TokenTTLHours int    `yaml:"token_ttl_hours"`
}

type LogConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// HistoryConfig selects where settled submissions are recorded
type HistoryConfig struct {
	Driver string `yaml:"driver"` // "sqlite", "postgres" or "none"
	Path   string `yaml:"path"`   // sqlite file
	DSN    string `yaml:"dsn"`    // postgres connection string
}

type SessionsConfig struct {
	TTLMinutes int         `yaml:"ttl_minutes"`
	Redis      RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig enables session snapshots that survive a restart
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EventsConfig enables publishing submission events to RabbitMQ
type EventsConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// InboxConfig holds IMAP settings for batch processing a mailbox
type InboxConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Provider         string `yaml:"provider"`        // "gmail", "outlook", "imap"
	Server           string `yaml:"server"`          // e.g., "imap.gmail.com"
	Port             int    `yaml:"port"`            // e.g., 993
	Email            string `yaml:"email"`           // Mailbox address
	Password         string `yaml:"password"`        // App password (not main password)
	Folder           string `yaml:"folder"`          // default: "INBOX"
	ProcessedLabel   string `yaml:"processed_label"` // default: "AI-Processed"
	DraftsFolder     string `yaml:"drafts_folder"`   // default: "Drafts"
	MaxResults       int    `yaml:"max_results"`
	IncludeAutomated bool   `yaml:"include_automated"` // also submit bounces and no-reply mail
}

// ReplyConfig controls how generated replies are delivered
type ReplyConfig struct {
	Provider       string     `yaml:"provider"` // "smtp", "resend" or "sendgrid"
	From           string     `yaml:"from"`
	Template       string     `yaml:"template"` // "plain" or "quoted"
	SMTP           SMTPConfig `yaml:"smtp,omitempty"`
	ResendAPIKey   string     `yaml:"resend_api_key,omitempty"`
	SendGridAPIKey string     `yaml:"sendgrid_api_key,omitempty"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// DefaultDataDir is where the config file and local history live
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".emailassist"
	}
	return filepath.Join(home, ".emailassist")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Default returns a config that talks to a backend on localhost
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	OverrideFromEnv(&cfg)
	return &cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not exist
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		OverrideFromEnv(cfg)
		return cfg, nil
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.Backend.URL == "" {
		c.Backend.URL = DefaultBackendURL
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.TokenTTLHours == 0 {
		c.Server.TokenTTLHours = defaultTokenTTL
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.History.Driver == "" {
		c.History.Driver = "sqlite"
	}
	if c.History.Path == "" {
		c.History.Path = filepath.Join(DefaultDataDir(), "history.db")
	}

	if c.Sessions.TTLMinutes == 0 {
		c.Sessions.TTLMinutes = defaultSessionTTL
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "emailassist"
	}

	// Inbox defaults
	if c.Inbox.Folder == "" {
		c.Inbox.Folder = "INBOX"
	}
	if c.Inbox.ProcessedLabel == "" {
		c.Inbox.ProcessedLabel = "AI-Processed"
	}
	if c.Inbox.MaxResults == 0 {
		c.Inbox.MaxResults = defaultMaxResults
	}
	if c.Inbox.Provider == "gmail" {
		if c.Inbox.Server == "" {
			c.Inbox.Server = "imap.gmail.com"
			c.Inbox.Port = 993
		}
		if c.Inbox.DraftsFolder == "" {
			c.Inbox.DraftsFolder = "[Gmail]/Drafts"
		}
	}
	if c.Inbox.Provider == "outlook" && c.Inbox.Server == "" {
		c.Inbox.Server = "outlook.office365.com"
		c.Inbox.Port = 993
	}
	if c.Inbox.DraftsFolder == "" {
		c.Inbox.DraftsFolder = "Drafts"
	}

	if c.Reply.Provider == "" {
		c.Reply.Provider = "smtp"
	}
	if c.Reply.Template == "" {
		c.Reply.Template = "quoted"
	}
}

// OverrideFromEnv applies environment overrides; they win over the file
func OverrideFromEnv(cfg *Config) {
	if v := os.Getenv("EMAILASSIST_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("EMAILASSIST_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("EMAILASSIST_API_SECRET"); v != "" {
		cfg.Server.APISecret = v
	}
	if v := os.Getenv("EMAILASSIST_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("EMAILASSIST_HISTORY_DSN"); v != "" {
		cfg.History.Driver = "postgres"
		cfg.History.DSN = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Sessions.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Sessions.Redis.Password = v
	}
	if v := os.Getenv("MQ_URL"); v != "" {
		cfg.Events.URL = v
	}

	if v := os.Getenv("IMAP_PASSWORD"); v != "" {
		cfg.Inbox.Password = v
	}
	if v := os.Getenv("RESEND_API_KEY"); v != "" {
		cfg.Reply.ResendAPIKey = v
	}
	if v := os.Getenv("SENDGRID_API_KEY"); v != "" {
		cfg.Reply.SendGridAPIKey = v
	}
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("backend: invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend: url must use http or https, got %q", c.Backend.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("backend: url %q has no host", c.Backend.URL)
	}
	if c.Backend.TimeoutSec < 0 {
		return fmt.Errorf("backend: timeout_sec must not be negative")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port %d out of range", c.Server.Port)
	}

	switch c.History.Driver {
	case "sqlite", "none":
	case "postgres":
		if c.History.DSN == "" {
			return fmt.Errorf("history: dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("history: unknown driver %q", c.History.Driver)
	}

	return nil
}

// ValidateInbox validates inbox configuration (only called when inbox commands are used)
func (c *Config) ValidateInbox() error {
	if !c.Inbox.Enabled {
		return fmt.Errorf("inbox: processing is not enabled in config")
	}
	if c.Inbox.Email == "" {
		return fmt.Errorf("inbox: email address is required")
	}
	if c.Inbox.Password == "" {
		return fmt.Errorf("inbox: password (app password) is required")
	}
	if c.Inbox.Server == "" {
		return fmt.Errorf("inbox: IMAP server is required")
	}
	if c.Inbox.Port == 0 {
		return fmt.Errorf("inbox: IMAP port is required")
	}
	return nil
}

// ValidateReply validates reply delivery settings (only called before sending)
func (c *Config) ValidateReply() error {
	if c.Reply.From == "" {
		return fmt.Errorf("reply: from address is required")
	}
	switch c.Reply.Provider {
	case "smtp":
		if c.Reply.SMTP.Host == "" {
			return fmt.Errorf("reply.smtp: host is required")
		}
		if c.Reply.SMTP.Port == 0 {
			return fmt.Errorf("reply.smtp: port is required")
		}
	case "resend":
		if c.Reply.ResendAPIKey == "" {
			return fmt.Errorf("reply: resend_api_key is required")
		}
	case "sendgrid":
		if c.Reply.SendGridAPIKey == "" {
			return fmt.Errorf("reply: sendgrid_api_key is required")
		}
	default:
		return fmt.Errorf("reply: unknown provider %q", c.Reply.Provider)
	}
	return nil
}
