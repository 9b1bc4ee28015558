// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	BackendURL  string
	FrontendURL string
	DBPath      string
	LogLevel    string
	// HTTPTimeout bounds backend calls; zero means no client-side timeout.
	HTTPTimeout time.Duration
	// SessionRetention is how long an untouched chat session is kept.
	SessionRetention time.Duration
	Followup         FollowupConfig
	History          HistoryConfig
	Analytics        AnalyticsConfig
}

// FollowupConfig bounds follow-up suggestion polling.
type FollowupConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// HistoryConfig sets how many recent messages are sent as context.
type HistoryConfig struct {
	Window         int `yaml:"window"`
	GreetingWindow int `yaml:"greeting_window"`
}

// AnalyticsConfig controls the NDJSON event log.
type AnalyticsConfig struct {
	Enabled   bool
	Path      string
	QueueSize int
}

// fileConfig is the optional YAML overlay.
type fileConfig struct {
	Followup FollowupConfig `yaml:"followup"`
	History  HistoryConfig  `yaml:"history"`
}

// Load reads configuration from environment variables, layered over the
// optional YAML file named by EGOLAB_CONFIG.
func Load() (*Config, error) {
	cfg := &Config{
		Followup: FollowupConfig{
			Endpoint:    "jobs",
			MaxAttempts: 5,
			Timeout:     15 * time.Second,
			BaseDelay:   time.Second,
			MaxDelay:    4 * time.Second,
		},
		History: HistoryConfig{
			Window:         8,
			GreetingWindow: 5,
		},
	}

	if path := getEnv("EGOLAB_CONFIG", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Port = getEnv("PORT", "3000")
	cfg.BackendURL = resolveBackendURL()
	cfg.FrontendURL = getEnv("FRONTEND_URL", "")
	cfg.DBPath = getEnv("DB_PATH", "./data/egolab.db")
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", "info"))
	cfg.HTTPTimeout = getEnvDuration("HTTP_TIMEOUT", 0)
	cfg.SessionRetention = getEnvDuration("SESSION_RETENTION", 30*24*time.Hour)

	cfg.Followup.Endpoint = getEnv("FOLLOWUP_ENDPOINT", cfg.Followup.Endpoint)
	cfg.Followup.MaxAttempts = getEnvInt("FOLLOWUP_MAX_ATTEMPTS", cfg.Followup.MaxAttempts)
	cfg.Followup.Timeout = getEnvDuration("FOLLOWUP_TIMEOUT", cfg.Followup.Timeout)
	cfg.Followup.BaseDelay = getEnvDuration("FOLLOWUP_BASE_DELAY", cfg.Followup.BaseDelay)
	cfg.Followup.MaxDelay = getEnvDuration("FOLLOWUP_MAX_DELAY", cfg.Followup.MaxDelay)
	cfg.History.Window = getEnvInt("HISTORY_WINDOW", cfg.History.Window)
	cfg.History.GreetingWindow = getEnvInt("GREETING_HISTORY_WINDOW", cfg.History.GreetingWindow)

	cfg.Analytics = AnalyticsConfig{
		Enabled:   getEnvBool("ANALYTICS_ENABLED", true),
		Path:      getEnv("ANALYTICS_PATH", "./data/analytics/events.ndjson"),
		QueueSize: getEnvInt("ANALYTICS_QUEUE_SIZE", 1000),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if fc.Followup.Endpoint != "" {
		c.Followup.Endpoint = fc.Followup.Endpoint
	}
	if fc.Followup.MaxAttempts != 0 {
		c.Followup.MaxAttempts = fc.Followup.MaxAttempts
	}
	if fc.Followup.Timeout != 0 {
		c.Followup.Timeout = fc.Followup.Timeout
	}
	if fc.Followup.BaseDelay != 0 {
		c.Followup.BaseDelay = fc.Followup.BaseDelay
	}
	if fc.Followup.MaxDelay != 0 {
		c.Followup.MaxDelay = fc.Followup.MaxDelay
	}
	if fc.History.Window != 0 {
		c.History.Window = fc.History.Window
	}
	if fc.History.GreetingWindow != 0 {
		c.History.GreetingWindow = fc.History.GreetingWindow
	}
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required.Error("PORT cannot be empty")),
		validation.Field(&c.BackendURL, validation.Required, validation.By(isHTTPURL)),
		validation.Field(&c.DBPath, validation.Required.Error("DB_PATH cannot be empty")),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.HTTPTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.SessionRetention, validation.Min(time.Hour)),
	)
	if err != nil {
		return err
	}

	f := &c.Followup
	if err := validation.ValidateStruct(f,
		validation.Field(&f.Endpoint, validation.In("jobs", "requests")),
		validation.Field(&f.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&f.Timeout, validation.Required),
		validation.Field(&f.BaseDelay, validation.Required),
		validation.Field(&f.MaxDelay, validation.Required, validation.Min(f.BaseDelay)),
	); err != nil {
		return fmt.Errorf("followup: %w", err)
	}

	h := &c.History
	if err := validation.ValidateStruct(h,
		validation.Field(&h.Window, validation.Required, validation.Min(1)),
		validation.Field(&h.GreetingWindow, validation.Required, validation.Min(1)),
	); err != nil {
		return fmt.Errorf("history: %w", err)
	}

	if c.Analytics.Enabled {
		a := &c.Analytics
		if err := validation.ValidateStruct(a,
			validation.Field(&a.Path, validation.Required.Error("ANALYTICS_PATH cannot be empty")),
			validation.Field(&a.QueueSize, validation.Required, validation.Min(1)),
		); err != nil {
			return fmt.Errorf("analytics: %w", err)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// resolveBackendURL picks the first configured backend address. Railway
// private hosts are given BACKEND_PORT when they carry no port.
func resolveBackendURL() string {
	raw := firstEnv("BACKEND_INTERNAL_URL", "BACKEND_URL", "VITE_API_BASE_URL")
	if raw == "" {
		return "http://localhost:3000"
	}
	raw = strings.TrimRight(raw, "/")

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if strings.HasSuffix(u.Hostname(), ".railway.internal") && u.Port() == "" {
		u.Host = u.Hostname() + ":" + getEnv("BACKEND_PORT", "3000")
		return u.String()
	}
	return raw
}

func isHTTPURL(value interface{}) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an http(s) URL")
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("15s") or plain milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
