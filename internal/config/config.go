package config

import (
	"context"
	"os"
	"strings"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the user-memory service.
type Config struct {
	// Server
	Host              string
	Port              int
	AllowedOrigins    string // comma-separated; empty disables CORS
	MaxBodySize       int64
	DrainTimeout      int // seconds
	RequestTimeout    time.Duration
	ReadHeaderTimeout time.Duration

	// APIKeys is the comma-separated bearer key list from API_KEY.
	APIKeys string

	// Database
	DBPath string

	// Embedding
	EmbedType       string // "local" or "openai"
	EmbedCacheSize  int
	EmbedCacheTTL   time.Duration
	OpenAIAPIKey    string
	OpenAIModelName string
	OpenAIBaseURL   string

	// Search
	MinSimilarity float64
	// MaxAgeDays bounds search results by record age; 0 disables the filter.
	MaxAgeDays int

	// Screen monitor
	MonitorEnabled  bool
	MonitorUserID   string
	CaptureInterval time.Duration
	IdleTimeout     time.Duration
	DiffThreshold   float64
	TesseractPath   string
	ScreenshotDir   string

	// Retention
	RetentionEnabled       bool
	RetentionMaxDays       int
	RetentionPurgeDays     int
	RetentionCheckInterval time.Duration

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics.
	MetricsLabels string

	// SkillsHome is the home directory used to resolve the per-user skill
	// sandbox. Empty uses the current user's home.
	SkillsHome string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:                   "127.0.0.1",
		Port:                   3001,
		MaxBodySize:            1 << 20, // 1 MiB
		DrainTimeout:           30,
		RequestTimeout:         30 * time.Second,
		ReadHeaderTimeout:      5 * time.Second,
		DBPath:                 "./data/user_memory.db",
		EmbedType:              "local",
		EmbedCacheSize:         1000,
		EmbedCacheTTL:          24 * time.Hour,
		OpenAIModelName:        "text-embedding-3-small",
		OpenAIBaseURL:          "https://api.openai.com/v1",
		MinSimilarity:          0.3,
		MaxAgeDays:             30,
		MonitorEnabled:         false,
		MonitorUserID:          "default_user",
		CaptureInterval:        10 * time.Second,
		IdleTimeout:            5 * time.Minute,
		DiffThreshold:          0.15,
		TesseractPath:          "tesseract",
		RetentionEnabled:       true,
		RetentionMaxDays:       1825,
		RetentionPurgeDays:     365,
		RetentionCheckInterval: 24 * time.Hour,
	}
}

// APIKeySet parses the comma-separated API_KEY value into a lookup set.
func (c *Config) APIKeySet() map[string]bool {
	keys := map[string]bool{}
	for _, k := range strings.Split(c.APIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = true
		}
	}
	return keys
}

// ResolvedSkillsHome returns the configured skills home or the user's home directory.
func (c *Config) ResolvedSkillsHome() string {
	if c != nil {
		if dir := strings.TrimSpace(c.SkillsHome); dir != "" {
			return dir
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// ResolvedScreenshotDir returns the directory screenshots are written to,
// defaulting to a sibling of the database file.
func (c *Config) ResolvedScreenshotDir() string {
	if c != nil {
		if dir := strings.TrimSpace(c.ScreenshotDir); dir != "" {
			return dir
		}
	}
	return "./data/screenshots"
}
