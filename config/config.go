// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Defaults for the completion provider, matching the hosted deployment.
const (
	DefaultCompletionBaseURL = "https://api.groq.com/openai/v1"
	DefaultCompletionModel   = "llama-3.3-70b-versatile"
	DefaultUserHeader        = "X-Deepchat-Userid"
)

// Config holds all application configuration.
type Config struct {
	Port   string
	DBPath string

	// CompletionAPIKey may be empty, in which case the server runs with the
	// deterministic predictable model (local development only).
	CompletionAPIKey  string
	CompletionBaseURL string
	CompletionModel   string
	CompletionTimeout time.Duration

	// WebhookSecret verifies account-lifecycle webhooks ("whsec_..." form).
	// Empty disables the webhook endpoint.
	WebhookSecret string

	// UserHeader is the trusted header the fronting auth proxy sets to the
	// authenticated user ID.
	UserHeader string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("DB_PATH", "./data/deepchat.db"),
		CompletionAPIKey:  getEnv("COMPLETION_API_KEY", ""),
		CompletionBaseURL: getEnv("COMPLETION_BASE_URL", DefaultCompletionBaseURL),
		CompletionModel:   getEnv("COMPLETION_MODEL", DefaultCompletionModel),
		CompletionTimeout: getEnvDuration("COMPLETION_TIMEOUT", 60*time.Second),
		WebhookSecret:     getEnv("WEBHOOK_SECRET", ""),
		UserHeader:        getEnv("USER_HEADER", DefaultUserHeader),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.CompletionModel == "" {
		return fmt.Errorf("COMPLETION_MODEL cannot be empty")
	}
	if c.CompletionTimeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be > 0")
	}
	if c.UserHeader == "" {
		return fmt.Errorf("USER_HEADER cannot be empty")
	}
	if c.WebhookSecret != "" && !strings.HasPrefix(c.WebhookSecret, "whsec_") {
		return fmt.Errorf("WEBHOOK_SECRET must start with whsec_")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
