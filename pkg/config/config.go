// Package config loads environment-derived settings for the fathom server.
//
// All settings come from the process environment (optionally seeded from a
// .env file by main). DATABASE_URL is the only hard requirement; the service
// starts without LLM or search credentials, degrading those collaborators.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

const (
	// DefaultPort is the HTTP listen port when PORT is unset.
	DefaultPort = 3001

	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultTavilyBaseURL = "https://api.tavily.com"
	defaultModelEconomy  = "gpt-4o-mini"
	defaultModelDeep     = "gpt-4o"
)

// Config is the umbrella configuration object returned by Load and used
// throughout the application.
type Config struct {
	// Port is the HTTP listen port.
	Port int
	// DatabaseURL is the Postgres DSN. Required.
	DatabaseURL string

	// OpenAIAPIKey authenticates LLM calls. Startup proceeds without it,
	// but every LLM call will fail.
	OpenAIAPIKey string
	// OpenAIBaseURL points at an OpenAI-compatible chat completions API.
	OpenAIBaseURL string
	// ModelEconomy serves quick and standard mode.
	ModelEconomy string
	// ModelDeep serves deep mode.
	ModelDeep string

	// TavilyAPIKey authenticates search calls. Absent → search always
	// returns empty results.
	TavilyAPIKey string
	// TavilyBaseURL points at a Tavily-compatible search API.
	TavilyBaseURL string

	// Env is the deployment environment: "development" or "production".
	Env string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	port := DefaultPort
	if raw := os.Getenv("PORT"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", raw)
		}
		port = p
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	dsn, err := normalizeDatabaseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}

	return &Config{
		Port:          port,
		DatabaseURL:   dsn,
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", defaultOpenAIBaseURL),
		ModelEconomy:  getEnv("OPENAI_MODEL_ECONOMY", defaultModelEconomy),
		ModelDeep:     getEnv("OPENAI_MODEL_DEEP", defaultModelDeep),
		TavilyAPIKey:  os.Getenv("TAVILY_API_KEY"),
		TavilyBaseURL: getEnv("TAVILY_BASE_URL", defaultTavilyBaseURL),
		Env:           getEnv("APP_ENV", "development"),
	}, nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// IsProduction reports whether the service runs in production. Production
// suppresses stack traces in logs and enables gin release mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// managedHostSuffixes identifies hosted-Postgres providers that require TLS.
var managedHostSuffixes = []string{
	".neon.tech",
	".supabase.co",
	".supabase.com",
	".rds.amazonaws.com",
}

// normalizeDatabaseURL appends sslmode=require for managed-database hosts
// when the DSN does not already pin an sslmode.
func normalizeDatabaseURL(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	q := u.Query()
	if q.Get("sslmode") != "" {
		return dsn, nil
	}
	host := u.Hostname()
	for _, suffix := range managedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			q.Set("sslmode", "require")
			u.RawQuery = q.Encode()
			return u.String(), nil
		}
	}
	return dsn, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
