package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port int
	Host string
	Env  string // "development", "production", or "test"

	// Data directories
	DataDir     string
	SessionsDir string // persisted session directories
	CronDir     string // cron jobs, runs, seen-trigger sets
	CertDir     string // TLS cert + key (generated if absent)

	// Database
	DatabasePath string

	// Subprocess settings
	ClaudeBin  string // binary override; empty means resolve from PATH + common locations
	DefaultCwd string // default working directory for spawned subprocesses

	// Session cleanup
	SessionTTLDays int // archived-session cleanup age in days; 0 disables cleanup

	// Browser auth
	AuthToken string // bearer token for browser endpoints; empty disables auth

	// OpenAI (session naming)
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// Debug settings
	DebugModules string
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton)
func Get() *Config {
	once.Do(func() {
		cfg = load()
	})
	return cfg
}

// load reads configuration from environment variables
func load() *Config {
	dataDir := getEnv("DATA_DIR", "./data")
	defaultCwd := getEnv("DEFAULT_CWD", "")
	if defaultCwd == "" {
		if home, err := os.UserHomeDir(); err == nil {
			defaultCwd = home
		} else {
			defaultCwd = "."
		}
	}

	return &Config{
		// Server
		Port: getEnvInt("PORT", 14141),
		Host: getEnv("HOST", "0.0.0.0"),
		Env:  getEnv("ENV", getEnv("NODE_ENV", "development")),

		// Data
		DataDir:      dataDir,
		SessionsDir:  getEnv("SESSIONS_DIR", filepath.Join(dataDir, "sessions")),
		CronDir:      getEnv("CRON_DIR", filepath.Join(dataDir, "cron")),
		CertDir:      getEnv("CERT_DIR", filepath.Join(dataDir, "certs")),
		DatabasePath: getEnv("DATABASE_PATH", filepath.Join(dataDir, "bridge.sqlite")),

		// Subprocess
		ClaudeBin:  getEnv("CLAUDE_BIN", ""),
		DefaultCwd: defaultCwd,

		// Cleanup
		SessionTTLDays: getEnvInt("SESSION_TTL_DAYS", 0),

		// Auth
		AuthToken: getEnv("AUTH_TOKEN", ""),

		// OpenAI
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		// Debug
		DebugModules: getEnv("DEBUG", ""),
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// IsTest returns true when running in test mode (mandatory TLS disabled)
func (c *Config) IsTest() bool {
	return c.Env == "test"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
