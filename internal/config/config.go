// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	GRPCHealthAddr string
	PolicyPath     string
	Provider       ProviderConfig
	ProviderPath   string
	Sandbox        SandboxConfig
	Progress       ProgressConfig
	Transcript     TranscriptConfig
	ChatRateLimit  float64 // messages per second per thread
	ChatRateBurst  int
	TraceStdout    bool
}

// SandboxConfig controls the Docker judge.
type SandboxConfig struct {
	Image      string
	Runtime    string // "" = default (runc), "runsc" = gVisor
	Timeout    time.Duration
	ReapMaxAge time.Duration
}

// ProgressConfig controls the progress bus.
type ProgressConfig struct {
	BufferSize        int
	HeartbeatInterval time.Duration
	Retention         time.Duration
	SSERetryDelay     time.Duration
}

// TranscriptConfig controls NDJSON chat transcript logging.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/forge.db"),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		PolicyPath:     getEnv("POLICY_PATH", ""),
		ProviderPath:   getEnv("PROVIDER_CONFIG_PATH", ""),
		Provider: ProviderConfig{
			Provider: getEnv("LLM_PROVIDER", ProviderOpenAI),
			Model:    getEnv("LLM_MODEL", ""),
			BaseURL:  getEnv("LLM_BASE_URL", ""),
			Timeout:  getEnvDuration("LLM_TIMEOUT", 90*time.Second),
		},
		Sandbox: SandboxConfig{
			Image:      getEnv("SANDBOX_IMAGE", "shsh-forge-judge:latest"),
			Runtime:    getEnv("SANDBOX_RUNTIME", ""),
			Timeout:    getEnvDuration("SANDBOX_TIMEOUT", 20*time.Second),
			ReapMaxAge: getEnvDuration("SANDBOX_REAP_MAX_AGE", 10*time.Minute),
		},
		Progress: ProgressConfig{
			BufferSize:        getEnvInt("PROGRESS_BUFFER_SIZE", 256),
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 10*time.Second),
			Retention:         getEnvDuration("PROGRESS_RETENTION", 15*time.Minute),
			SSERetryDelay:     getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
		},
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_LOG_ENABLED", true),
			Dir:       getEnv("TRANSCRIPT_LOG_DIR", "./data/logs/transcripts"),
			QueueSize: getEnvInt("TRANSCRIPT_LOG_QUEUE_SIZE", 1000),
		},
		ChatRateLimit: getEnvFloat("CHAT_RATE_LIMIT", 1),
		ChatRateBurst: getEnvInt("CHAT_RATE_BURST", 5),
		TraceStdout:   getEnvBool("TRACE_STDOUT", false),
	}
	cfg.Provider.APIKey = cfg.Provider.ResolveAPIKey()

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
	if err := c.Provider.Validate(); err != nil {
		return err
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("SANDBOX_TIMEOUT must be > 0")
	}
	if c.Progress.BufferSize <= 0 {
		return fmt.Errorf("PROGRESS_BUFFER_SIZE must be > 0")
	}
	if c.Progress.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_DIR cannot be empty")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_LOG_QUEUE_SIZE must be > 0")
	}
	if c.ChatRateLimit <= 0 || c.ChatRateBurst <= 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT and CHAT_RATE_BURST must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
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
