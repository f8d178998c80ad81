package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Supported completion providers.
const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
	ProviderAnthropic  = "anthropic"
)

// ProviderConfig selects and configures the completion backend.
type ProviderConfig struct {
	Provider  string        `yaml:"provider" json:"provider"`
	Model     string        `yaml:"model" json:"model"`
	BaseURL   string        `yaml:"base_url" json:"base_url,omitempty"`
	APIKey    string        `yaml:"api_key" json:"-"`
	APIKeyEnv string        `yaml:"api_key_env" json:"api_key_env,omitempty"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

var defaultKeyEnv = map[string]string{
	ProviderOpenAI:     "OPENAI_API_KEY",
	ProviderOpenRouter: "OPENROUTER_API_KEY",
	ProviderAnthropic:  "ANTHROPIC_API_KEY",
}

// ResolveAPIKey returns the explicit key, or reads it from APIKeyEnv or the
// provider's conventional environment variable.
func (p ProviderConfig) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	if env, ok := defaultKeyEnv[p.Provider]; ok {
		return os.Getenv(env)
	}
	return ""
}

// Validate checks the provider selection.
func (p ProviderConfig) Validate() error {
	switch p.Provider {
	case ProviderOpenAI, ProviderOpenRouter, ProviderOllama, ProviderAnthropic:
	default:
		return fmt.Errorf("unsupported LLM provider %q", p.Provider)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("LLM timeout must be >= 0")
	}
	return nil
}

// LoadProviderFile reads a YAML provider file.
func LoadProviderFile(path string) (ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProviderConfig{}, fmt.Errorf("read provider file: %w", err)
	}
	var cfg ProviderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ProviderConfig{}, fmt.Errorf("parse provider file: %w", err)
	}
	cfg.APIKey = cfg.ResolveAPIKey()
	if err := cfg.Validate(); err != nil {
		return ProviderConfig{}, err
	}
	return cfg, nil
}

// WatchProviderFile calls apply with the parsed file every time it changes,
// until ctx is done. The parent directory is watched so editors that replace
// the file atomically are handled.
func WatchProviderFile(ctx context.Context, path string, apply func(ProviderConfig) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create provider watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch provider dir: %w", err)
	}

	target := filepath.Clean(path)
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				cfg, err := LoadProviderFile(path)
				if err != nil {
					slog.Warn("Ignoring invalid provider file", "path", path, "error", err)
					continue
				}
				if err := apply(cfg); err != nil {
					slog.Warn("Failed to apply provider file", "path", path, "error", err)
					continue
				}
				slog.Info("Provider reconfigured from file", "provider", cfg.Provider, "model", cfg.Model)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Provider watcher error", "error", err)
			}
		}
	}()
	return nil
}
