// Package gateway provides the text completion boundary to language model providers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/shsh-forge/internal/config"
)

// Options tunes a single completion request.
type Options struct {
	Temperature     float32
	MaxOutputTokens int
}

// Completer produces a text completion for a system and user prompt.
// Slow, wrong and malformed output are all normal results.
type Completer interface {
	Complete(ctx context.Context, system, user string, opts Options) (string, error)
}

type backend struct {
	completer Completer
	cfg       config.ProviderConfig
}

// Gateway routes completions to the configured backend. The backend can be
// swapped at runtime with Reconfigure; in-flight calls finish on the old one.
type Gateway struct {
	current atomic.Pointer[backend]
	logger  *slog.Logger
}

// New creates a gateway for cfg.
func New(cfg config.ProviderConfig, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{logger: logger}
	if err := g.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// NewWithCompleter creates a gateway around an existing completer.
func NewWithCompleter(c Completer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{logger: logger}
	g.current.Store(&backend{completer: c, cfg: config.ProviderConfig{Provider: "custom"}})
	return g
}

// Reconfigure builds a backend for cfg and makes it current.
func (g *Gateway) Reconfigure(cfg config.ProviderConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c, err := newBackend(cfg)
	if err != nil {
		return err
	}
	g.current.Store(&backend{completer: c, cfg: cfg})
	g.logger.Info("Completion provider configured", "provider", cfg.Provider, "model", cfg.Model)
	return nil
}

// Provider returns the active provider configuration with the key removed.
func (g *Gateway) Provider() config.ProviderConfig {
	b := g.current.Load()
	if b == nil {
		return config.ProviderConfig{}
	}
	cfg := b.cfg
	cfg.APIKey = ""
	return cfg
}

// Complete sends the prompt to the current backend.
func (g *Gateway) Complete(ctx context.Context, system, user string, opts Options) (string, error) {
	b := g.current.Load()
	if b == nil {
		return "", NewFatalError(errors.New("no completion provider configured"))
	}

	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := b.completer.Complete(ctx, system, user, opts)
	completionDuration.WithLabelValues(b.cfg.Provider).Observe(time.Since(start).Seconds())
	if err != nil {
		completionErrors.WithLabelValues(b.cfg.Provider, errorClass(err)).Inc()
		g.logger.Warn("Completion failed", "provider", b.cfg.Provider, "error", err)
		return "", fmt.Errorf("complete with %s: %w", b.cfg.Provider, err)
	}
	return text, nil
}

func newBackend(cfg config.ProviderConfig) (Completer, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, config.ProviderOpenRouter, config.ProviderOllama:
		return newOpenAIBackend(cfg), nil
	case config.ProviderAnthropic:
		return newAnthropicBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

func errorClass(err error) string {
	switch {
	case IsTransient(err):
		return "transient"
	case IsFatal(err):
		return "fatal"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
