package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/shsh-forge/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "ollama")
	t.Setenv("SANDBOX_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("unexpected port %q", cfg.Port)
	}
	if cfg.Sandbox.Timeout != 5*time.Second {
		t.Fatalf("unexpected sandbox timeout %v", cfg.Sandbox.Timeout)
	}
	if !cfg.IsDevelopment() {
		t.Fatal("empty FRONTEND_URL should be development")
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "clippy")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestLoadPolicyOverlay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	data := "max_problems: 5\nbackoff_base: 10ms\ntest_cases:\n  sql: 6\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	pol, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}
	if pol.MaxProblems != 5 {
		t.Fatalf("max_problems = %d, want 5", pol.MaxProblems)
	}
	if pol.BackoffBase != 10*time.Millisecond {
		t.Fatalf("backoff_base = %v", pol.BackoffBase)
	}
	if pol.TestCaseCount(domain.LanguageSQL) != 6 || pol.TestCaseCount(domain.LanguagePython) != 8 {
		t.Fatalf("unexpected test case table %v", pol.TestCases)
	}
}

func TestLoadPolicyRejectsBadBounds(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("min_problems: 4\nmax_problems: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Fatal("expected bounds error")
	}
}

func TestWatchProviderFileAppliesChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "provider.yaml")
	if err := os.WriteFile(path, []byte("provider: ollama\nmodel: a\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan ProviderConfig, 4)
	if err := WatchProviderFile(ctx, path, func(cfg ProviderConfig) error {
		applied <- cfg
		return nil
	}); err != nil {
		t.Fatalf("WatchProviderFile failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("provider: ollama\nmodel: b\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case cfg := <-applied:
			if cfg.Model == "b" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for provider reload")
		}
	}
}
