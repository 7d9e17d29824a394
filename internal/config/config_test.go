package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CacheTTL != time.Hour {
		t.Fatalf("expected 1h cache TTL default, got %v", cfg.CacheTTL)
	}
	if cfg.EmbeddingProvider != "auto" {
		t.Fatalf("expected auto embedding provider default, got %q", cfg.EmbeddingProvider)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	t.Setenv("RECALL_EMBEDDING_PROVIDER", "cohere")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown embedding provider")
	}
}

func TestValidateRejectsNonPositiveTTL(t *testing.T) {
	t.Setenv("RECALL_CACHE_TTL", "-5m")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative cache TTL")
	}
}

func TestEnvIntFallbackOnGarbage(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7, got %d", v)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "90s")
	if d := envDuration("TEST_DUR", time.Minute); d != 90*time.Second {
		t.Fatalf("expected 90s, got %v", d)
	}
}
