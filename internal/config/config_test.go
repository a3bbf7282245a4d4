package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"mizan-engine/internal/config"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("PORT", "9090")
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("MAX_HOPS", "3")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Environment != "test" {
		t.Errorf("Expected environment 'test', got %s", cfg.Environment)
	}

	if cfg.HTTP.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.HTTP.Port)
	}

	if cfg.Gemini.APIKey != "test-key" {
		t.Errorf("Expected Gemini API key 'test-key', got %s", cfg.Gemini.APIKey)
	}

	if cfg.Engine.MaxHops != 3 {
		t.Errorf("Expected 3 max hops, got %d", cfg.Engine.MaxHops)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("PORT", "")
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Environment != "development" {
		t.Errorf("Expected default environment 'development', got %s", cfg.Environment)
	}

	if cfg.HTTP.ReadTimeout != 30*time.Second {
		t.Errorf("Expected default read timeout 30s, got %v", cfg.HTTP.ReadTimeout)
	}

	if cfg.Cache.EmbeddingTTL != 7*24*time.Hour {
		t.Errorf("Expected embedding TTL of 7 days, got %v", cfg.Cache.EmbeddingTTL)
	}

	if cfg.Cache.RetrievalTTL != 6*time.Hour {
		t.Errorf("Expected retrieval TTL of 6 hours, got %v", cfg.Cache.RetrievalTTL)
	}

	if cfg.Cache.PolicyCheckTTL != time.Hour {
		t.Errorf("Expected policy check TTL of 1 hour, got %v", cfg.Cache.PolicyCheckTTL)
	}

	if cfg.Engine.MaxHops != 5 || cfg.Engine.ToolRetries != 2 {
		t.Errorf("Expected 5 hops and 2 retries, got %d and %d", cfg.Engine.MaxHops, cfg.Engine.ToolRetries)
	}
}

func TestValidateConfigMissingAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("MODEL_PROVIDER", "gemini")

	if _, err := config.Load(); err == nil {
		t.Error("Expected error for missing Gemini API key")
	}
}

func TestLoadConfigInvalidNumber(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("MAX_HOPS", "five")

	if _, err := config.Load(); err == nil {
		t.Error("Expected error for malformed MAX_HOPS")
	}
}

func TestDefaultRoutingTable(t *testing.T) {
	table, err := config.LoadRoutingTable("")
	if err != nil {
		t.Fatalf("Failed to load routing table: %v", err)
	}

	if table.Fallback.Path != "direct_qa" || table.Fallback.Tier != "economy" {
		t.Errorf("Expected cheapest direct-answer fallback, got %+v", table.Fallback)
	}

	if table.Routes["unclear"].Path != "direct_qa" {
		t.Errorf("Expected unclear to route to direct_qa, got %s", table.Routes["unclear"].Path)
	}

	if deps := table.Dependencies["narrator_chain"]; len(deps) != 1 || deps[0] != "reference_lookup" {
		t.Errorf("Expected narrator_chain to depend on reference_lookup, got %v", deps)
	}
}

func TestParseRoutingTableRequiresFallback(t *testing.T) {
	_, err := config.ParseRoutingTable([]byte("routes:\n  greeting:\n    path: greeting\n"))
	if err == nil {
		t.Error("Expected error for routing table without fallback")
	}
}

func TestParseRoutingTableRejectsCostlyFallback(t *testing.T) {
	tests := []struct {
		name     string
		fallback string
	}{
		{"premium tier", "fallback:\n  path: direct_qa\n  tier: premium\n"},
		{"research path", "fallback:\n  path: multi_hop\n  tier: economy\n"},
		{"missing tier", "fallback:\n  path: direct_qa\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := config.ParseRoutingTable([]byte(tt.fallback)); err == nil {
				t.Errorf("Expected error for fallback %q", tt.fallback)
			}
		})
	}

	if _, err := config.ParseRoutingTable([]byte("fallback:\n  path: direct_qa\n  tier: economy\n")); err != nil {
		t.Errorf("Expected cheapest fallback to be accepted, got %v", err)
	}
}

func TestLoadAuthorityRegistryDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authorities.yaml")
	data := []byte(`authorities:
  - id: local
    kind: api
    endpoint: http://localhost:9999/search
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	registry, err := config.LoadAuthorityRegistry(path)
	if err != nil {
		t.Fatalf("Failed to load registry: %v", err)
	}

	authority, ok := registry.Get("")
	if !ok {
		t.Fatal("Expected the first authority to become the default")
	}

	if authority.CacheTTL != 24*time.Hour {
		t.Errorf("Expected default cache TTL of 24h, got %v", authority.CacheTTL)
	}

	if authority.RateLimit != 1 || authority.Burst != 1 {
		t.Errorf("Expected default rate limit 1/1, got %v/%d", authority.RateLimit, authority.Burst)
	}
}

func TestLoadAuthorityRegistryRejectsUnknownKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authorities.yaml")
	data := []byte("authorities:\n  - id: x\n    kind: rss\n    endpoint: http://x\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := config.LoadAuthorityRegistry(path); err == nil {
		t.Error("Expected error for unknown authority kind")
	}
}

func TestDefaultNarratorDirectory(t *testing.T) {
	directory, err := config.LoadNarratorDirectory("")
	if err != nil {
		t.Fatalf("Failed to load narrators: %v", err)
	}

	if len(directory.Narrators) == 0 {
		t.Fatal("Expected seeded narrators")
	}

	for _, narrator := range directory.Narrators {
		if narrator.Reliability < 0 || narrator.Reliability > 1 {
			t.Errorf("Narrator %s has reliability outside [0,1]: %v", narrator.ID, narrator.Reliability)
		}
	}
}
