package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got %v", err)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "casetrace.yaml")
	content := `
fusion:
  lexical_weight: 2
  semantic_weight: 0.5
query:
  timeout: 250ms
resolution:
  near_miss_max_distance: 2
anomaly:
  window: 5m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if cfg.Fusion.LexicalWeight != 2 || cfg.Fusion.SemanticWeight != 0.5 {
		t.Fatalf("expected fusion weights 2/0.5, got %v/%v", cfg.Fusion.LexicalWeight, cfg.Fusion.SemanticWeight)
	}
	if cfg.Fusion.EntityWeight != 1 {
		t.Fatalf("expected untouched entity weight 1, got %v", cfg.Fusion.EntityWeight)
	}
	if cfg.Query.Timeout != 250*time.Millisecond {
		t.Fatalf("expected 250ms timeout, got %v", cfg.Query.Timeout)
	}
	if cfg.Resolution.NearMissMaxDistance != 2 {
		t.Fatalf("expected near miss distance 2, got %d", cfg.Resolution.NearMissMaxDistance)
	}
	if cfg.Anomaly.Window != 5*time.Minute {
		t.Fatalf("expected 5m window, got %v", cfg.Anomaly.Window)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("CASETRACE_CONFIG", "")
	t.Setenv("CASETRACE_FUSION_SEMANTIC_WEIGHT", "0")
	t.Setenv("CASETRACE_QUERY_TIMEOUT", "2s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if cfg.Fusion.SemanticWeight != 0 {
		t.Fatalf("expected semantic weight 0, got %v", cfg.Fusion.SemanticWeight)
	}
	if cfg.Query.Timeout != 2*time.Second {
		t.Fatalf("expected 2s timeout, got %v", cfg.Query.Timeout)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config, got nil")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "unknown backend",
			mutate: func(c *Config) { c.Store.Backend = "sqlite" },
			want:   "unknown backend",
		},
		{
			name:   "postgres without url",
			mutate: func(c *Config) { c.Store.Backend = "postgres" },
			want:   "database_url",
		},
		{
			name: "all weights zero",
			mutate: func(c *Config) {
				c.Fusion.LexicalWeight = 0
				c.Fusion.SemanticWeight = 0
				c.Fusion.EntityWeight = 0
			},
			want: "at least one fusion weight",
		},
		{
			name:   "bm25 b out of range",
			mutate: func(c *Config) { c.Lexical.B = 1.5 },
			want:   "lexical.b",
		},
		{
			name:   "odd hours inverted",
			mutate: func(c *Config) { c.Anomaly.OddHourStart = 6; c.Anomaly.OddHourEnd = 2 },
			want:   "odd hours",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
