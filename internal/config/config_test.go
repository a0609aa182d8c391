package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if cfg.Pipeline.AutoCreateThreshold != 0.6 {
		t.Fatalf("expected threshold 0.6, got %v", cfg.Pipeline.AutoCreateThreshold)
	}
	if cfg.Pipeline.IssuePenalty != 0.15 || cfg.Pipeline.ConfidenceFloor != 0.1 {
		t.Fatalf("unexpected penalty settings: %+v", cfg.Pipeline)
	}
	if got := cfg.Retry.MaxRetries["api_error"]; got != 3 {
		t.Fatalf("expected api_error budget 3, got %d", got)
	}
	if got := cfg.Feedback.RatingMultipliers["very_poor"]; got != -0.3 {
		t.Fatalf("expected very_poor multiplier -0.3, got %v", got)
	}
	if got := cfg.Feedback.TypeWeights["pricing"]; got != 0.5 {
		t.Fatalf("expected pricing weight 0.5, got %v", got)
	}
	if cfg.Server.Addr() != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr())
	}
}

func TestLoadReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
pipeline:
  auto_create_threshold: 0.75
retry:
  base_delay: 250ms
  max_retries:
    api_error: 5
feedback:
  type_weights:
    pricing: 0.4
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("VOICEJOBS_CONFIG", dir)
	t.Setenv("VOICEJOBS_DATABASE_PATH", filepath.Join(dir, "jobs.db"))
	t.Setenv("LLM_MODEL", "legacy-model")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.AutoCreateThreshold != 0.75 {
		t.Fatalf("file value not applied: %v", cfg.Pipeline.AutoCreateThreshold)
	}
	if cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Fatalf("duration not decoded: %v", cfg.Retry.BaseDelay)
	}
	if cfg.Feedback.TypeWeights["pricing"] != 0.4 {
		t.Fatalf("weight override not applied: %v", cfg.Feedback.TypeWeights["pricing"])
	}
	if cfg.Feedback.TypeWeights["service_type"] != 1.0 {
		t.Fatalf("default weight lost on merge: %v", cfg.Feedback.TypeWeights["service_type"])
	}
	if cfg.Feedback.RatingMultipliers["poor"] != -0.2 {
		t.Fatalf("rating multipliers = %v", cfg.Feedback.RatingMultipliers)
	}
	if cfg.Retry.MaxRetries["api_error"] != 5 || cfg.Retry.MaxRetries["call_dropped"] != 2 {
		t.Fatalf("retry budgets = %v", cfg.Retry.MaxRetries)
	}
	if !strings.HasSuffix(cfg.Database.Path, "jobs.db") {
		t.Fatalf("env override not applied: %q", cfg.Database.Path)
	}
	if cfg.LLM.Model != "legacy-model" {
		t.Fatalf("legacy env not honored: %q", cfg.LLM.Model)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"threshold", func(c *Config) { c.Pipeline.AutoCreateThreshold = 1.5 }, "auto_create_threshold"},
		{"jitter", func(c *Config) { c.Retry.Jitter = 1 }, "retry.jitter"},
		{"weight missing", func(c *Config) { delete(c.Feedback.TypeWeights, "urgency") }, "type_weights.urgency"},
		{"multiplier missing", func(c *Config) { delete(c.Feedback.RatingMultipliers, "fair") }, "rating_multipliers.fair"},
		{"workers", func(c *Config) { c.Pipeline.Workers = 0 }, "workers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
