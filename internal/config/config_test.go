package config_test

import (
	"strings"
	"testing"

	"facet/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Granularity.Max != 3 {
		t.Fatalf("granularity.max = %d", cfg.Granularity.Max)
	}
	if cfg.Tasks.TimeoutMinutes != 5 {
		t.Fatalf("tasks.timeout_minutes = %d", cfg.Tasks.TimeoutMinutes)
	}
	if cfg.Rewards.Threshold != 5 {
		t.Fatalf("rewards.threshold = %d", cfg.Rewards.Threshold)
	}
	if _, ok := cfg.Metrics.Catalog["complexity"]; !ok {
		t.Fatalf("metric catalog missing complexity")
	}
	if _, ok := cfg.Metrics.Catalog["scope"]; !ok {
		t.Fatalf("metric catalog missing scope")
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("parse default template: %v", err)
	}
	if cfg.Scheduler.IntervalSeconds != 10 {
		t.Fatalf("scheduler.interval_seconds = %d", cfg.Scheduler.IntervalSeconds)
	}
	if _, err := config.FromYAML([]byte("granularity: [")); err == nil {
		t.Fatalf("expected yaml parse error")
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		message string
	}{
		{"zero granularity", func(c *config.Config) { c.Granularity.Max = 0 }, "granularity.max"},
		{"zero timeout", func(c *config.Config) { c.Tasks.TimeoutMinutes = 0 }, "timeout_minutes"},
		{"zero interval", func(c *config.Config) { c.Scheduler.IntervalSeconds = 0 }, "interval_seconds"},
		{"zero threshold", func(c *config.Config) { c.Rewards.Threshold = 0 }, "threshold"},
		{"bad script hash", func(c *config.Config) { c.Scripts.Allowed = []string{"not-a-hash"} }, "sha256"},
		{"webhook without url", func(c *config.Config) {
			c.Webhooks = []config.WebhookConfig{{Secret: "s"}}
		}, "url"},
	}
	for _, tc := range cases {
		cfg := config.Default()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.message) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.message)
		}
	}
}
