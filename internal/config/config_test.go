package config

import (
	"testing"
	"time"

	"github.com/making-something/articon-dispatch/internal/apperr"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.Port != "8080" || cfg.DBDriver != "sqlite" || cfg.LedgerBackend != "file" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.PollInterval != time.Minute || cfg.TemplateSyncMaxPages != 50 {
		t.Fatalf("unexpected trigger defaults %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("SEND_RATE_PER_SECOND", "2.5")
	t.Setenv("REQUIRED_TEMPLATES", "event_start, event_reminder,,")
	t.Setenv("EVENT_START", "2026-03-14T09:00:00Z")
	t.Setenv("SMTP_PORT", "not-a-number")

	cfg := FromEnv()
	if cfg.PollInterval != 30*time.Second || cfg.SendRatePerSecond != 2.5 {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
	if len(cfg.RequiredTemplates) != 2 || cfg.RequiredTemplates[1] != "event_reminder" {
		t.Fatalf("unexpected template list %v", cfg.RequiredTemplates)
	}
	if !cfg.EventStart.Equal(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected event start %s", cfg.EventStart)
	}
	if cfg.SMTPPort != 587 {
		t.Fatalf("expected invalid int to fall back, got %d", cfg.SMTPPort)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"postgres without url": func(c *Config) { c.DBDriver = "postgres" },
		"unknown ledger":       func(c *Config) { c.LedgerBackend = "s3" },
		"whatsapp without key": func(c *Config) { c.Channel = "whatsapp" },
		"zero burst":           func(c *Config) { c.SendBurst = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := FromEnv()
			mutate(cfg)
			if err := cfg.Validate(); !apperr.IsConfig(err) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}
