package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"telegram": {"token": "t", "welcome_message": "hi {name}"},
		"backend": {"base_url": "https://api.example.com", "secret": "s"},
		"broadcast": {"enabled": true, "page_size": 200}
	}`)

	m := NewManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "t" || cfg.Backend.BaseURL != "https://api.example.com" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !cfg.Broadcast.Enabled || cfg.Broadcast.PageSize != 200 {
		t.Fatalf("broadcast section: %+v", cfg.Broadcast)
	}
}

func TestParseYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
telegram:
  token: t
backend:
  base_url: https://api.example.com
  secret: s
rate_limit:
  classes:
    start:
      max_attempts: 3
      window: 10s
`)

	m := NewManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cl, ok := cfg.RateLimit.Classes["start"]
	if !ok || cl.MaxAttempts != 3 || cl.Window != "10s" {
		t.Fatalf("rate limit class: %+v", cfg.RateLimit.Classes)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "config.json", `{"telegram": {"token": "t", "typo_field": 1}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeFile(t, "config.json", `{"telegram": {"token": "t"}}{"again": true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected an error for trailing data")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("empty config must not validate")
	}
	for _, want := range []string{"telegram.token", "backend.base_url", "backend.secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error should mention %s, got: %v", want, err)
		}
	}

	cfg = &Config{}
	cfg.Telegram.Token = "t"
	cfg.Backend.BaseURL = "u"
	cfg.Backend.Secret = "s"
	cfg.RateLimit.Classes = map[string]RateLimitClass{
		"start": {MaxAttempts: 0, Window: "banana"},
	}
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "max_attempts") {
		t.Fatalf("expected class validation errors, got: %v", err)
	}
}

func TestApplySecretsOverlay(t *testing.T) {
	cfg := &Config{}
	cfg.Telegram.Token = "from-file"
	cfg.Backend.Secret = "file-secret"

	cfg.ApplySecrets(Secrets{BotToken: "from-env", BackendURL: "https://env.example.com"})

	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("env token should win, got %q", cfg.Telegram.Token)
	}
	if cfg.Backend.Secret != "file-secret" {
		t.Fatalf("absent env secret must not clear file value, got %q", cfg.Backend.Secret)
	}
	if cfg.Backend.BaseURL != "https://env.example.com" {
		t.Fatalf("env base url not applied, got %q", cfg.Backend.BaseURL)
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", " 1m30s "); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty should be zero, got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative durations must be rejected")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage must be rejected")
	}

	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default not applied: %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "5s", time.Minute); err != nil || d != 5*time.Second {
		t.Fatalf("explicit value lost: %v, %v", d, err)
	}
}

func TestLoadCommitsSnapshot(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"telegram": {"token": "t"},
		"backend": {"base_url": "u", "secret": "s"}
	}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed snapshot")
	}
}
