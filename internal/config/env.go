package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Secrets are credentials that usually live outside the config file.
// A .env file is honored when present; real environment variables win.
type Secrets struct {
	BotToken      string `envconfig:"BOT_TOKEN"`
	BackendSecret string `envconfig:"BOT_SECRET"`
	BackendURL    string `envconfig:"API_URL"`
	WebAppURL     string `envconfig:"WEBAPP_URL"`
}

// LoadSecrets reads .env (if any) and the process environment.
func LoadSecrets() (Secrets, error) {
	// Missing .env is fine; env vars alone are a supported setup.
	_ = godotenv.Load()

	var s Secrets
	if err := envconfig.Process("", &s); err != nil {
		return Secrets{}, err
	}
	return s, nil
}

// ApplySecrets overlays non-empty secrets onto the config.
func (c *Config) ApplySecrets(s Secrets) {
	if v := strings.TrimSpace(s.BotToken); v != "" {
		c.Telegram.Token = v
	}
	if v := strings.TrimSpace(s.BackendSecret); v != "" {
		c.Backend.Secret = v
	}
	if v := strings.TrimSpace(s.BackendURL); v != "" {
		c.Backend.BaseURL = v
	}
	if v := strings.TrimSpace(s.WebAppURL); v != "" {
		c.Telegram.WebAppURL = v
	}
}
