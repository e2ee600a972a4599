package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Backend  BackendConfig  `json:"backend"`
	Logging  LoggingConfig  `json:"logging"`

	// RateLimit guards recipient-triggered flows (/start, callbacks, plain
	// messages) before they reach the template cache or scheduler.
	RateLimit RateLimitConfig `json:"rate_limit"`

	Onboarding OnboardingConfig `json:"onboarding"`
	Broadcast  BroadcastConfig  `json:"broadcast"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via BOT_TOKEN instead.
	Token string `json:"token,omitempty"`

	// WebAppURL is the webapp opened by the welcome-message button.
	WebAppURL string `json:"webapp_url,omitempty"`

	// WelcomeMessage supports a {name} placeholder.
	WelcomeMessage string `json:"welcome_message,omitempty"`

	// PollTimeout is a Go duration string (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type BackendConfig struct {
	// BaseURL may be left empty in the file and supplied via API_URL instead.
	BaseURL string `json:"base_url,omitempty"`

	// Secret is the shared HMAC secret; may be supplied via BOT_SECRET.
	Secret string `json:"secret,omitempty"`

	// RequestTimeout is a Go duration string (default "8s").
	RequestTimeout string `json:"request_timeout,omitempty"`

	MaxRedirects int `json:"max_redirects,omitempty"` // default 3
	RetryMax     int `json:"retry_max,omitempty"`     // transient transport retries, default 2
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// RateLimitClass configures one action class of the fixed-window limiter.
type RateLimitClass struct {
	MaxAttempts int `json:"max_attempts"`

	// Window is a Go duration string (e.g. "10s").
	Window string `json:"window"`
}

type RateLimitConfig struct {
	// Sweep is how often inactive windows are discarded (default "30s").
	// Retention is always twice the class window; this only bounds memory.
	Sweep string `json:"sweep,omitempty"`

	// Classes overrides the built-in defaults:
	//   start: 3/10s, callback: 5/2s, message: 10/5s
	Classes map[string]RateLimitClass `json:"classes,omitempty"`
}

type OnboardingConfig struct {
	// CacheTTL bounds how long the fetched template list is reused (default "1m").
	CacheTTL string `json:"cache_ttl,omitempty"`

	// DedupScheduling suppresses re-scheduling the onboarding sequence for a
	// recipient that already has one in flight this process. Off by default:
	// retriggering re-schedules the full set and may duplicate deliveries.
	DedupScheduling bool `json:"dedup_scheduling,omitempty"`
}

type BroadcastConfig struct {
	Enabled bool `json:"enabled"`

	// Spec is a cron expression; default "0 * * * *" (hourly).
	Spec string `json:"spec,omitempty"`

	PageSize int `json:"page_size,omitempty"` // default 500

	// SendRatePerSec paces per-recipient sends (default 10 ≈ 100ms apart).
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`

	// MaxRetryAfter caps a gateway-provided retry delay (default "60s").
	MaxRetryAfter string `json:"max_retry_after,omitempty"`
}

// Validate checks fields that have no workable default. Call it after the
// environment overlay so env-supplied secrets count.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required (or BOT_TOKEN)"))
	}
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		errs = append(errs, errors.New("backend.base_url is required (or API_URL)"))
	}
	if strings.TrimSpace(c.Backend.Secret) == "" {
		errs = append(errs, errors.New("backend.secret is required (or BOT_SECRET)"))
	}
	for name, cl := range c.RateLimit.Classes {
		if cl.MaxAttempts <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.classes.%s: max_attempts must be > 0", name))
		}
		if _, err := ParseDurationField("rate_limit.classes."+name+".window", cl.Window); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
