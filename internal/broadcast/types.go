package broadcast

import (
	"context"
	"time"

	"onboardbot/internal/backend"
)

// Backend is the slice of the HTTP client the engine depends on.
type Backend interface {
	BroadcastMessages(ctx context.Context) ([]backend.BroadcastMessage, error)
	BroadcastUsers(ctx context.Context, messageID string, skip, limit int) ([]backend.BroadcastRecipient, error)
	MarkDone(ctx context.Context, messageID string) (bool, error)
	MarkInactive(ctx context.Context, chatID int64, reason string) error
}

type Config struct {
	Enabled bool

	// Spec is the cron expression triggering a pass (default hourly).
	Spec string

	// PageSize is the recipient page size requested from the backend.
	PageSize int

	// SendRatePerSec paces per-recipient sends; 10/s keeps sends ~100ms
	// apart, which is the gateway-throughput backpressure mechanism.
	SendRatePerSec int

	// MaxRetryAfter caps a gateway-provided retry delay so one flooded chat
	// cannot stall a pass indefinitely.
	MaxRetryAfter time.Duration
}

const (
	defaultSpec          = "0 * * * *"
	defaultPageSize      = 500
	defaultRatePerSec    = 10
	defaultMaxRetryAfter = time.Minute
)

func (c Config) withDefaults() Config {
	if c.Spec == "" {
		c.Spec = defaultSpec
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.SendRatePerSec <= 0 {
		c.SendRatePerSec = defaultRatePerSec
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = defaultMaxRetryAfter
	}
	return c
}
