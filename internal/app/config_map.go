package app

import (
	"time"

	"onboardbot/internal/backend"
	"onboardbot/internal/broadcast"
	"onboardbot/internal/config"
	"onboardbot/internal/ratelimit"
	"onboardbot/pkg/logx"
)

func mapBackendConfig(cfg *config.Config) (backend.Config, error) {
	timeout, err := config.ParseDurationOrDefault("backend.request_timeout", cfg.Backend.RequestTimeout, 8*time.Second)
	if err != nil {
		return backend.Config{}, err
	}
	return backend.Config{
		BaseURL:      cfg.Backend.BaseURL,
		Secret:       cfg.Backend.Secret,
		Timeout:      timeout,
		MaxRedirects: cfg.Backend.MaxRedirects,
		RetryMax:     cfg.Backend.RetryMax,
	}, nil
}

// mapLimiter builds a limiter from the built-in classes overlaid with any
// configured overrides.
func mapLimiter(cfg *config.Config, log logx.Logger) (*ratelimit.Limiter, error) {
	classes := ratelimit.DefaultClasses()
	for name, cl := range cfg.RateLimit.Classes {
		window, err := config.ParseDurationField("rate_limit.classes."+name+".window", cl.Window)
		if err != nil {
			return nil, err
		}
		classes[name] = ratelimit.Class{MaxAttempts: cl.MaxAttempts, Window: window}
	}
	sweep, err := config.ParseDurationOrDefault("rate_limit.sweep", cfg.RateLimit.Sweep, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return ratelimit.New(classes, sweep, log), nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	maxRetryAfter, err := config.ParseDurationOrDefault("broadcast.max_retry_after", cfg.Broadcast.MaxRetryAfter, time.Minute)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Enabled:        cfg.Broadcast.Enabled,
		Spec:           cfg.Broadcast.Spec,
		PageSize:       cfg.Broadcast.PageSize,
		SendRatePerSec: cfg.Broadcast.SendRatePerSec,
		MaxRetryAfter:  maxRetryAfter,
	}, nil
}
