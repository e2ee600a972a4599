// Package template caches the backend's onboarding template list for a
// bounded TTL and exposes the two views the delivery flows need: the
// delay-ordered sequence and on-demand lookup by command.
package template

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"onboardbot/internal/backend"
	"onboardbot/pkg/logx"
)

// Backend is the slice of the HTTP client the cache depends on.
type Backend interface {
	OnboardList(ctx context.Context) ([]backend.MessageTemplate, error)
	OnboardByCommand(ctx context.Context, command string) ([]backend.MessageTemplate, error)
}

const DefaultTTL = time.Minute

type Cache struct {
	mu sync.Mutex

	backend Backend
	log     logx.Logger
	ttl     time.Duration
	now     func() time.Time

	// snapshot state; replaced atomically under mu, never partially updated
	delayed     []backend.MessageTemplate
	byCommand   map[string][]backend.MessageTemplate
	lastFetch   time.Time
	hasSnapshot bool
}

func New(b Backend, ttl time.Duration, log logx.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		backend: b,
		log:     log,
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (c *Cache) SetNow(now func() time.Time) { c.now = now }

// DelayTemplates returns the delay-ordered onboarding view, refetching when
// the snapshot is older than the TTL. A failed refetch serves stale data when
// a snapshot exists and an empty list otherwise; it never fails the caller.
func (c *Cache) DelayTemplates(ctx context.Context) []backend.MessageTemplate {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasSnapshot && c.now().Sub(c.lastFetch) < c.ttl {
		return copyTemplates(c.delayed)
	}

	list, err := c.backend.OnboardList(ctx)
	if err != nil {
		if c.hasSnapshot {
			c.log.Warn("template refresh failed, serving stale snapshot", logx.Err(err))
			return copyTemplates(c.delayed)
		}
		c.log.Warn("template fetch failed, no snapshot yet", logx.Err(err))
		return nil
	}

	delayed, byCommand := partition(list)
	c.delayed = delayed
	c.byCommand = byCommand
	c.lastFetch = c.now()
	c.hasSnapshot = true
	return copyTemplates(c.delayed)
}

// ByCommand looks up on-demand templates for a command. It always asks the
// backend first so edits show up quickly; the snapshot's command index is the
// fallback when the backend is unreachable. Returns an empty list rather than
// an error in every failure mode.
func (c *Cache) ByCommand(ctx context.Context, command string) []backend.MessageTemplate {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil
	}

	list, err := c.backend.OnboardByCommand(ctx, command)
	if err == nil {
		return list
	}
	c.log.Warn("command template fetch failed", logx.String("command", command), logx.Err(err))

	c.mu.Lock()
	defer c.mu.Unlock()
	return copyTemplates(c.byCommand[command])
}

// partition splits a fetched list: command-bearing entries are indexed by
// command; entries with a numeric delay and no command become the
// delay-ordered view, sorted by Order ascending, ties in input order.
func partition(list []backend.MessageTemplate) ([]backend.MessageTemplate, map[string][]backend.MessageTemplate) {
	var delayed []backend.MessageTemplate
	byCommand := make(map[string][]backend.MessageTemplate)
	for _, t := range list {
		if cmd := strings.TrimSpace(t.Command); cmd != "" {
			byCommand[cmd] = append(byCommand[cmd], t)
			continue
		}
		if t.DelayMinutes != nil {
			delayed = append(delayed, t)
		}
	}
	sort.SliceStable(delayed, func(i, j int) bool { return delayed[i].Order < delayed[j].Order })
	return delayed, byCommand
}

func copyTemplates(in []backend.MessageTemplate) []backend.MessageTemplate {
	if len(in) == 0 {
		return nil
	}
	out := make([]backend.MessageTemplate, len(in))
	copy(out, in)
	return out
}
