// Package ratelimit implements fixed-window admission control keyed by
// (recipient, action class). Denial is a query result, not an error: callers
// decide whether to ignore the update or reply with the wait time.
package ratelimit

import (
	"math"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"onboardbot/pkg/logx"
)

// Class configures one action class.
type Class struct {
	MaxAttempts int
	Window      time.Duration
}

// Action class names used by the update router.
const (
	ActionStart    = "start"
	ActionCallback = "callback"
	ActionMessage  = "message"
)

// DefaultClasses returns the built-in limits.
func DefaultClasses() map[string]Class {
	return map[string]Class{
		ActionStart:    {MaxAttempts: 3, Window: 10 * time.Second},
		ActionCallback: {MaxAttempts: 5, Window: 2 * time.Second},
		ActionMessage:  {MaxAttempts: 10, Window: 5 * time.Second},
	}
}

const defaultSweep = 30 * time.Second

type Decision struct {
	Allowed   bool
	Remaining int

	// RetryAfter is how long until the window resets; zero when allowed.
	RetryAfter time.Duration
}

// WaitSeconds is RetryAfter rounded up to whole seconds, for user-facing
// replies.
func (d Decision) WaitSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

type window struct {
	count int
	start time.Time
}

// Limiter is safe for concurrent use. Windows inactive for more than twice
// their class window are discarded by the store's background sweep; the sweep
// only bounds memory and is not correctness-critical.
type Limiter struct {
	mu      sync.Mutex
	classes map[string]Class
	windows *gocache.Cache
	now     func() time.Time
	log     logx.Logger
}

func New(classes map[string]Class, sweep time.Duration, log logx.Logger) *Limiter {
	if len(classes) == 0 {
		classes = DefaultClasses()
	}
	if sweep <= 0 {
		sweep = defaultSweep
	}
	return &Limiter{
		classes: classes,
		windows: gocache.New(gocache.NoExpiration, sweep),
		now:     time.Now,
		log:     log,
	}
}

// SetNow overrides the clock. Test hook.
func (l *Limiter) SetNow(now func() time.Time) { l.now = now }

// Check records an attempt and reports whether it is admitted. An attempt
// observed after the window elapsed starts a fresh window; the old count is
// discarded, never partially decayed.
func (l *Limiter) Check(recipientID int64, action string) Decision {
	cl, ok := l.classes[action]
	if !ok || cl.MaxAttempts <= 0 || cl.Window <= 0 {
		// Unconfigured action classes are not limited.
		return Decision{Allowed: true, Remaining: -1}
	}

	key := strconv.FormatInt(recipientID, 10) + ":" + action

	// The read-modify-write below must be atomic; the store's own locking
	// only covers single operations.
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	retention := 2 * cl.Window

	if v, found := l.windows.Get(key); found {
		w := v.(*window)
		elapsed := now.Sub(w.start)
		if elapsed < cl.Window {
			if w.count < cl.MaxAttempts {
				w.count++
				l.windows.Set(key, w, retention)
				return Decision{Allowed: true, Remaining: cl.MaxAttempts - w.count}
			}
			return Decision{Allowed: false, Remaining: 0, RetryAfter: cl.Window - elapsed}
		}
	}

	l.windows.Set(key, &window{count: 1, start: now}, retention)
	return Decision{Allowed: true, Remaining: cl.MaxAttempts - 1}
}
