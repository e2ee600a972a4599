// Package delivery holds the pieces shared by the onboarding scheduler and
// the broadcast engine: gateway failure classification and template
// rendering/dispatch.
package delivery

import (
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type Class int

const (
	// Transient failures are logged and skipped; the recipient may be
	// reachable next time.
	Transient Class = iota

	// Permanent failures mean the recipient can never again be reached
	// (blocked, deactivated, chat gone).
	Permanent

	// RateLimited failures carry an optional server retry-after hint.
	RateLimited
)

func (c Class) String() string {
	switch c {
	case Permanent:
		return "permanent"
	case RateLimited:
		return "rate_limited"
	default:
		return "transient"
	}
}

type Result struct {
	Class      Class
	RetryAfter time.Duration // only meaningful for RateLimited, may be 0
}

// permanentPhrases is best-effort text-matching against the gateway's
// free-form error descriptions. Revisit when the gateway's error vocabulary
// changes.
var permanentPhrases = []string{
	"bot was blocked by the user",
	"user is deactivated",
	"chat not found",
	"forbidden: bot was blocked",
}

// Classify maps a gateway send failure to a delivery class.
// Status 403/400 or a known permanent description is Permanent; 429 is
// RateLimited; everything else is Transient.
func Classify(err error) Result {
	if err == nil {
		return Result{Class: Transient}
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return Result{Class: RateLimited, RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}
	var floodp *tele.FloodError
	if errors.As(err, &floodp) && floodp != nil {
		return Result{Class: RateLimited, RetryAfter: time.Duration(floodp.RetryAfter) * time.Second}
	}

	var tgErr *tele.Error
	if errors.As(err, &tgErr) && tgErr != nil {
		switch tgErr.Code {
		case 403, 400:
			return Result{Class: Permanent}
		case 429:
			return Result{Class: RateLimited}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range permanentPhrases {
		if strings.Contains(msg, p) {
			return Result{Class: Permanent}
		}
	}
	if strings.Contains(msg, "too many requests") {
		return Result{Class: RateLimited}
	}
	return Result{Class: Transient}
}
