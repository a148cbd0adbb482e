// Package ratelimit gates outgoing page fetches. It tracks cooldowns
// requested by the remote site (429 / 503 with Retry-After) and optionally
// caps the overall request rate of a process.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Cooldown bounds.
const (
	// DefaultCooldown applies when a 429 carries no usable Retry-After header.
	DefaultCooldown = 5 * time.Second

	// MaxCooldown caps any server supplied Retry-After value.
	MaxCooldown = 2 * time.Minute
)

// CooldownState is the current gate state shared by all workers of a process.
type CooldownState struct {
	// Until is the time before which no request should be sent.
	Until time.Time

	// LastStatus is the status code that started the latest cooldown.
	LastStatus int

	// LastUpdate is when the state last changed.
	LastUpdate time.Time

	// Cooldowns counts cooldowns started in this process.
	Cooldowns int
}

// Active reports whether requests should currently wait.
func (s CooldownState) Active(now time.Time) bool {
	return now.Before(s.Until)
}

// Remaining returns the wait left at now, or 0 when the gate is open.
func (s CooldownState) Remaining(now time.Time) time.Duration {
	if !s.Active(now) {
		return 0
	}
	return s.Until.Sub(now)
}

// ParseRetryAfter reads a Retry-After value in delta-seconds or HTTP-date
// form. It returns false when the header is absent or unparsable.
func ParseRetryAfter(headers http.Header, now time.Time) (time.Duration, bool) {
	value := strings.TrimSpace(headers.Get("Retry-After"))
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return clampCooldown(time.Duration(secs) * time.Second), true
	}

	if at, err := http.ParseTime(value); err == nil {
		return clampCooldown(at.Sub(now)), true
	}

	return 0, false
}

func clampCooldown(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxCooldown {
		return MaxCooldown
	}
	return d
}
