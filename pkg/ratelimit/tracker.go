package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request gating.
var (
	cooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_cooldowns_total",
		Help: "Total number of cooldowns started by throttling responses",
	})

	cooldownWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawler_cooldown_wait_seconds",
		Help:    "Time requests spent waiting for an active cooldown",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
	})
)

// Tracker holds the cooldown state and the optional request rate limiter.
// It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	state   CooldownState
	limiter *rate.Limiter
	logger  zerolog.Logger
	now     func() time.Time
}

// NewTracker creates a tracker. requestsPerSecond <= 0 disables the rate cap.
func NewTracker(requestsPerSecond float64, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		logger: logger,
		now:    time.Now,
	}
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return t
}

// GetState returns a snapshot of the cooldown state.
func (t *Tracker) GetState() CooldownState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// UpdateFromResponse starts or extends a cooldown when the response asks the
// client to back off. It returns the cooldown applied, or 0.
func (t *Tracker) UpdateFromResponse(statusCode int, headers http.Header) time.Duration {
	now := t.now()

	var wait time.Duration
	switch statusCode {
	case http.StatusTooManyRequests:
		d, ok := ParseRetryAfter(headers, now)
		if !ok {
			d = DefaultCooldown
		}
		wait = d
	case http.StatusServiceUnavailable:
		d, ok := ParseRetryAfter(headers, now)
		if !ok {
			return 0
		}
		wait = d
	default:
		return 0
	}
	if wait <= 0 {
		return 0
	}

	t.mu.Lock()
	until := now.Add(wait)
	if until.After(t.state.Until) {
		t.state.Until = until
	}
	t.state.LastStatus = statusCode
	t.state.LastUpdate = now
	t.state.Cooldowns++
	t.mu.Unlock()

	cooldownsTotal.Inc()
	t.logger.Warn().
		Int("status", statusCode).
		Dur("cooldown", wait).
		Msg("Remote site requested backoff - pausing requests")

	return wait
}

// Wait blocks until a request may be sent: first any active cooldown, then
// the rate limiter. It returns ctx.Err() if the context ends first.
func (t *Tracker) Wait(ctx context.Context) error {
	remaining := t.GetState().Remaining(t.now())
	if remaining > 0 {
		t.logger.Debug().Dur("wait", remaining).Msg("Waiting for cooldown")
		start := time.Now()
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		cooldownWaitSeconds.Observe(time.Since(start).Seconds())
	}

	if t.limiter != nil {
		return t.limiter.Wait(ctx)
	}
	return ctx.Err()
}
