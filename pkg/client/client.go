// Package client fetches directory pages over HTTP with retries, cooldown
// handling and an optional Redis page cache.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/course-crawler/pkg/cache"
	"github.com/Sternrassler/course-crawler/pkg/logging"
	"github.com/Sternrassler/course-crawler/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for fetch operations.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_fetch_requests_total",
		Help: "Total page fetch attempts by status",
	}, []string{"status"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawler_fetch_duration_seconds",
		Help:    "Duration of a page fetch including retries",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_fetch_errors_total",
		Help: "Total failed fetch attempts by class",
	}, []string{"class"})
)

// MaxBodyBytes caps the size of a fetched page.
const MaxBodyBytes = 10 << 20

// DefaultUserAgent is a desktop browser identity; the directory serves
// reduced markup to unknown agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Client fetches pages. It is safe for concurrent use and shares one
// connection pool, one cooldown gate and one cache across all callers.
type Client struct {
	httpClient *http.Client
	headers    http.Header
	gate       *ratelimit.Tracker
	cache      *cache.Manager
	retry      RetryConfig
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// UserAgent sent with every request.
	UserAgent string

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// MaxRetries is the number of attempts per fetch, including the first.
	MaxRetries int

	// InitialBackoff and MaxBackoff bound the wait between attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// PoolSize is the number of idle connections kept per host.
	PoolSize int

	// RequestsPerSecond caps the request rate of this client; 0 disables it.
	RequestsPerSecond float64

	// Redis enables the page cache when non-nil.
	Redis *redis.Client

	// CacheTTL applies to pages served without an Expires header.
	CacheTTL time.Duration
}

// DefaultConfig returns the configuration used by the crawler.
func DefaultConfig() Config {
	return Config{
		UserAgent:      DefaultUserAgent,
		Timeout:        15 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		PoolSize:       20,
		CacheTTL:       cache.DefaultTTL,
	}
}

// DefaultHeaders returns the browser-like headers sent with every request.
func DefaultHeaders(userAgent string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.5")
	h.Set("Upgrade-Insecure-Requests", "1")
	return h
}

// New creates a client. Zero values in cfg fall back to DefaultConfig.
func New(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = def.CacheTTL
	}

	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must be positive (got %v)", cfg.Timeout)
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("max_retries must be >= 1 (got %d)", cfg.MaxRetries)
	}
	if cfg.PoolSize < 1 {
		return nil, fmt.Errorf("pool_size must be >= 1 (got %d)", cfg.PoolSize)
	}
	if cfg.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("requests_per_second must be >= 0 (got %v)", cfg.RequestsPerSecond)
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		return nil, fmt.Errorf("max_backoff (%v) must not be below initial_backoff (%v)", cfg.MaxBackoff, cfg.InitialBackoff)
	}

	logger := logging.NewLogger(logging.ComponentFetchClient)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = cfg.PoolSize
	transport.MaxIdleConnsPerHost = cfg.PoolSize

	c := &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		headers: DefaultHeaders(cfg.UserAgent),
		gate:    ratelimit.NewTracker(cfg.RequestsPerSecond, logger),
		retry:   retryConfigFor(cfg),
		config:  cfg,
		logger:  logger,
	}
	if cfg.Redis != nil {
		c.cache = cache.NewManager(cfg.Redis, cfg.CacheTTL)
	}

	return c, nil
}

// Fetch retrieves the body of rawURL. Malformed URLs and 4xx responses other
// than 429 fail without retry; 429, 5xx and network errors are retried. All
// failures are returned as *FetchError.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	startTime := time.Now()
	defer func() {
		fetchDuration.Observe(time.Since(startTime).Seconds())
	}()

	target, err := parseTarget(rawURL)
	if err != nil {
		fetchErrorsTotal.WithLabelValues(string(ErrorClassClient)).Inc()
		return nil, &FetchError{URL: rawURL, Class: ErrorClassClient, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{URL: target, Class: ErrorClassNetwork, Err: fmt.Errorf("%w: %v", ErrContextCancelled, err)}
	}

	var key cache.PageKey
	var cached *cache.PageEntry
	if c.cache != nil {
		key = cache.NewPageKey(target)
		entry, err := c.cache.Get(ctx, key)
		switch {
		case err == nil && !entry.IsExpired():
			c.logger.Debug().Str("url", target).Msg("Page served from cache")
			return entry.Data, nil
		case err == nil:
			cached = entry
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Str("url", target).Msg("Cache get error")
		}
	}

	var body []byte
	var lastStatus int
	attempts, class, err := retryWithBackoff(ctx, c.retry, c.logger, func(attempt int) (ErrorClass, error) {
		c.logger.Debug().Str("url", target).Int("attempt", attempt).Msg("Fetching page")

		b, status, class, err := c.attempt(ctx, target, key, cached)
		lastStatus = status
		if err != nil {
			return class, err
		}
		body = b
		return "", nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrContextCancelled) {
			err = fmt.Errorf("%w: %v", ErrContextCancelled, ctxErr)
		}
		return nil, &FetchError{
			URL:        target,
			StatusCode: lastStatus,
			Class:      class,
			Attempts:   attempts,
			Err:        err,
		}
	}

	return body, nil
}

// attempt sends one request. It returns the body, the status code (0 for
// transport errors) and, on failure, the error class.
func (c *Client) attempt(ctx context.Context, target string, key cache.PageKey, cached *cache.PageEntry) ([]byte, int, ErrorClass, error) {
	if err := c.gate.Wait(ctx); err != nil {
		return nil, 0, ErrorClassNetwork, fmt.Errorf("%w: %v", ErrContextCancelled, err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, ErrorClassClient, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header = c.headers.Clone()
	if cache.ShouldRevalidate(cached) {
		cache.AddConditionalHeaders(req, cached)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		fetchRequestsTotal.WithLabelValues("network_error").Inc()
		fetchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		c.logger.Debug().Err(err).Str("url", target).Msg("HTTP request failed")
		return nil, 0, ErrorClassNetwork, err
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	fetchRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	c.gate.UpdateFromResponse(status, resp.Header)

	if status == http.StatusNotModified && cached != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		fresh := cache.ResponseToEntry(target, resp, nil, c.cache.DefaultTTL())
		if err := c.cache.Refresh(ctx, key, cached, fresh.Expires); err != nil {
			c.logger.Warn().Err(err).Str("url", target).Msg("Failed to refresh cached page")
		}
		c.logger.Debug().Str("url", target).Msg("304 Not Modified - using cache")
		return cached.Data, status, "", nil
	}

	if class := classifyStatus(status); class != "" {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		fetchErrorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Debug().
			Str("url", target).
			Int("status", status).
			Str("error_class", string(class)).
			Msg("Page request error")
		return nil, status, class, &statusError{StatusCode: status, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil {
		fetchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, status, ErrorClassNetwork, fmt.Errorf("read body: %w", err)
	}
	if len(body) > MaxBodyBytes {
		fetchErrorsTotal.WithLabelValues(string(ErrorClassClient)).Inc()
		return nil, status, ErrorClassClient, ErrBodyTooLarge
	}

	if c.cache != nil {
		entry := cache.ResponseToEntry(target, resp, body, c.cache.DefaultTTL())
		if err := c.cache.Set(ctx, key, entry); err != nil {
			c.logger.Warn().Err(err).Str("url", target).Msg("Failed to cache page")
		}
	}

	return body, status, "", nil
}

// retryConfigFor applies the attempt count and backoff bounds of cfg to the
// default retry policy.
func retryConfigFor(cfg Config) RetryConfig {
	rc := DefaultRetryConfig()
	rc.MaxAttempts = cfg.MaxRetries
	rc.InitialBackoff = cfg.InitialBackoff
	rc.MaxBackoff = cfg.MaxBackoff
	return rc
}

// parseTarget accepts absolute http(s) URLs only.
func parseTarget(rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("%w: empty url", ErrInvalidURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u.String(), nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Cache returns the page cache, or nil when caching is disabled.
func (c *Client) Cache() *cache.Manager {
	return c.cache
}

// Gate returns the cooldown tracker shared by all fetches of this client.
func (c *Client) Gate() *ratelimit.Tracker {
	return c.gate
}
