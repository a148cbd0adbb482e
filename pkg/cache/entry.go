package cache

import (
	"net/http"
	"time"
)

// PageEntry is a cached page body with its validators.
type PageEntry struct {
	// URL the page was fetched from.
	URL string `json:"url"`

	// Data is the response body.
	Data []byte `json:"data"`

	// ETag for If-None-Match revalidation.
	ETag string `json:"etag,omitempty"`

	// LastModified for If-Modified-Since revalidation.
	LastModified time.Time `json:"last_modified,omitempty"`

	// Expires is when the entry should no longer be served.
	Expires time.Time `json:"expires"`

	// StatusCode of the cached response.
	StatusCode int `json:"status_code"`

	// ContentType of the cached response.
	ContentType string `json:"content_type,omitempty"`

	// CachedAt is when the page was stored.
	CachedAt time.Time `json:"cached_at"`
}

// IsExpired reports whether the entry is past its expiry time.
func (e *PageEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration, or 0 if already expired.
func (e *PageEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Header returns the validators and content type as response headers.
func (e *PageEntry) Header() http.Header {
	h := http.Header{}
	if e.ContentType != "" {
		h.Set("Content-Type", e.ContentType)
	}
	if e.ETag != "" {
		h.Set("ETag", e.ETag)
	}
	if !e.LastModified.IsZero() {
		h.Set("Last-Modified", e.LastModified.UTC().Format(http.TimeFormat))
	}
	return h
}
