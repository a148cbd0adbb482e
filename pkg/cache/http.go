package cache

import (
	"net/http"
	"time"
)

// DefaultTTL is used when neither the response nor the caller supplies one.
const DefaultTTL = 6 * time.Hour

// ResponseToEntry builds a cache entry from a response and its already read
// body. Expires is taken from the Expires header when it lies in the
// future, otherwise now + fallbackTTL.
func ResponseToEntry(rawURL string, resp *http.Response, body []byte, fallbackTTL time.Duration) *PageEntry {
	if fallbackTTL <= 0 {
		fallbackTTL = DefaultTTL
	}

	entry := &PageEntry{
		URL:      NormalizeURL(rawURL),
		Data:     body,
		CachedAt: time.Now(),
	}
	if resp == nil {
		entry.StatusCode = http.StatusOK
		entry.Expires = entry.CachedAt.Add(fallbackTTL)
		return entry
	}

	entry.StatusCode = resp.StatusCode
	entry.ETag = resp.Header.Get("ETag")
	entry.ContentType = resp.Header.Get("Content-Type")
	entry.Expires = parseExpires(resp.Header, entry.CachedAt, fallbackTTL)

	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		if t, err := http.ParseTime(lastMod); err == nil {
			entry.LastModified = t
		}
	}

	return entry
}

func parseExpires(headers http.Header, now time.Time, fallbackTTL time.Duration) time.Time {
	value := headers.Get("Expires")
	if value == "" {
		return now.Add(fallbackTTL)
	}

	expires, err := http.ParseTime(value)
	if err != nil || !expires.After(now) {
		return now.Add(fallbackTTL)
	}
	return expires
}

// ShouldRevalidate reports whether the entry carries a validator.
func ShouldRevalidate(entry *PageEntry) bool {
	if entry == nil {
		return false
	}
	return entry.ETag != "" || !entry.LastModified.IsZero()
}

// AddConditionalHeaders sets If-None-Match, or If-Modified-Since when no
// ETag is known.
func AddConditionalHeaders(req *http.Request, entry *PageEntry) {
	if entry == nil || req == nil {
		return
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}

	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	} else if !entry.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", entry.LastModified.UTC().Format(http.TimeFormat))
	}
}
