package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

const keyPrefix = "crawler:page:"

// PageKey identifies a cached page.
type PageKey struct {
	// URL is the normalized page URL.
	URL string
}

// NewPageKey builds a key from a raw URL.
func NewPageKey(rawURL string) PageKey {
	return PageKey{URL: NormalizeURL(rawURL)}
}

// String returns the Redis key: crawler:page:<sha256 of the normalized URL>.
func (k PageKey) String() string {
	sum := sha256.Sum256([]byte(k.URL))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// NormalizeURL lowercases scheme and host, drops the fragment and a trailing
// slash, and sorts query parameters. Unparsable input is returned trimmed.
func NormalizeURL(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	if u.RawQuery != "" {
		// Encode sorts by key.
		u.RawQuery = u.Query().Encode()
	}
	return u.String()
}
