// Package cache stores fetched directory pages in Redis so repeated runs
// and resumed runs can skip unchanged pages.
//
// The cache is optional. When the crawler is started without a Redis URL
// every fetch goes to the network.
//
// Features:
//
//   - Deterministic page keys derived from the normalized URL
//   - TTL taken from the Expires header, else a configured fallback
//   - ETag / Last-Modified revalidation (If-None-Match, If-Modified-Since)
//   - Prometheus metrics for hits, misses and 304 responses
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	pages := cache.NewManager(redisClient, 6*time.Hour)
//
//	key := cache.NewPageKey("https://www.golfnow.com/course-directory/us/ca/san-diego")
//	entry, err := pages.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the site
//	}
//
// # Revalidation
//
//	if cache.ShouldRevalidate(entry) {
//		cache.AddConditionalHeaders(req, entry)
//		// a 304 response means entry.Data is still current
//	}
//
// # Metrics
//
//   - crawler_page_cache_hits_total{layer="redis"}
//   - crawler_page_cache_misses_total
//   - crawler_page_cache_not_modified_total
//   - crawler_page_cache_errors_total{operation}
package cache
