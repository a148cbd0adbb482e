// Package metrics exposes the Prometheus registry used by the crawler.
// Metrics are defined in their owning packages (client, cache, ratelimit,
// batch, discovery, pipeline) and registered through promauto on the default registerer.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by the crawler packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the /metrics HTTP handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
// An empty addr disables the endpoint and returns immediately.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Metrics Documentation
//
// Fetch Metrics (pkg/client):
//   - crawler_fetch_requests_total{status} (Counter): HTTP attempts by status or "network_error"
//   - crawler_fetch_duration_seconds (Histogram): duration of a full Fetch call including retries
//   - crawler_fetch_errors_total{class} (Counter): failed attempts by class (client, server, rate_limit, network)
//   - crawler_fetch_retries_total{error_class} (Counter): retry attempts
//   - crawler_fetch_retry_backoff_seconds{error_class} (Histogram): backoff waits
//   - crawler_fetch_retry_exhausted_total{error_class} (Counter): calls that ran out of attempts
//
// Cooldown Metrics (pkg/ratelimit):
//   - crawler_cooldowns_total (Counter): cooldowns started by 429 responses
//   - crawler_cooldown_wait_seconds (Histogram): time requests spent waiting on a cooldown
//
// Page Cache Metrics (pkg/cache):
//   - crawler_page_cache_hits_total{layer="redis"} (Counter)
//   - crawler_page_cache_misses_total (Counter)
//   - crawler_page_cache_not_modified_total (Counter): 304 responses served from cache
//   - crawler_page_cache_errors_total{operation} (Counter)
//
// Batch Metrics (pkg/batch):
//   - crawler_batch_items_total{outcome} (Counter): items by outcome (ok, fetch_failed, no_url, cancelled, panic)
//   - crawler_batch_records_total (Counter): records extracted
//   - crawler_batch_duration_seconds (Histogram): wall time per batch
//
// Discovery Metrics (pkg/discovery):
//   - crawler_discovery_pages_total{kind,result} (Counter): root and destination pages by result (ok, error)
//
// Pipeline Metrics (pkg/pipeline):
//   - crawler_pipeline_cursor (Gauge): items processed in the current run
//   - crawler_pipeline_records (Gauge): size of the accumulator
//   - crawler_pipeline_checkpoints_total{result} (Counter): checkpoint writes (ok, error)
//
// Example Prometheus Queries:
//
//   # Item failure rate
//   rate(crawler_batch_items_total{outcome="fetch_failed"}[5m]) / rate(crawler_batch_items_total[5m])
//
//   # P95 fetch latency
//   histogram_quantile(0.95, rate(crawler_fetch_duration_seconds_bucket[5m]))
