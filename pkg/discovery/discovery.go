// Package discovery builds the input artifact of a run: it walks the
// directory root to its destinations and collects the city links of each.
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/course-crawler/pkg/logging"
	"github.com/Sternrassler/course-crawler/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultRootURL is the GolfNow US course directory.
const DefaultRootURL = "https://www.golfnow.com/course-directory/us"

var discoveryPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "crawler_discovery_pages_total",
	Help: "Directory pages fetched during discovery by kind and result",
}, []string{"kind", "result"})

// Fetcher retrieves a page body.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// LinkExtractor finds the grouping and item links of directory pages.
type LinkExtractor interface {
	GroupLinks(page []byte, baseURL string) []model.Link
	ChildLinks(page []byte, baseURL string) []model.Link
}

// Config controls a discovery walk.
type Config struct {
	// RootURL is the directory page listing the destinations.
	RootURL string

	// DestinationLimit caps the destinations visited; 0 visits all.
	DestinationLimit int

	// Delay is slept before each destination fetch.
	Delay time.Duration
}

// Result of a discovery walk. Items keep page order with duplicate URLs removed.
type Result struct {
	Items        []model.WorkItem
	Destinations int
	Visited      int
	Failed       int
}

// Discoverer walks the directory sequentially.
type Discoverer struct {
	fetcher   Fetcher
	extractor LinkExtractor
	config    Config
	logger    zerolog.Logger
}

// New creates a Discoverer. An empty RootURL uses DefaultRootURL.
func New(fetcher Fetcher, extractor LinkExtractor, cfg Config) *Discoverer {
	if cfg.RootURL == "" {
		cfg.RootURL = DefaultRootURL
	}
	return &Discoverer{
		fetcher:   fetcher,
		extractor: extractor,
		config:    cfg,
		logger:    logging.NewLogger(logging.ComponentDiscovery),
	}
}

// Discover fetches the root page and every destination page. A failed root
// fetch is an error; a failed destination is logged and skipped. On
// cancellation the items found so far are returned with ctx.Err().
func (d *Discoverer) Discover(ctx context.Context) (Result, error) {
	var res Result

	root, err := d.fetcher.Fetch(ctx, d.config.RootURL)
	if err != nil {
		discoveryPagesTotal.WithLabelValues("root", "error").Inc()
		return res, fmt.Errorf("fetch directory root: %w", err)
	}
	discoveryPagesTotal.WithLabelValues("root", "ok").Inc()

	destinations := d.extractor.GroupLinks(root, d.config.RootURL)
	res.Destinations = len(destinations)
	if limit := d.config.DestinationLimit; limit > 0 && limit < len(destinations) {
		destinations = destinations[:limit]
	}

	d.logger.Info().
		Str("url", d.config.RootURL).
		Int("destinations", res.Destinations).
		Int("visiting", len(destinations)).
		Msg("Found destinations")

	seen := make(map[string]struct{})
	for i, dest := range destinations {
		if err := wait(ctx, d.config.Delay); err != nil {
			return res, err
		}

		page, err := d.fetcher.Fetch(ctx, dest.URL)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			discoveryPagesTotal.WithLabelValues("destination", "error").Inc()
			res.Failed++
			d.logger.Warn().
				Err(err).
				Str("group", dest.Label).
				Str("url", dest.URL).
				Msg("Destination fetch failed - skipping")
			continue
		}
		discoveryPagesTotal.WithLabelValues("destination", "ok").Inc()
		res.Visited++

		cities := d.extractor.ChildLinks(page, dest.URL)
		added := 0
		for _, city := range cities {
			if _, dup := seen[city.URL]; dup {
				continue
			}
			seen[city.URL] = struct{}{}
			res.Items = append(res.Items, model.WorkItem{
				Name:       city.Label,
				URL:        city.URL,
				GroupLabel: dest.Label,
			})
			added++
		}

		d.logger.Info().
			Int("destination", i+1).
			Int("of", len(destinations)).
			Str("group", dest.Label).
			Int("cities", added).
			Msg("Destination processed")
	}

	return res, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
