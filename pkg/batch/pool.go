package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/course-crawler/pkg/logging"
	"github.com/Sternrassler/course-crawler/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Item outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeFetchFailed = "fetch_failed"
	OutcomeNoURL       = "no_url"
	OutcomeCancelled   = "cancelled"
	OutcomePanic       = "panic"
)

var (
	batchItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_batch_items_total",
		Help: "Total work items processed by outcome",
	}, []string{"outcome"})

	batchRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_batch_records_total",
		Help: "Total records extracted by the batch pool",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawler_batch_duration_seconds",
		Help:    "Wall time per batch",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})
)

// ErrWorkerPanic is returned when processing an item panicked.
var ErrWorkerPanic = errors.New("worker panic")

// Fetcher retrieves a page body. Implementations must be safe for concurrent use.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// RecordExtractor turns a leaf page into records.
type RecordExtractor interface {
	Records(page []byte) []model.Record
}

// Stats counts item outcomes of one batch.
type Stats struct {
	Items       int
	Succeeded   int
	FetchFailed int
	NoURL       int
	Cancelled   int
	Records     int
}

// Pool processes batches. One Pool may serve many sequential batches.
type Pool struct {
	fetcher   Fetcher
	extractor RecordExtractor
	logger    zerolog.Logger
}

// NewPool creates a pool over a fetcher and an extractor.
func NewPool(fetcher Fetcher, extractor RecordExtractor) *Pool {
	return &Pool{
		fetcher:   fetcher,
		extractor: extractor,
		logger:    logging.NewLogger(logging.ComponentBatchPool),
	}
}

type job struct {
	index int
	item  model.WorkItem
}

type itemResult struct {
	index   int
	outcome string
	records []model.Record
	err     error
}

// ProcessBatch processes items with at most maxWorkers concurrent workers,
// waiting perItemDelay before each fetch.
//
// If ctx is cancelled, items not yet started are skipped and the returned
// error wraps ctx.Err(); records of items that did finish are still
// returned. A panic while processing an item yields ErrWorkerPanic after the
// remaining items have finished.
func (p *Pool) ProcessBatch(ctx context.Context, items []model.WorkItem, maxWorkers int, perItemDelay time.Duration) ([]model.Record, error) {
	records, _, err := p.Process(ctx, items, maxWorkers, perItemDelay)
	return records, err
}

// Process is ProcessBatch with per-outcome statistics.
func (p *Pool) Process(ctx context.Context, items []model.WorkItem, maxWorkers int, perItemDelay time.Duration) ([]model.Record, Stats, error) {
	stats := Stats{Items: len(items)}
	if len(items) == 0 {
		return nil, stats, nil
	}

	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()

	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxWorkers > len(items) {
		maxWorkers = len(items)
	}

	queue := make(chan job)
	results := make(chan itemResult, len(items))

	go func() {
		defer close(queue)
		for i, item := range items {
			select {
			case queue <- job{index: i, item: item}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < maxWorkers; i++ {
		wg.Add(1)
		go p.worker(ctx, queue, results, perItemDelay, &wg, i)
	}

	wg.Wait()
	close(results)

	// Records are merged in item order regardless of completion order.
	perItem := make([][]model.Record, len(items))
	var panicErrs []error
	finished := 0
	for r := range results {
		finished++
		batchItemsTotal.WithLabelValues(r.outcome).Inc()

		switch r.outcome {
		case OutcomeOK:
			stats.Succeeded++
			perItem[r.index] = r.records
		case OutcomeFetchFailed:
			stats.FetchFailed++
		case OutcomeNoURL:
			stats.NoURL++
		case OutcomeCancelled:
			stats.Cancelled++
		case OutcomePanic:
			panicErrs = append(panicErrs, r.err)
		}
	}

	var records []model.Record
	for _, rs := range perItem {
		records = append(records, rs...)
	}

	// Items the feeder never handed out.
	if undispatched := len(items) - finished; undispatched > 0 {
		stats.Cancelled += undispatched
		batchItemsTotal.WithLabelValues(OutcomeCancelled).Add(float64(undispatched))
	}

	stats.Records = len(records)
	batchRecordsTotal.Add(float64(len(records)))

	p.logger.Debug().
		Int("items", stats.Items).
		Int("succeeded", stats.Succeeded).
		Int("fetch_failed", stats.FetchFailed).
		Int("cancelled", stats.Cancelled).
		Int("records", stats.Records).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")

	if len(panicErrs) > 0 {
		return records, stats, errors.Join(panicErrs...)
	}
	if stats.Cancelled > 0 {
		return records, stats, fmt.Errorf("batch incomplete (%d of %d items not processed): %w", stats.Cancelled, stats.Items, ctx.Err())
	}
	return records, stats, nil
}

// worker processes items from the queue until it is closed.
func (p *Pool) worker(ctx context.Context, queue <-chan job, results chan<- itemResult, delay time.Duration, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for j := range queue {
		select {
		case <-ctx.Done():
			results <- itemResult{index: j.index, outcome: OutcomeCancelled}
			continue
		default:
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				results <- itemResult{index: j.index, outcome: OutcomeCancelled}
				continue
			case <-timer.C:
			}
		}

		results <- p.processItem(ctx, j, workerID)
		processed++
	}

	if processed > 0 {
		p.logger.Debug().
			Int("worker_id", workerID).
			Int("items_processed", processed).
			Msg("Worker completed")
	}
}

// processItem fetches and extracts one item. Once started, the fetch is
// detached from cancellation so the item finishes consistently.
func (p *Pool) processItem(ctx context.Context, j job, workerID int) (res itemResult) {
	res.index = j.index
	item := j.item

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Int("worker_id", workerID).
				Str("item", item.Name).
				Str("url", item.URL).
				Interface("panic", r).
				Msg("Item processing panicked")
			res = itemResult{
				index:   j.index,
				outcome: OutcomePanic,
				err:     fmt.Errorf("%w: item %q: %v", ErrWorkerPanic, item.Name, r),
			}
		}
	}()

	if item.URL == "" {
		p.logger.Warn().
			Str("item", item.Name).
			Str("group", item.GroupLabel).
			Msg("Work item has no link - skipping")
		res.outcome = OutcomeNoURL
		return res
	}

	page, err := p.fetcher.Fetch(context.WithoutCancel(ctx), item.URL)
	if err != nil {
		p.logger.Warn().
			Err(err).
			Int("worker_id", workerID).
			Str("item", item.Name).
			Str("group", item.GroupLabel).
			Str("url", item.URL).
			Msg("Page fetch failed - item contributes no records")
		res.outcome = OutcomeFetchFailed
		return res
	}

	extracted := p.extractor.Records(page)
	res.records = make([]model.Record, 0, len(extracted))
	for _, r := range extracted {
		res.records = append(res.records, r.Enrich(item))
	}
	res.outcome = OutcomeOK

	p.logger.Debug().
		Int("worker_id", workerID).
		Str("item", item.Name).
		Str("group", item.GroupLabel).
		Int("records", len(res.records)).
		Msg("Item processed")

	return res
}
