// Package pipeline drives a crawl over the full input in sequential batches,
// keeping the accumulated records, checkpointing progress and resuming
// interrupted runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/course-crawler/pkg/checkpoint"
	"github.com/Sternrassler/course-crawler/pkg/logging"
	"github.com/Sternrassler/course-crawler/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	cursorGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawler_pipeline_cursor",
		Help: "Items processed in the current run",
	})

	recordsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawler_pipeline_records",
		Help: "Records held by the accumulator",
	})

	checkpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_pipeline_checkpoints_total",
		Help: "Checkpoint writes by result",
	}, []string{"result"})
)

// ErrInterrupted is returned, together with a Result, when a run stops
// because its context was cancelled. Progress has been saved.
var ErrInterrupted = errors.New("run interrupted")

// State is a controller lifecycle state.
type State string

const (
	StateInitializing  State = "initializing"
	StateLoading       State = "loading"
	StateRunning       State = "running"
	StateCheckpointing State = "checkpointing"
	StateCompleted     State = "completed"
	StateInterrupted   State = "interrupted"
	StateFailed        State = "failed"
)

// BatchProcessor processes one batch. *batch.Pool implements it.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, items []model.WorkItem, maxWorkers int, perItemDelay time.Duration) ([]model.Record, error)
}

// Result describes how a run ended.
type Result struct {
	State       State
	Total       int
	Cursor      int
	ResumedFrom int
	Records     []model.Record
	Checkpoints int
	Elapsed     time.Duration
}

// Controller runs the batch loop. A Controller is not safe for concurrent
// use; run one at a time per output target.
type Controller struct {
	processor BatchProcessor
	store     checkpoint.Store
	config    RunConfig
	progress  ProgressFunc
	logger    zerolog.Logger
	now       func() time.Time
	state     State
}

// Option configures a Controller.
type Option func(*Controller)

// WithProgress sets a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Controller) { c.progress = fn }
}

// NewController validates cfg and creates a controller.
func NewController(processor BatchProcessor, store checkpoint.Store, cfg RunConfig, opts ...Option) (*Controller, error) {
	if processor == nil {
		return nil, fmt.Errorf("batch processor is required")
	}
	if store == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}

	c := &Controller{
		processor: processor,
		store:     store,
		config:    cfg,
		logger:    logging.NewLogger(logging.ComponentPipeline),
		now:       time.Now,
		state:     StateInitializing,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return c.state
}

func (c *Controller) transition(s State) {
	c.logger.Debug().Str("from", string(c.state)).Str("to", string(s)).Msg("State change")
	c.state = s
}

// Run processes items[cursor:] where cursor comes from a valid checkpoint, or
// 0. It returns ErrInterrupted (wrapped) when ctx is cancelled and the batch
// error, joined with any save error, when a batch fails. The Result is
// populated in every case.
func (c *Controller) Run(ctx context.Context, items []model.WorkItem) (Result, error) {
	c.transition(StateLoading)
	total := len(items)
	cursor, acc := c.resume(total)

	res := Result{Total: total, ResumedFrom: cursor}
	finish := func(s State) Result {
		c.transition(s)
		res.State = s
		res.Cursor = cursor
		res.Records = acc
		return res
	}

	cursorGauge.Set(float64(cursor))
	recordsGauge.Set(float64(len(acc)))

	batches := batchCount(total, c.config.BatchSize)
	start := c.now()
	lastCheckpoint := cursor

	c.logger.Info().
		Int("total", total).
		Int("cursor", cursor).
		Int("records", len(acc)).
		Int("batch_size", c.config.BatchSize).
		Int("workers", c.config.MaxWorkersPerBatch).
		Dur("batch_delay", c.config.DelayBetweenBatches).
		Int("checkpoint_interval", c.config.CheckpointInterval).
		Msg("Starting run")

	c.transition(StateRunning)
	for cursor < total {
		if ctx.Err() != nil {
			return c.interrupt(&res, finish, cursor, acc)
		}

		end := min(cursor+c.config.BatchSize, total)
		batchNum := cursor/c.config.BatchSize + 1

		c.logger.Info().
			Int("batch", batchNum).
			Int("batches", batches).
			Int("from", cursor+1).
			Int("to", end).
			Int("total", total).
			Msg("Processing batch")

		records, err := c.processor.ProcessBatch(ctx, items[cursor:end], c.config.MaxWorkersPerBatch, c.config.PerItemDelay)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				// The partial batch is dropped so the cursor stays contiguous.
				return c.interrupt(&res, finish, cursor, acc)
			}
			return c.fail(&res, finish, cursor, acc, fmt.Errorf("batch %d (items %d-%d): %w", batchNum, cursor+1, end, err))
		}

		acc = append(acc, records...)
		cursor = end
		cursorGauge.Set(float64(cursor))
		recordsGauge.Set(float64(len(acc)))

		p := computeProgress(cursor, total, res.ResumedFrom, c.now().Sub(start))
		p.Batch, p.Batches, p.Records = batchNum, batches, len(acc)
		res.Elapsed = p.Elapsed
		c.report(p)

		if shouldCheckpoint(cursor, lastCheckpoint, c.config.CheckpointInterval, total) {
			c.transition(StateCheckpointing)
			if err := c.save(acc, cursor, false); err == nil {
				res.Checkpoints++
				lastCheckpoint = cursor
			}
			c.transition(StateRunning)
		}

		if cursor < total && c.config.DelayBetweenBatches > 0 {
			c.logger.Debug().Dur("delay", c.config.DelayBetweenBatches).Msg("Waiting before next batch")
			if !sleep(ctx, c.config.DelayBetweenBatches) {
				return c.interrupt(&res, finish, cursor, acc)
			}
		}
	}

	res.Elapsed = c.now().Sub(start)
	if err := c.store.Complete(acc); err != nil {
		c.logger.Error().Err(err).Msg("Failed to publish final output")
		return finish(StateFailed), fmt.Errorf("publish final output: %w", err)
	}

	c.logger.Info().
		Int("total", total).
		Int("records", len(acc)).
		Dur("elapsed", res.Elapsed).
		Msg("Run completed")
	return finish(StateCompleted), nil
}

// resume loads a previous run. Unusable artifacts fall back to a fresh start.
func (c *Controller) resume(total int) (int, []model.Record) {
	prev, err := c.store.Load()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Resume artifacts unusable - starting fresh")
		return 0, nil
	}
	if prev == nil {
		return 0, nil
	}

	cursor := prev.State.LastProcessedIndex
	if cursor > total {
		c.logger.Warn().
			Int("cursor", cursor).
			Int("total", total).
			Msg("Checkpoint beyond end of input - starting fresh")
		return 0, nil
	}

	c.logger.Info().
		Int("cursor", cursor).
		Int("records", len(prev.Records)).
		Bool("was_interrupted", prev.State.Interrupted).
		Str("checkpoint_time", prev.State.Timestamp).
		Msg("Resuming from checkpoint")
	return cursor, prev.Records
}

func (c *Controller) interrupt(res *Result, finish func(State) Result, cursor int, acc []model.Record) (Result, error) {
	c.logger.Warn().
		Int("cursor", cursor).
		Int("records", len(acc)).
		Msg("Run interrupted - saving progress")

	err := fmt.Errorf("%w at item %d", ErrInterrupted, cursor)
	if saveErr := c.save(acc, cursor, true); saveErr != nil {
		err = errors.Join(err, fmt.Errorf("save progress: %w", saveErr))
	} else {
		res.Checkpoints++
	}
	return finish(StateInterrupted), err
}

func (c *Controller) fail(res *Result, finish func(State) Result, cursor int, acc []model.Record, cause error) (Result, error) {
	c.logger.Error().
		Err(cause).
		Int("cursor", cursor).
		Int("records", len(acc)).
		Msg("Run failed - saving progress")

	err := cause
	if saveErr := c.save(acc, cursor, false); saveErr != nil {
		err = errors.Join(cause, fmt.Errorf("save progress: %w", saveErr))
	} else {
		res.Checkpoints++
	}
	return finish(StateFailed), err
}

func (c *Controller) save(acc []model.Record, cursor int, interrupted bool) error {
	state := model.NewCheckpointState(cursor, len(acc), interrupted, c.now())
	if err := c.store.Save(acc, state); err != nil {
		checkpointsTotal.WithLabelValues("error").Inc()
		c.logger.Error().Err(err).Int("cursor", cursor).Msg("Checkpoint write failed")
		return err
	}

	checkpointsTotal.WithLabelValues("ok").Inc()
	c.logger.Info().
		Int("cursor", cursor).
		Int("records", len(acc)).
		Bool("interrupted", interrupted).
		Msg("Checkpoint saved")
	return nil
}

func (c *Controller) report(p Progress) {
	ev := c.logger.Info().
		Int("batch", p.Batch).
		Int("cursor", p.Cursor).
		Int("total", p.Total).
		Int("records", p.Records).
		Float64("progress_pct", p.Percent)
	if p.HasETA {
		ev = ev.Dur("eta", p.ETA).Float64("items_per_sec", p.ItemsPerSec)
	}
	ev.Msg("Batch finished")

	if c.progress != nil {
		c.progress(p)
	}
}

// shouldCheckpoint fires when the cursor enters a new multiple of interval
// since the last checkpoint, or reaches the end of the input.
func shouldCheckpoint(cursor, lastCheckpoint, interval, total int) bool {
	if cursor >= total {
		return true
	}
	return cursor/interval > lastCheckpoint/interval
}

// sleep waits d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
