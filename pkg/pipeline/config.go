package pipeline

import (
	"fmt"
	"time"
)

// RunConfig is fixed for the duration of a run.
type RunConfig struct {
	// BatchSize is the number of items handed to the pool at a time.
	BatchSize int

	// MaxWorkersPerBatch caps concurrent items within a batch.
	MaxWorkersPerBatch int

	// PerItemDelay is slept by a worker before each fetch.
	PerItemDelay time.Duration

	// DelayBetweenBatches is slept between batches, not after the last one.
	DelayBetweenBatches time.Duration

	// CheckpointInterval is the item count between checkpoints.
	CheckpointInterval int
}

// DefaultRunConfig returns the settings of a full directory crawl.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		BatchSize:           50,
		MaxWorkersPerBatch:  3,
		PerItemDelay:        500 * time.Millisecond,
		DelayBetweenBatches: 10 * time.Second,
		CheckpointInterval:  500,
	}
}

// Validate reports the first invalid field.
func (c RunConfig) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1 (got %d)", c.BatchSize)
	}
	if c.MaxWorkersPerBatch < 1 {
		return fmt.Errorf("max_workers must be >= 1 (got %d)", c.MaxWorkersPerBatch)
	}
	if c.PerItemDelay < 0 {
		return fmt.Errorf("per_item_delay must not be negative (got %v)", c.PerItemDelay)
	}
	if c.DelayBetweenBatches < 0 {
		return fmt.Errorf("batch_delay must not be negative (got %v)", c.DelayBetweenBatches)
	}
	if c.CheckpointInterval < 1 {
		return fmt.Errorf("checkpoint_interval must be >= 1 (got %d)", c.CheckpointInterval)
	}
	return nil
}
