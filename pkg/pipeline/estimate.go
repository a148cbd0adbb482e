package pipeline

import "time"

// Estimate reference: one batch of 50 items with 3 workers takes about 30s.
const (
	referenceBatchTime = 30 * time.Second
	referenceBatchSize = 50
	referenceWorkers   = 3
)

// RunEstimate is a rough duration forecast for a full run.
type RunEstimate struct {
	TotalItems int
	BatchSize  int
	Workers    int
	Batches    int

	PerBatch       time.Duration
	ProcessingTime time.Duration
	DelayTime      time.Duration
	Total          time.Duration
}

// Estimate forecasts a run without any network I/O. The per-batch time
// scales linearly with batch size and inversely with workers.
func Estimate(totalItems, batchSize, workers int, delayBetweenBatches time.Duration) RunEstimate {
	if batchSize < 1 {
		batchSize = 1
	}
	if workers < 1 {
		workers = 1
	}

	e := RunEstimate{
		TotalItems: totalItems,
		BatchSize:  batchSize,
		Workers:    workers,
		Batches:    batchCount(totalItems, batchSize),
	}
	if e.Batches == 0 {
		return e
	}

	scale := float64(batchSize) / referenceBatchSize * referenceWorkers / float64(workers)
	e.PerBatch = time.Duration(float64(referenceBatchTime) * scale)
	e.ProcessingTime = time.Duration(e.Batches) * e.PerBatch
	e.DelayTime = time.Duration(e.Batches-1) * delayBetweenBatches
	e.Total = e.ProcessingTime + e.DelayTime
	return e
}
