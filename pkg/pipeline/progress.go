package pipeline

import "time"

// Progress is reported after every batch.
type Progress struct {
	Batch   int
	Batches int

	Cursor  int
	Total   int
	Percent float64
	Records int

	Elapsed     time.Duration
	ItemsPerSec float64

	// ETA is only meaningful when HasETA is set, which requires a
	// non-zero throughput since the resume point.
	ETA    time.Duration
	HasETA bool
}

// ProgressFunc receives progress reports. It runs on the controller
// goroutine and should return quickly.
type ProgressFunc func(Progress)

// computeProgress derives percentage, throughput and ETA. Throughput counts
// only items processed since resumeFrom.
func computeProgress(cursor, total, resumeFrom int, elapsed time.Duration) Progress {
	p := Progress{
		Cursor:  cursor,
		Total:   total,
		Elapsed: elapsed,
		Percent: 100,
	}
	if total > 0 {
		p.Percent = float64(cursor) / float64(total) * 100
	}

	processed := cursor - resumeFrom
	if processed <= 0 || elapsed <= 0 {
		return p
	}

	p.ItemsPerSec = float64(processed) / elapsed.Seconds()
	if p.ItemsPerSec > 0 {
		remaining := total - cursor
		p.ETA = time.Duration(float64(remaining) / p.ItemsPerSec * float64(time.Second))
		p.HasETA = true
	}
	return p
}

// batchCount returns ceil(total / batchSize).
func batchCount(total, batchSize int) int {
	if total <= 0 || batchSize <= 0 {
		return 0
	}
	return (total + batchSize - 1) / batchSize
}
