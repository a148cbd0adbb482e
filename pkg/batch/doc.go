// Package batch processes one batch of work items with a bounded worker pool.
//
// Each worker takes one item at a time: it waits the per-item delay, fetches
// the item's page, extracts records and annotates them with the item's
// provenance. Fetch failures are isolated to their item.
//
// Example usage:
//
//	pool := batch.NewPool(fetchClient, extract.NewGolfNow())
//	records, err := pool.ProcessBatch(ctx, items[0:50], 3, 500*time.Millisecond)
//
// The pool:
//   - Runs at most maxWorkers items concurrently
//   - Stops dispatching when ctx is cancelled and lets in-flight items finish
//   - Returns only after every dispatched item has completed or failed
//   - Returns records in completion order, not input order
package batch
