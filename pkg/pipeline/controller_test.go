package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/course-crawler/pkg/checkpoint"
	"github.com/Sternrassler/course-crawler/pkg/model"
)

// fakeProcessor yields one record per item and records every call.
type fakeProcessor struct {
	mu         sync.Mutex
	batchSizes []int
	fetched    map[string]int

	// hook runs after a batch is processed; it may replace the result.
	hook func(call int, items []model.WorkItem, records []model.Record) ([]model.Record, error)
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{fetched: make(map[string]int)}
}

func (p *fakeProcessor) ProcessBatch(_ context.Context, items []model.WorkItem, _ int, _ time.Duration) ([]model.Record, error) {
	p.mu.Lock()
	p.batchSizes = append(p.batchSizes, len(items))
	call := len(p.batchSizes)
	p.mu.Unlock()

	records := make([]model.Record, 0, len(items))
	for _, it := range items {
		p.mu.Lock()
		p.fetched[it.URL]++
		p.mu.Unlock()
		rec := model.Record{CourseName: "Course in " + it.Name, Address: it.Name + " address"}
		records = append(records, rec.Enrich(it))
	}

	if p.hook != nil {
		return p.hook(call, items, records)
	}
	return records, nil
}

type recordingStore struct {
	checkpoint.Store
	mu        sync.Mutex
	saves     []model.CheckpointState
	completed int
	saveErr   error
}

func (s *recordingStore) Save(records []model.Record, state model.CheckpointState) error {
	s.mu.Lock()
	s.saves = append(s.saves, state)
	s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Store.Save(records, state)
}

func (s *recordingStore) Complete(records []model.Record) error {
	s.mu.Lock()
	s.completed++
	s.mu.Unlock()
	return s.Store.Complete(records)
}

func makeItems(n int) []model.WorkItem {
	items := make([]model.WorkItem, n)
	for i := range items {
		items[i] = model.WorkItem{
			Name:       fmt.Sprintf("City %03d", i),
			URL:        fmt.Sprintf("https://example.com/city/%03d", i),
			GroupLabel: fmt.Sprintf("Dest %d", i%4),
		}
	}
	return items
}

func testRunConfig(batch, interval int) RunConfig {
	return RunConfig{
		BatchSize:          batch,
		MaxWorkersPerBatch: 3,
		CheckpointInterval: interval,
	}
}

func newFileStore(t *testing.T) *recordingStore {
	t.Helper()
	return &recordingStore{Store: checkpoint.NewFileStore(filepath.Join(t.TempDir(), "out.json"))}
}

func newTestController(t *testing.T, p BatchProcessor, s checkpoint.Store, cfg RunConfig, opts ...Option) *Controller {
	t.Helper()
	c, err := NewController(p, s, cfg, opts...)
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	return c
}

func recordKeys(records []model.Record) []string {
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key()
	}
	sort.Strings(keys)
	return keys
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewController_Validation(t *testing.T) {
	store := newFileStore(t)
	if _, err := NewController(nil, store, DefaultRunConfig()); err == nil {
		t.Error("expected error for nil processor")
	}
	if _, err := NewController(newFakeProcessor(), nil, DefaultRunConfig()); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewController(newFakeProcessor(), store, RunConfig{}); err == nil {
		t.Error("expected error for zero config")
	}

	c := newTestController(t, newFakeProcessor(), store, DefaultRunConfig())
	if c.State() != StateInitializing {
		t.Errorf("State() = %q, want initializing", c.State())
	}
}

// 120 items, batch 50, interval 50: checkpoints at 50, 100, 120 and
// batches of 50, 50, 20.
func TestRun_CheckpointScenario(t *testing.T) {
	proc := newFakeProcessor()
	store := newFileStore(t)
	c := newTestController(t, proc, store, testRunConfig(50, 50))

	res, err := c.Run(context.Background(), makeItems(120))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if want := []int{50, 50, 20}; !equalInts(proc.batchSizes, want) {
		t.Errorf("batch sizes = %v, want %v", proc.batchSizes, want)
	}

	var cursors []int
	for _, s := range store.saves {
		cursors = append(cursors, s.LastProcessedIndex)
		if s.Interrupted {
			t.Errorf("checkpoint at %d marked interrupted", s.LastProcessedIndex)
		}
		if s.TotalRecords != s.LastProcessedIndex {
			t.Errorf("checkpoint at %d has %d records", s.LastProcessedIndex, s.TotalRecords)
		}
	}
	if want := []int{50, 100, 120}; !equalInts(cursors, want) {
		t.Errorf("checkpoint cursors = %v, want %v", cursors, want)
	}

	if res.State != StateCompleted || res.Cursor != 120 || len(res.Records) != 120 || res.Checkpoints != 3 {
		t.Errorf("result = %+v", res)
	}
	if store.completed != 1 {
		t.Errorf("Complete called %d times, want 1", store.completed)
	}

	fs := store.Store.(*checkpoint.FileStore)
	if _, err := os.Stat(fs.CheckpointPath()); !errors.Is(err, os.ErrNotExist) {
		t.Error("checkpoint file should be removed after completion")
	}
	out, err := checkpoint.ReadRecords(fs.OutputPath())
	if err != nil || len(out) != 120 {
		t.Errorf("output = %d records, %v", len(out), err)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestShouldCheckpoint(t *testing.T) {
	tests := []struct {
		name                          string
		cursor, last, interval, total int
		want                          bool
	}{
		{"exact multiple", 50, 0, 50, 120, true},
		{"below interval", 30, 0, 50, 120, false},
		{"crosses multiple", 60, 30, 50, 200, true},
		{"same bucket", 90, 60, 50, 200, false},
		{"skips past multiple", 120, 90, 50, 200, true},
		{"end of input", 110, 100, 500, 110, true},
		{"resumed mid bucket", 520, 510, 500, 2000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldCheckpoint(tt.cursor, tt.last, tt.interval, tt.total); got != tt.want {
				t.Errorf("shouldCheckpoint(%d, %d, %d, %d) = %v, want %v",
					tt.cursor, tt.last, tt.interval, tt.total, got, tt.want)
			}
		})
	}
}

// Batch boundaries that never land on a multiple still checkpoint.
func TestRun_UnalignedInterval(t *testing.T) {
	store := newFileStore(t)
	c := newTestController(t, newFakeProcessor(), store, testRunConfig(30, 50))

	if _, err := c.Run(context.Background(), makeItems(130)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var cursors []int
	for _, s := range store.saves {
		cursors = append(cursors, s.LastProcessedIndex)
	}
	if want := []int{60, 120, 130}; !equalInts(cursors, want) {
		t.Errorf("checkpoint cursors = %v, want %v", cursors, want)
	}
}

// For every k, interrupting after batch k and resuming gives the same
// records as one uninterrupted run, and no item is processed twice.
func TestRun_IdempotentResume(t *testing.T) {
	items := makeItems(10)
	cfg := testRunConfig(3, 3)

	baseline, err := newTestController(t, newFakeProcessor(), newFileStore(t), cfg).Run(context.Background(), items)
	if err != nil {
		t.Fatalf("baseline Run() error = %v", err)
	}
	want := recordKeys(baseline.Records)

	for k := 1; k <= 3; k++ {
		t.Run(fmt.Sprintf("interrupt after batch %d", k), func(t *testing.T) {
			store := newFileStore(t)
			proc := newFakeProcessor()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			proc.hook = func(call int, _ []model.WorkItem, records []model.Record) ([]model.Record, error) {
				if call == k {
					cancel()
				}
				return records, nil
			}

			res, err := newTestController(t, proc, store, cfg).Run(ctx, items)
			if !errors.Is(err, ErrInterrupted) {
				t.Fatalf("first Run() error = %v, want ErrInterrupted", err)
			}
			if res.State != StateInterrupted || res.Cursor != min(3*k, len(items)) {
				t.Fatalf("first result = %+v", res)
			}
			last := store.saves[len(store.saves)-1]
			if !last.Interrupted || last.LastProcessedIndex != res.Cursor {
				t.Errorf("last checkpoint = %+v", last)
			}

			proc.hook = nil
			res2, err := newTestController(t, proc, store, cfg).Run(context.Background(), items)
			if err != nil {
				t.Fatalf("resumed Run() error = %v", err)
			}
			if res2.ResumedFrom != res.Cursor {
				t.Errorf("ResumedFrom = %d, want %d", res2.ResumedFrom, res.Cursor)
			}
			if got := recordKeys(res2.Records); !equalKeys(got, want) {
				t.Errorf("resumed records differ from baseline: got %d, want %d", len(got), len(want))
			}
			for url, n := range proc.fetched {
				if n != 1 {
					t.Errorf("%s processed %d times, want 1", url, n)
				}
			}
		})
	}
}

// A batch cut short by cancellation is discarded.
func TestRun_InterruptMidBatchDiscardsPartial(t *testing.T) {
	store := newFileStore(t)
	proc := newFakeProcessor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc.hook = func(call int, _ []model.WorkItem, records []model.Record) ([]model.Record, error) {
		if call == 2 {
			cancel()
			return records[:2], fmt.Errorf("batch incomplete: %w", ctx.Err())
		}
		return records, nil
	}

	res, err := newTestController(t, proc, store, testRunConfig(5, 100)).Run(ctx, makeItems(20))
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Run() error = %v, want ErrInterrupted", err)
	}
	if res.Cursor != 5 || len(res.Records) != 5 {
		t.Errorf("cursor = %d, records = %d, want 5 and 5", res.Cursor, len(res.Records))
	}

	resume, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if resume.State.LastProcessedIndex != 5 || resume.State.TotalRecords != 5 || !resume.State.Interrupted {
		t.Errorf("saved state = %+v", resume.State)
	}
}

func TestRun_InterruptDuringBatchDelay(t *testing.T) {
	store := newFileStore(t)
	cfg := testRunConfig(5, 100)
	cfg.DelayBetweenBatches = 10 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestController(t, newFakeProcessor(), store, cfg, WithProgress(func(Progress) { cancel() }))

	start := time.Now()
	res, err := c.Run(ctx, makeItems(20))
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Run() error = %v, want ErrInterrupted", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("interrupt did not cut the inter-batch delay short")
	}
	if res.Cursor != 5 || c.State() != StateInterrupted {
		t.Errorf("cursor = %d, state = %q", res.Cursor, c.State())
	}
}

func TestRun_InterruptBeforeStart(t *testing.T) {
	store := newFileStore(t)
	proc := newFakeProcessor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newTestController(t, proc, store, testRunConfig(5, 5)).Run(ctx, makeItems(10))
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Run() error = %v, want ErrInterrupted", err)
	}
	if len(proc.batchSizes) != 0 || res.Cursor != 0 {
		t.Errorf("batches = %v, cursor = %d", proc.batchSizes, res.Cursor)
	}
	if len(store.saves) != 1 || !store.saves[0].Interrupted {
		t.Errorf("saves = %+v", store.saves)
	}
}

func TestRun_BatchFailureSavesProgress(t *testing.T) {
	store := newFileStore(t)
	proc := newFakeProcessor()
	boom := errors.New("pool exhausted")
	proc.hook = func(call int, _ []model.WorkItem, records []model.Record) ([]model.Record, error) {
		if call == 2 {
			return nil, boom
		}
		return records, nil
	}

	res, err := newTestController(t, proc, store, testRunConfig(4, 100)).Run(context.Background(), makeItems(12))
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	if errors.Is(err, ErrInterrupted) {
		t.Error("failure must not look like an interrupt")
	}
	if res.State != StateFailed || res.Cursor != 4 {
		t.Errorf("result = %+v", res)
	}

	resume, loadErr := store.Load()
	if loadErr != nil {
		t.Fatalf("Load() error = %v", loadErr)
	}
	if resume.State.LastProcessedIndex != 4 || resume.State.Interrupted || len(resume.Records) != 4 {
		t.Errorf("saved = %+v with %d records", resume.State, len(resume.Records))
	}
}

// A failed final save is reported without hiding the batch error.
func TestRun_BatchFailureWithSaveFailure(t *testing.T) {
	store := newFileStore(t)
	diskFull := errors.New("disk full")
	store.saveErr = diskFull

	proc := newFakeProcessor()
	boom := errors.New("pool exhausted")
	proc.hook = func(int, []model.WorkItem, []model.Record) ([]model.Record, error) {
		return nil, boom
	}

	_, err := newTestController(t, proc, store, testRunConfig(4, 100)).Run(context.Background(), makeItems(8))
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want to match the batch error", err)
	}
	if !errors.Is(err, diskFull) {
		t.Errorf("err = %v, want to match the save error", err)
	}
}

// A failing periodic checkpoint is retried at the next boundary.
func TestRun_CheckpointFailureContinues(t *testing.T) {
	failOnce := true
	store := &failingOnceStore{recordingStore: newFileStore(t), fail: &failOnce}

	res, err := newTestController(t, newFakeProcessor(), store, testRunConfig(5, 5)).Run(context.Background(), makeItems(15))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateCompleted || len(res.Records) != 15 {
		t.Errorf("result = %+v", res)
	}
	if res.Checkpoints != 2 {
		t.Errorf("Checkpoints = %d, want 2 successful of 3 attempts", res.Checkpoints)
	}
}

type failingOnceStore struct {
	*recordingStore
	fail *bool
}

func (s *failingOnceStore) Save(records []model.Record, state model.CheckpointState) error {
	if *s.fail {
		*s.fail = false
		return errors.New("disk full")
	}
	return s.recordingStore.Save(records, state)
}

func TestRun_CorruptCheckpointStartsFresh(t *testing.T) {
	store := newFileStore(t)
	fs := store.Store.(*checkpoint.FileStore)
	if err := os.WriteFile(fs.CheckpointPath(), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	proc := newFakeProcessor()
	res, err := newTestController(t, proc, store, testRunConfig(5, 5)).Run(context.Background(), makeItems(10))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ResumedFrom != 0 || len(res.Records) != 10 {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_CheckpointBeyondInputStartsFresh(t *testing.T) {
	store := newFileStore(t)
	if err := store.Store.Save(nil, model.NewCheckpointState(500, 0, false, time.Now())); err != nil {
		t.Fatal(err)
	}

	res, err := newTestController(t, newFakeProcessor(), store, testRunConfig(5, 5)).Run(context.Background(), makeItems(10))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ResumedFrom != 0 || len(res.Records) != 10 {
		t.Errorf("result = %+v", res)
	}
}

// A checkpoint left at the end of input only needs the final publish.
func TestRun_ResumeAtEnd(t *testing.T) {
	store := newFileStore(t)
	items := makeItems(4)
	first, err := newTestController(t, newFakeProcessor(), newFileStore(t), testRunConfig(2, 2)).Run(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Store.Save(first.Records, model.NewCheckpointState(4, 4, false, time.Now())); err != nil {
		t.Fatal(err)
	}

	proc := newFakeProcessor()
	res, err := newTestController(t, proc, store, testRunConfig(2, 2)).Run(context.Background(), items)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(proc.batchSizes) != 0 || res.State != StateCompleted || len(res.Records) != 4 {
		t.Errorf("batches = %v, result = %+v", proc.batchSizes, res)
	}
}

func TestRun_EmptyInput(t *testing.T) {
	store := newFileStore(t)
	res, err := newTestController(t, newFakeProcessor(), store, testRunConfig(5, 5)).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.State != StateCompleted || len(res.Records) != 0 || store.completed != 1 {
		t.Errorf("result = %+v, completed = %d", res, store.completed)
	}
}

func TestRun_BatchDelay(t *testing.T) {
	cfg := testRunConfig(5, 100)
	cfg.DelayBetweenBatches = 30 * time.Millisecond

	start := time.Now()
	if _, err := newTestController(t, newFakeProcessor(), newFileStore(t), cfg).Run(context.Background(), makeItems(15)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// Two gaps between three batches, none after the last.
	elapsed := time.Since(start)
	if elapsed < 60*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 60ms", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("elapsed = %v, delay applied too often", elapsed)
	}
}

func TestRun_ProgressReports(t *testing.T) {
	var reports []Progress
	c := newTestController(t, newFakeProcessor(), newFileStore(t), testRunConfig(4, 100),
		WithProgress(func(p Progress) { reports = append(reports, p) }))

	if _, err := c.Run(context.Background(), makeItems(10)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("got %d reports, want 3", len(reports))
	}

	last := reports[2]
	if last.Batch != 3 || last.Batches != 3 || last.Cursor != 10 || last.Percent != 100 || last.Records != 10 {
		t.Errorf("last report = %+v", last)
	}
	if math.Abs(reports[0].Percent-40) > 1e-9 {
		t.Errorf("first Percent = %v, want 40", reports[0].Percent)
	}
}
