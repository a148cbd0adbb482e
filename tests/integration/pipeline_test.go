//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/course-crawler/internal/testutil"
	"github.com/Sternrassler/course-crawler/pkg/batch"
	"github.com/Sternrassler/course-crawler/pkg/checkpoint"
	"github.com/Sternrassler/course-crawler/pkg/client"
	"github.com/Sternrassler/course-crawler/pkg/discovery"
	"github.com/Sternrassler/course-crawler/pkg/extract"
	"github.com/Sternrassler/course-crawler/pkg/model"
	"github.com/Sternrassler/course-crawler/pkg/pipeline"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// setupDirectory serves a root page, two destinations and cityCount cities
// split between them.
func setupDirectory(t *testing.T, cityCount int) *testutil.MockSite {
	t.Helper()
	site := testutil.NewMockSite()
	t.Cleanup(site.Close)

	dests := map[string]map[string]string{"Arizona": {}, "Florida": {}}
	for i := 0; i < cityCount; i++ {
		dest := "Arizona"
		if i%2 == 1 {
			dest = "Florida"
		}
		path := fmt.Sprintf("/city/%02d", i)
		dests[dest][fmt.Sprintf("City %02d", i)] = path
		site.SetPage(path, testutil.CityPageHTML(
			testutil.Course{Name: fmt.Sprintf("Course %02d-A", i), Address: fmt.Sprintf("%d Fairway Dr<br>Town %02d", i+1, i)},
			testutil.Course{Name: fmt.Sprintf("Course %02d-B", i)},
		))
	}

	site.SetPage("/course-directory/us", testutil.DirectoryPageHTML(map[string]string{
		"Arizona": "/course-directory/us/az",
		"Florida": "/course-directory/us/fl",
	}))
	site.SetPage("/course-directory/us/az", testutil.DestinationPageHTML(dests["Arizona"]))
	site.SetPage("/course-directory/us/fl", testutil.DestinationPageHTML(dests["Florida"]))
	return site
}

func newClient(t *testing.T, rdb *redis.Client) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Redis:          rdb,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func discover(t *testing.T, c *client.Client, site *testutil.MockSite) []model.WorkItem {
	t.Helper()
	res, err := discovery.New(c, extract.NewGolfNow(), discovery.Config{
		RootURL: site.PageURL("/course-directory/us"),
	}).Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	return res.Items
}

func runConfig() pipeline.RunConfig {
	return pipeline.RunConfig{
		BatchSize:          4,
		MaxWorkersPerBatch: 3,
		CheckpointInterval: 4,
	}
}

// TestDiscoverThenRun covers the full flow: discovery → input artifact → run.
func TestDiscoverThenRun(t *testing.T) {
	site := setupDirectory(t, 10)
	c := newClient(t, nil)

	items := discover(t, c, site)
	if len(items) != 10 {
		t.Fatalf("discovered %d items, want 10", len(items))
	}

	input := filepath.Join(t.TempDir(), "all_city_links.json")
	if err := model.SaveWorkItems(input, items); err != nil {
		t.Fatal(err)
	}
	loaded, err := model.LoadWorkItems(input)
	if err != nil {
		t.Fatal(err)
	}

	store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "all_course_details.json"))
	ctrl, err := pipeline.NewController(batch.NewPool(c, extract.NewGolfNow()), store, runConfig())
	if err != nil {
		t.Fatal(err)
	}

	res, err := ctrl.Run(context.Background(), loaded)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Records) != 20 {
		t.Errorf("got %d records, want 20", len(res.Records))
	}

	out, err := checkpoint.ReadRecords(store.OutputPath())
	if err != nil || len(out) != 20 {
		t.Fatalf("output = %d records, %v", len(out), err)
	}
	for _, r := range out {
		if r.Destination != "Arizona" && r.Destination != "Florida" {
			t.Errorf("record %q has destination %q", r.CourseName, r.Destination)
		}
	}
}

// TestInterruptAndResume stops after the first checkpoint and resumes with
// a fresh controller; every city is fetched exactly once.
func TestInterruptAndResume(t *testing.T) {
	site := setupDirectory(t, 10)
	c := newClient(t, nil)
	items := discover(t, c, site)
	site.Reset()

	output := filepath.Join(t.TempDir(), "all_course_details.json")
	pool := batch.NewPool(c, extract.NewGolfNow())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first, err := pipeline.NewController(pool, checkpoint.NewFileStore(output), runConfig(),
		pipeline.WithProgress(func(pipeline.Progress) { cancel() }))
	if err != nil {
		t.Fatal(err)
	}

	res, err := first.Run(ctx, items)
	if !errors.Is(err, pipeline.ErrInterrupted) {
		t.Fatalf("first Run() error = %v, want ErrInterrupted", err)
	}
	if res.Cursor != 4 {
		t.Errorf("interrupted at %d, want 4", res.Cursor)
	}

	second, err := pipeline.NewController(pool, checkpoint.NewFileStore(output), runConfig())
	if err != nil {
		t.Fatal(err)
	}
	res, err = second.Run(context.Background(), items)
	if err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	if res.ResumedFrom != 4 || len(res.Records) != 20 {
		t.Errorf("resumed result = %+v", res)
	}

	for path, n := range site.PathCounts() {
		if n != 1 {
			t.Errorf("%s fetched %d times, want 1", path, n)
		}
	}
}

// TestPartialFailureIsolation keeps the run going when some cities fail.
func TestPartialFailureIsolation(t *testing.T) {
	site := setupDirectory(t, 6)
	c := newClient(t, nil)
	items := discover(t, c, site)

	site.SetResponse("/city/01", testutil.NewNotFoundResponse())
	site.SetResponse("/city/02", testutil.NewServerErrorResponse())
	site.SetSequence("/city/03", testutil.NewRateLimitResponse(0), testutil.NewPageResponse(
		testutil.CityPageHTML(testutil.Course{Name: "Recovered Course"}),
	))

	store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "out.json"))
	ctrl, err := pipeline.NewController(batch.NewPool(c, extract.NewGolfNow()), store, runConfig())
	if err != nil {
		t.Fatal(err)
	}

	res, err := ctrl.Run(context.Background(), items)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// Six cities with two courses each, minus two failures, and city 03 has one.
	if len(res.Records) != 7 {
		t.Errorf("got %d records, want 7", len(res.Records))
	}
	if n := site.PathCount("/city/02"); n != 3 {
		t.Errorf("/city/02 fetched %d times, want 3 attempts", n)
	}
	if n := site.PathCount("/city/01"); n != 1 {
		t.Errorf("/city/01 fetched %d times, want 1 (no retry on 404)", n)
	}
}

// TestPageCacheAcrossRuns serves a repeated run from Redis.
func TestPageCacheAcrossRuns(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	site := setupDirectory(t, 6)
	c := newClient(t, redisClient)
	items := discover(t, c, site)
	pool := batch.NewPool(c, extract.NewGolfNow())

	for run := 1; run <= 2; run++ {
		site.Reset()
		store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), fmt.Sprintf("run%d.json", run)))
		ctrl, err := pipeline.NewController(pool, store, runConfig())
		if err != nil {
			t.Fatal(err)
		}
		res, err := ctrl.Run(context.Background(), items)
		if err != nil {
			t.Fatalf("run %d error = %v", run, err)
		}
		if len(res.Records) != 12 {
			t.Errorf("run %d: got %d records, want 12", run, len(res.Records))
		}

		want := 6
		if run == 2 {
			want = 0
		}
		if got := site.RequestCount(); got != want {
			t.Errorf("run %d: site requests = %d, want %d", run, got, want)
		}
	}
}
