package main

import (
	"io"
	"strconv"
	"time"

	"github.com/Sternrassler/course-crawler/pkg/pipeline"
	"github.com/jedib0t/go-pretty/v6/table"
)

type summary struct {
	Items       int
	Records     int
	FetchFailed int
	Resumed     int
	Checkpoints int
	Elapsed     time.Duration
	Output      string
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	return t
}

func renderSummary(w io.Writer, s summary) {
	t := newTable(w, "Summary")
	t.AppendRow(table.Row{"Cities processed", s.Items})
	t.AppendRow(table.Row{"Courses found", s.Records})
	if s.FetchFailed > 0 {
		t.AppendRow(table.Row{"Failed fetches", s.FetchFailed})
	}
	if s.Resumed > 0 {
		t.AppendRow(table.Row{"Resumed from item", s.Resumed})
	}
	if s.Checkpoints > 0 {
		t.AppendRow(table.Row{"Checkpoints written", s.Checkpoints})
	}
	t.AppendRow(table.Row{"Elapsed", s.Elapsed.Round(time.Millisecond).String()})
	t.AppendRow(table.Row{"Output", s.Output})
	t.Render()
}

func renderEstimate(w io.Writer, e pipeline.RunEstimate, batchDelay time.Duration) {
	t := newTable(w, "Processing time estimate")
	t.AppendRow(table.Row{"Total cities", strconv.Itoa(e.TotalItems)})
	t.AppendRow(table.Row{"Batch size", strconv.Itoa(e.BatchSize)})
	t.AppendRow(table.Row{"Workers per batch", strconv.Itoa(e.Workers)})
	t.AppendRow(table.Row{"Batches needed", strconv.Itoa(e.Batches)})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Time per batch", e.PerBatch.String()})
	t.AppendRow(table.Row{"Processing time", e.ProcessingTime.String()})
	t.AppendRow(table.Row{"Delay between batches", batchDelay.String()})
	t.AppendRow(table.Row{"Total delay", e.DelayTime.String()})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Estimated total", e.Total.String()})
	t.SetCaption("Rough estimate; actual time varies with the remote site.")
	t.Render()
}
