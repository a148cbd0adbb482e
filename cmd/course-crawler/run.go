package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Sternrassler/course-crawler/pkg/batch"
	"github.com/Sternrassler/course-crawler/pkg/checkpoint"
	"github.com/Sternrassler/course-crawler/pkg/extract"
	"github.com/Sternrassler/course-crawler/pkg/model"
	"github.com/Sternrassler/course-crawler/pkg/pipeline"
	"github.com/spf13/cobra"
)

func newSampleCmd(opts *globalOptions) *cobra.Command {
	var (
		output string
		delay  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sample [limit] [workers]",
		Short: "Process the first items of the input as a single batch",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := intArg(args, 0, 1, 1, "limit")
			if err != nil {
				return err
			}
			workers, err := intArg(args, 1, 3, 1, "workers")
			if err != nil {
				return err
			}

			items, err := model.LoadWorkItems(opts.input)
			if err != nil {
				return err
			}
			total := len(items)
			items = items[:min(limit, total)]

			ctx := cmd.Context()
			serveMetrics(ctx, opts.metricsAddr)
			fetcher, cleanup, err := newFetchClient(ctx, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Processing %d of %d cities with %d workers\n", len(items), total, workers)

			start := time.Now()
			pool := batch.NewPool(fetcher, extract.NewGolfNow())
			records, stats, err := pool.Process(ctx, items, workers, delay)
			// A cut short sample still writes what it got.
			if err != nil && !errors.Is(err, ctx.Err()) {
				return err
			}
			if werr := checkpoint.WriteRecords(output, records); werr != nil {
				return werr
			}

			renderSummary(out, summary{
				Items:       stats.Items,
				Records:     len(records),
				FetchFailed: stats.FetchFailed,
				Elapsed:     time.Since(start),
				Output:      output,
			})
			if err != nil {
				fmt.Fprintln(out, "Sample interrupted before all items were processed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", defaultSampleOutput, "output file")
	cmd.Flags().DurationVar(&delay, "delay", 300*time.Millisecond, "delay before each fetch")
	return cmd
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	var (
		output      string
		itemDelay   time.Duration
		interval    int
		skipConfirm bool
	)

	cmd := &cobra.Command{
		Use:     "run [batch_size] [workers] [batch_delay_seconds]",
		Aliases: []string{"all"},
		Short:   "Process every input item in resumable, checkpointed batches",
		Long: `Process every input item in batches. Progress is checkpointed next to
the output file; an interrupted run (Ctrl+C) saves its progress and the next
invocation resumes from it.

A second Ctrl+C while the interrupted batch drains exits immediately without
saving. The next invocation then resumes from the last saved checkpoint.`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := pipeline.DefaultRunConfig()
			var err error
			if cfg.BatchSize, err = intArg(args, 0, cfg.BatchSize, 1, "batch_size"); err != nil {
				return err
			}
			if cfg.MaxWorkersPerBatch, err = intArg(args, 1, cfg.MaxWorkersPerBatch, 1, "workers"); err != nil {
				return err
			}
			delaySecs, err := intArg(args, 2, int(cfg.DelayBetweenBatches/time.Second), 0, "batch_delay_seconds")
			if err != nil {
				return err
			}
			cfg.DelayBetweenBatches = time.Duration(delaySecs) * time.Second
			cfg.PerItemDelay = itemDelay
			cfg.CheckpointInterval = interval
			if err := cfg.Validate(); err != nil {
				return err
			}

			items, err := model.LoadWorkItems(opts.input)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Items: %d | batch size: %d | workers: %d | batch delay: %v | checkpoint every: %d\n",
				len(items), cfg.BatchSize, cfg.MaxWorkersPerBatch, cfg.DelayBetweenBatches, cfg.CheckpointInterval)
			fmt.Fprintln(out, "Press Ctrl+C at any time to stop and save progress.")
			if !skipConfirm && !confirm(cmd.InOrStdin(), out, "Continue? (y/N): ") {
				fmt.Fprintln(out, "Cancelled")
				return nil
			}

			ctx := cmd.Context()
			serveMetrics(ctx, opts.metricsAddr)
			fetcher, cleanup, err := newFetchClient(ctx, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			store := checkpoint.NewFileStore(output)
			controller, err := pipeline.NewController(
				batch.NewPool(fetcher, extract.NewGolfNow()),
				store,
				cfg,
				pipeline.WithProgress(func(p pipeline.Progress) { printProgress(out, p) }),
			)
			if err != nil {
				return err
			}

			res, err := controller.Run(ctx, items)
			switch {
			case errors.Is(err, pipeline.ErrInterrupted):
				fmt.Fprintf(out, "Interrupted at item %d of %d. Progress saved to %s; run again to resume.\n",
					res.Cursor, res.Total, store.CheckpointPath())
				if saveFailed(err) {
					return err
				}
				return nil
			case err != nil:
				fmt.Fprintf(out, "Run failed at item %d of %d; progress saved to %s\n", res.Cursor, res.Total, output)
				return err
			}

			renderSummary(out, summary{
				Items:       res.Total,
				Records:     len(res.Records),
				Resumed:     res.ResumedFrom,
				Checkpoints: res.Checkpoints,
				Elapsed:     res.Elapsed,
				Output:      output,
			})
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&output, "output", "o", defaultFullRunOutput, "output file; the checkpoint is written next to it")
	f.DurationVar(&itemDelay, "item-delay", 500*time.Millisecond, "delay before each fetch")
	f.IntVar(&interval, "checkpoint-interval", 500, "items between checkpoints")
	f.BoolVarP(&skipConfirm, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

// saveFailed reports whether an interrupt error carries a joined save error.
func saveFailed(err error) bool {
	var joined interface{ Unwrap() []error }
	return errors.As(err, &joined)
}

// confirm reads one line and accepts "y" or "yes".
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func printProgress(w io.Writer, p pipeline.Progress) {
	eta := "n/a"
	if p.HasETA {
		eta = p.ETA.Round(time.Second).String()
	}
	fmt.Fprintf(w, "Batch %d/%d | %d/%d cities (%.1f%%) | %d courses | ETA %s\n",
		p.Batch, p.Batches, p.Cursor, p.Total, p.Percent, p.Records, eta)
}
