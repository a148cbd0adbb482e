package main

import (
	"time"

	"github.com/Sternrassler/course-crawler/pkg/pipeline"
	"github.com/spf13/cobra"
)

func newEstimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate [total] [batch_size] [workers] [batch_delay_seconds]",
		Short: "Estimate the duration of a full run without fetching anything",
		Args:  cobra.MaximumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			def := pipeline.DefaultRunConfig()

			total, err := intArg(args, 0, 9000, 0, "total")
			if err != nil {
				return err
			}
			batchSize, err := intArg(args, 1, def.BatchSize, 1, "batch_size")
			if err != nil {
				return err
			}
			workers, err := intArg(args, 2, def.MaxWorkersPerBatch, 1, "workers")
			if err != nil {
				return err
			}
			delaySecs, err := intArg(args, 3, int(def.DelayBetweenBatches/time.Second), 0, "batch_delay_seconds")
			if err != nil {
				return err
			}

			delay := time.Duration(delaySecs) * time.Second
			renderEstimate(cmd.OutOrStdout(), pipeline.Estimate(total, batchSize, workers, delay), delay)
			return nil
		},
	}
}
