package main

import (
	"fmt"
	"time"

	"github.com/Sternrassler/course-crawler/pkg/discovery"
	"github.com/Sternrassler/course-crawler/pkg/extract"
	"github.com/Sternrassler/course-crawler/pkg/model"
	"github.com/spf13/cobra"
)

func newDiscoverCmd(opts *globalOptions) *cobra.Command {
	var (
		rootURL string
		limit   int
		delay   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Collect city links from the directory and write the input file",
		Long: `Collect city links from the directory and write the input file.

The input file is written only when discovery completes and finds at least
one city link. An interrupted or empty discovery leaves it unchanged.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			serveMetrics(ctx, opts.metricsAddr)
			fetcher, cleanup, err := newFetchClient(ctx, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			d := discovery.New(fetcher, extract.NewGolfNow(), discovery.Config{
				RootURL:          rootURL,
				DestinationLimit: limit,
				Delay:            delay,
			})
			res, err := d.Discover(ctx)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Destinations: %d found, %d visited, %d failed\n", res.Destinations, res.Visited, res.Failed)

			// The input file only ever holds a complete listing.
			if err != nil {
				return fmt.Errorf("discovery stopped, %s left unchanged: %w", opts.input, err)
			}
			if len(res.Items) == 0 {
				return fmt.Errorf("no city links found, %s left unchanged", opts.input)
			}
			if err := model.SaveWorkItems(opts.input, res.Items); err != nil {
				return err
			}
			fmt.Fprintf(out, "Saved %d city links to %s\n", len(res.Items), opts.input)
			return nil
		},
	}

	cmd.Flags().StringVar(&rootURL, "root-url", getEnv("CRAWLER_BASE_URL", discovery.DefaultRootURL), "directory root page")
	cmd.Flags().IntVar(&limit, "limit", 0, "visit at most this many destinations (0 = all)")
	cmd.Flags().DurationVar(&delay, "delay", time.Second, "delay before each destination fetch")
	return cmd
}
