package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Sternrassler/course-crawler/pkg/client"
	"github.com/Sternrassler/course-crawler/pkg/logging"
	"github.com/Sternrassler/course-crawler/pkg/metrics"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Default artifact paths.
const (
	defaultInputFile      = "all_city_links.json"
	defaultSampleOutput   = "course_details.json"
	defaultFullRunOutput  = "all_course_details.json"
	defaultRedisPingLimit = 5 * time.Second
)

// globalOptions are shared by every command. Defaults come from the
// environment so a .env file can configure a deployment.
type globalOptions struct {
	input       string
	logLevel    string
	logPretty   bool
	redisURL    string
	userAgent   string
	metricsAddr string
	timeout     time.Duration
	rps         float64
}

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	releaseOnDone(ctx, stop)

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// releaseOnDone calls stop once ctx is done. The first signal cancels ctx;
// after stop the default handlers are back and a second signal kills the
// process.
func releaseOnDone(ctx context.Context, stop context.CancelFunc) {
	go func() {
		<-ctx.Done()
		stop()
	}()
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "course-crawler",
		Short:         "Resumable batch crawler for golf course directory pages",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Setup(logging.Config{
				Level:  logging.ParseLevel(opts.logLevel),
				Pretty: opts.logPretty,
				Output: cmd.ErrOrStderr(),
			})
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.input, "input", getEnv("CRAWLER_INPUT", defaultInputFile), "input artifact with city links")
	flags.StringVar(&opts.logLevel, "log-level", getEnv("CRAWLER_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flags.BoolVar(&opts.logPretty, "log-pretty", getEnvBool("CRAWLER_LOG_PRETTY", false), "human readable log output")
	flags.StringVar(&opts.redisURL, "redis-url", getEnv("CRAWLER_REDIS_URL", ""), "Redis URL for the page cache (disabled when empty)")
	flags.StringVar(&opts.userAgent, "user-agent", getEnv("CRAWLER_USER_AGENT", client.DefaultUserAgent), "User-Agent header")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", getEnv("CRAWLER_METRICS_ADDR", ""), "serve Prometheus metrics on this address")
	flags.DurationVar(&opts.timeout, "timeout", 15*time.Second, "timeout per fetch attempt")
	flags.Float64Var(&opts.rps, "rps", 0, "max requests per second (0 = unlimited)")

	root.AddCommand(
		newSampleCmd(opts),
		newRunCmd(opts),
		newEstimateCmd(),
		newDiscoverCmd(opts),
	)
	return root
}

// newFetchClient builds the shared fetch client, with the page cache when a
// Redis URL is configured. The returned cleanup closes both.
func newFetchClient(ctx context.Context, opts *globalOptions) (*client.Client, func(), error) {
	cfg := client.DefaultConfig()
	cfg.UserAgent = opts.userAgent
	cfg.Timeout = opts.timeout
	cfg.RequestsPerSecond = opts.rps

	var rdb *redis.Client
	if opts.redisURL != "" {
		redisOpts, err := redis.ParseURL(opts.redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(redisOpts)

		pingCtx, cancel := context.WithTimeout(ctx, defaultRedisPingLimit)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		log.Info().Str("addr", redisOpts.Addr).Int("db", redisOpts.DB).Msg("Page cache enabled")
		cfg.Redis = rdb
	}

	c, err := client.New(cfg)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		return nil, nil, fmt.Errorf("create fetch client: %w", err)
	}

	cleanup := func() {
		c.Close()
		if rdb != nil {
			rdb.Close()
		}
	}
	return c, cleanup, nil
}

// serveMetrics runs the metrics endpoint for the lifetime of ctx.
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, addr); err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics endpoint failed")
		}
	}()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// intArg returns args[i] as an int of at least lowest, or def when absent.
func intArg(args []string, i, def, lowest int, name string) (int, error) {
	if len(args) <= i {
		return def, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n < lowest {
		return 0, fmt.Errorf("%s must be an integer >= %d (got %q)", name, lowest, args[i])
	}
	return n, nil
}
