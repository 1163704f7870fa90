// Command scheduler runs one scheduler invocation (§4.5): it resolves
// the run window from the persisted watermark, scans the feed's price
// range, partitions it, records a new run, and enqueues the initial
// work items, then exits.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/nivoda/diamond-ingest/pkg/bus/kgobus"
	"github.com/nivoda/diamond-ingest/pkg/bus/outbox"
	"github.com/nivoda/diamond-ingest/pkg/cache"
	"github.com/nivoda/diamond-ingest/pkg/config"
	"github.com/nivoda/diamond-ingest/pkg/feed"
	"github.com/nivoda/diamond-ingest/pkg/feed/nivodafeed"
	"github.com/nivoda/diamond-ingest/pkg/health"
	"github.com/nivoda/diamond-ingest/pkg/log"
	"github.com/nivoda/diamond-ingest/pkg/metrics"
	"github.com/nivoda/diamond-ingest/pkg/model"
	"github.com/nivoda/diamond-ingest/pkg/notify"
	"github.com/nivoda/diamond-ingest/pkg/ratelimiter"
	"github.com/nivoda/diamond-ingest/pkg/scheduler"
	"github.com/nivoda/diamond-ingest/pkg/store/pg"
	"github.com/nivoda/diamond-ingest/pkg/store/watermark"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var runTypeFlag string

var rootCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Schedule one diamond feed ingestion run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	rootCmd.Flags().StringVar(&runTypeFlag, "run-type", "", "Override the watermark-derived run type: full or incremental")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("scheduler: loading config: %w", err)
	}

	var runType *model.RunType
	if runTypeFlag != "" {
		rt := model.RunType(runTypeFlag)
		runType = &rt
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("scheduler: connecting to postgres: %w", err)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: loading aws config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
		}
	})

	outboxStore, err := outbox.Open(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("scheduler: opening outbox: %w", err)
	}
	defer outboxStore.Close()

	gateway, err := kgobus.New(kgobus.Config{
		Brokers: cfg.KafkaBrokers,
		GroupID: "scheduler",
	}, outboxStore)
	if err != nil {
		return fmt.Errorf("scheduler: connecting to kafka: %w", err)
	}
	defer gateway.Close()

	adapter := nivodafeed.New(os.Getenv("NIVODA_BASE_URL"), os.Getenv("NIVODA_API_KEY"), cfg.ProxyTimeout, cfg.WorkerPageSize)
	registry := feed.NewRegistry(adapter)

	limiter := ratelimiter.New(cfg.Feed, ratelimiter.Config{
		MaxRequestsPerWindow: 2,
		Window:               100 * time.Millisecond,
		MaxWait:              10 * time.Second,
	})
	defer limiter.Destroy()

	var countCache cache.CountCache
	if cfg.RedisAddr != "" {
		rc := cache.NewRedisCache(cfg.RedisAddr, 5*time.Minute)
		defer rc.Close()
		countCache = rc
	}

	sched := &scheduler.Scheduler{
		Feeds:      registry,
		Watermarks: watermark.New(s3Client, cfg.S3Bucket),
		Runs:       pg.NewRunStore(pool),
		Bus:        gateway,
		Notify:     notify.LogSink{},
		Limiter:    limiter,
		Cache:      countCache,
		Cfg:        cfg,
	}

	healthSrv := health.NewServer(health.DefaultConfig())
	pgStatus := healthSrv.Register("postgres")
	go health.RunChecker(ctx, health.DefaultConfig(), pgStatus, pgPingChecker{pool: pool})
	kafkaStatus := healthSrv.Register("kafka")
	go health.RunChecker(ctx, health.DefaultConfig(), kafkaStatus, health.NewTCPChecker(cfg.KafkaBrokers[0]))
	go serveUntilCanceled(ctx, cfg.HealthAddr, healthSrv.Handler())
	go serveUntilCanceled(ctx, cfg.MetricsAddr, metrics.Handler())

	if err := sched.Run(ctx, runType); err != nil {
		return fmt.Errorf("scheduler: run failed: %w", err)
	}
	return nil
}

// pgPingChecker reports Postgres reachability via the pool's own ping,
// rather than a bare TCP dial, so a database that accepts connections
// but rejects auth still reads as unready.
type pgPingChecker struct {
	pool *pgxpool.Pool
}

func (c pgPingChecker) Check(ctx context.Context) health.Result {
	start := time.Now()
	if err := c.pool.Ping(ctx); err != nil {
		return health.Result{Healthy: false, Message: err.Error(), CheckedAt: start, Duration: time.Since(start)}
	}
	return health.Result{Healthy: true, Message: "postgres reachable", CheckedAt: start, Duration: time.Since(start)}
}

func (c pgPingChecker) Type() health.CheckType { return health.CheckTypeTCP }

// serveUntilCanceled runs srv until ctx is canceled. Even a short-lived
// batch invocation keeps this open for the duration of its run so a
// mid-run scrape or sidecar push-gateway pattern can observe it.
func serveUntilCanceled(ctx context.Context, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Logger.Error().Err(err).Str("addr", addr).Msg("http server stopped")
	}
}
