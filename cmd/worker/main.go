// Command worker runs the per-page work-item state machine (§4.6) as a
// long-lived process, polling work_items until terminated. It also
// exposes a reset-partition subcommand wrapping
// PartitionProgressStore.ResetForRetry for operator-driven retries.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/nivoda/diamond-ingest/pkg/bus"
	"github.com/nivoda/diamond-ingest/pkg/bus/kgobus"
	"github.com/nivoda/diamond-ingest/pkg/bus/outbox"
	"github.com/nivoda/diamond-ingest/pkg/config"
	"github.com/nivoda/diamond-ingest/pkg/coordinator"
	"github.com/nivoda/diamond-ingest/pkg/feed"
	"github.com/nivoda/diamond-ingest/pkg/feed/nivodafeed"
	"github.com/nivoda/diamond-ingest/pkg/health"
	"github.com/nivoda/diamond-ingest/pkg/log"
	"github.com/nivoda/diamond-ingest/pkg/metrics"
	"github.com/nivoda/diamond-ingest/pkg/notify"
	"github.com/nivoda/diamond-ingest/pkg/ratelimiter"
	"github.com/nivoda/diamond-ingest/pkg/store/pg"
	"github.com/nivoda/diamond-ingest/pkg/worker"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process diamond feed ingestion work items",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var resetPartitionCmd = &cobra.Command{
	Use:   "reset-partition RUN_ID PARTITION_ID",
	Short: "Clear a failed partition's terminal flag so it can be retried",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resetPartition(cmd.Context(), args[0], args[1])
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(resetPartitionCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func resetPartition(ctx context.Context, runID, partitionID string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("worker: loading config: %w", err)
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("worker: connecting to postgres: %w", err)
	}
	defer pool.Close()

	progress := pg.NewPartitionProgressStore(pool)
	if err := progress.ResetForRetry(ctx, runID, partitionID); err != nil {
		return fmt.Errorf("worker: resetting partition %s/%s: %w", runID, partitionID, err)
	}
	fmt.Printf("partition %s/%s reset for retry\n", runID, partitionID)
	return nil
}

func run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Logger.Info().Msg("shutdown signal received, draining in-flight page")
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("worker: loading config: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("worker: connecting to postgres: %w", err)
	}
	defer pool.Close()

	outboxStore, err := outbox.Open(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("worker: opening outbox: %w", err)
	}
	defer outboxStore.Close()

	gateway, err := kgobus.New(kgobus.Config{
		Brokers: cfg.KafkaBrokers,
		GroupID: "worker-" + cfg.Feed,
		Topics:  []bus.Topic{bus.TopicWorkItems},
	}, outboxStore)
	if err != nil {
		return fmt.Errorf("worker: connecting to kafka: %w", err)
	}
	defer gateway.Close()

	adapter := nivodafeed.New(os.Getenv("NIVODA_BASE_URL"), os.Getenv("NIVODA_API_KEY"), cfg.ProxyTimeout, cfg.WorkerPageSize)
	registry := feed.NewRegistry(adapter)
	a, ok := registry.Get(cfg.Feed)
	if !ok {
		return fmt.Errorf("worker: no adapter registered for feed %q", cfg.Feed)
	}

	limiter := ratelimiter.New(cfg.Feed, ratelimiter.Config{
		MaxRequestsPerWindow: 2,
		Window:               100 * time.Millisecond,
		MaxWait:              10 * time.Second,
	})
	defer limiter.Destroy()

	runs := pg.NewRunStore(pool)
	progress := pg.NewPartitionProgressStore(pool)
	workerRuns := pg.NewWorkerRunStore(pool)
	raw := pg.NewRawStore(pool)

	coord := coordinator.New(runs, progress, workerRuns, gateway, notify.LogSink{}, cfg.Consolidation, cfg.RunStallThreshold)

	w := &worker.Worker{
		ID:          uuid.NewString(),
		Adapter:     a,
		Limiter:     limiter,
		Bus:         gateway,
		Runs:        runs,
		Progress:    progress,
		WorkerRuns:  workerRuns,
		Raw:         raw,
		Coordinator: coord,
	}

	healthSrv := health.NewServer(health.DefaultConfig())
	pgStatus := healthSrv.Register("postgres")
	go health.RunChecker(ctx, health.DefaultConfig(), pgStatus, pgPingChecker{pool: pool})
	kafkaStatus := healthSrv.Register("kafka")
	go health.RunChecker(ctx, health.DefaultConfig(), kafkaStatus, health.NewTCPChecker(cfg.KafkaBrokers[0]))
	go serveUntilCanceled(ctx, cfg.HealthAddr, healthSrv.Handler())
	go serveUntilCanceled(ctx, cfg.MetricsAddr, metrics.Handler())

	return w.Run(ctx)
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
