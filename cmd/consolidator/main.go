// Command consolidator consumes consolidate messages, folding a feed's
// unconsolidated raw rows into the diamonds table (§4.11) and advancing
// the feed's watermark once a run's consolidation completes.
package main

import (
	"context"
	"encoding/json"
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

	"github.com/nivoda/diamond-ingest/pkg/bus"
	"github.com/nivoda/diamond-ingest/pkg/bus/kgobus"
	"github.com/nivoda/diamond-ingest/pkg/bus/outbox"
	"github.com/nivoda/diamond-ingest/pkg/config"
	"github.com/nivoda/diamond-ingest/pkg/consolidator"
	"github.com/nivoda/diamond-ingest/pkg/feed/nivodafeed"
	"github.com/nivoda/diamond-ingest/pkg/health"
	"github.com/nivoda/diamond-ingest/pkg/log"
	"github.com/nivoda/diamond-ingest/pkg/metrics"
	"github.com/nivoda/diamond-ingest/pkg/model"
	"github.com/nivoda/diamond-ingest/pkg/notify"
	"github.com/nivoda/diamond-ingest/pkg/store/pg"
	"github.com/nivoda/diamond-ingest/pkg/store/watermark"
)

const (
	outboxPollInterval = time.Second
	outboxBatchSize    = 100
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "consolidator",
	Short: "Consume consolidate messages and normalize raw rows into diamonds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// nivodaPayload mirrors the JSON shape nivodafeed.Adapter writes into
// RawRecord.Payload, decoded here rather than imported since the
// adapter's item type is private to its own pagination concerns.
type nivodaPayload struct {
	ID        string    `json:"id"`
	OfferID   string    `json:"offer_id"`
	Price     float64   `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}

func normalize(raw model.RawRecord) (model.Diamond, error) {
	var p nivodaPayload
	if err := json.Unmarshal(raw.Payload, &p); err != nil {
		return model.Diamond{}, fmt.Errorf("decoding raw payload for %s: %w", raw.SupplierStoneID, err)
	}
	return model.Diamond{
		Feed:            raw.Feed,
		SupplierStoneID: raw.SupplierStoneID,
		OfferID:         raw.OfferID,
		Payload:         raw.Payload,
		SourceUpdatedAt: raw.SourceUpdatedAt,
		FeedPrice:       p.Price,
		Status:          "active",
	}, nil
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
		return fmt.Errorf("consolidator: loading config: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("consolidator: connecting to postgres: %w", err)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("consolidator: loading aws config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
		}
	})

	outboxStore, err := outbox.Open(cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("consolidator: opening outbox: %w", err)
	}
	defer outboxStore.Close()

	gateway, err := kgobus.New(kgobus.Config{
		Brokers: cfg.KafkaBrokers,
		GroupID: "consolidator-" + cfg.Feed,
		Topics:  []bus.Topic{bus.TopicConsolidate},
	}, outboxStore)
	if err != nil {
		return fmt.Errorf("consolidator: connecting to kafka: %w", err)
	}
	defer gateway.Close()

	dispatcher := outbox.NewDispatcher(outboxStore, func(ctx context.Context, topic, key string, value []byte) error {
		return gateway.Send(ctx, bus.Topic(topic), key, value)
	}, outboxPollInterval, outboxBatchSize)
	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			log.Logger.Error().Err(err).Msg("outbox dispatcher stopped")
		}
	}()

	rawTable := nivodafeed.New("", "", 0, 0).RawTableName()

	c := &consolidator.Consolidator{
		Feed:       cfg.Feed,
		RawTable:   rawTable,
		Runs:       pg.NewRunStore(pool),
		Watermarks: watermark.New(s3Client, cfg.S3Bucket),
		Raw:        pg.NewRawStore(pool),
		Diamonds:   pg.NewDiamondStore(pool),
		Normalize:  normalize,
		Notify:     notify.LogSink{},
	}

	healthSrv := health.NewServer(health.DefaultConfig())
	pgStatus := healthSrv.Register("postgres")
	go health.RunChecker(ctx, health.DefaultConfig(), pgStatus, pgPingChecker{pool: pool})
	kafkaStatus := healthSrv.Register("kafka")
	go health.RunChecker(ctx, health.DefaultConfig(), kafkaStatus, health.NewTCPChecker(cfg.KafkaBrokers[0]))
	go serveUntilCanceled(ctx, cfg.HealthAddr, healthSrv.Handler())
	go serveUntilCanceled(ctx, cfg.MetricsAddr, metrics.Handler())

	logger := log.WithComponent("consolidator")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("consolidator stopping")
			return nil
		default:
		}

		msg, err := gateway.Receive(ctx, bus.TopicConsolidate)
		if err != nil {
			logger.Error().Err(err).Msg("receive failed")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if msg == nil {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		consolidateMsg, err := consolidator.DecodeMessage(msg.Value)
		if err != nil {
			logger.Error().Err(err).Msg("dropping malformed consolidate message")
			_ = msg.Complete(ctx)
			continue
		}

		if err := c.Handle(ctx, consolidateMsg); err != nil {
			logger.Error().Err(err).Str("run_id", consolidateMsg.RunID).Msg("consolidation failed")
			_ = msg.Abandon(ctx)
			continue
		}
		_ = msg.Complete(ctx)
	}
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
