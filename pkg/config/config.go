// Package config loads environment-driven configuration for the
// scheduler, worker, and consolidator binaries, plus per-feed YAML
// overrides for heatmap tuning.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FullRunStartDate is used as updated_from when no watermark exists yet
// or a run is explicitly typed "full".
var FullRunStartDate = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Heatmap holds the adaptive scanner tuning constants, overridable per
// feed and per environment.
type Heatmap struct {
	MinPrice               float64 `validate:"gte=0"`
	MaxPrice               float64 `validate:"gtfield=MinPrice"`
	DenseZoneThreshold     float64 `validate:"gt=0"`
	DenseZoneStep          float64 `validate:"gt=0"`
	InitialStep            float64 `validate:"gt=0"`
	TargetRecordsPerChunk  int     `validate:"gt=0"`
	MaxWorkers             int     `validate:"gt=0"`
	MinRecordsPerWorker    int     `validate:"gt=0"`
	Concurrency            int     `validate:"gt=0"`
	UseTwoPass             bool
	CoarseStep             float64
}

// Consolidation holds the run coordinator's partial-success policy.
type Consolidation struct {
	SuccessThreshold float64       `validate:"gt=0,lte=1"`
	Delay            time.Duration `validate:"gte=0"`
}

// Config is the ambient configuration shared by all three binaries.
type Config struct {
	Feed    string `validate:"required"`
	LogJSON bool

	PostgresDSN string `validate:"required"`
	RedisAddr   string
	S3Bucket    string `validate:"required"`
	S3Endpoint  string

	KafkaBrokers []string `validate:"required,min=1"`

	Heatmap       Heatmap
	Consolidation Consolidation

	IncrementalRunSafetyBuffer time.Duration `validate:"gte=0"`
	RunStallThreshold          time.Duration `validate:"gt=0"`
	WorkerPageSize             int           `validate:"gt=0"`
	ProxyTimeout               time.Duration `validate:"gt=0"`

	HealthAddr  string
	MetricsAddr string
}

// feedOverrides is the shape of a per-feed YAML heatmap override file,
// e.g. config/feeds/nivoda.yaml.
type feedOverrides struct {
	Heatmap struct {
		DenseZoneThreshold    *float64 `yaml:"dense_zone_threshold"`
		DenseZoneStep         *float64 `yaml:"dense_zone_step"`
		InitialStep           *float64 `yaml:"initial_step"`
		TargetRecordsPerChunk *int     `yaml:"target_records_per_chunk"`
		CoarseStep            *float64 `yaml:"coarse_step"`
		UseTwoPass            *bool    `yaml:"use_two_pass"`
	} `yaml:"heatmap"`
}

// Load builds a Config from the process environment, applies any
// feed-specific YAML override file, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Feed:        getenv("FEED", "nivoda"),
		LogJSON:     getenvBool("LOG_JSON", true),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),

		KafkaBrokers: splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),

		Heatmap: Heatmap{
			MinPrice:              getenvFloat("HEATMAP_MIN_PRICE", 0),
			MaxPrice:              getenvFloat("HEATMAP_MAX_PRICE", 1_000_000),
			DenseZoneThreshold:    getenvFloat("HEATMAP_DENSE_ZONE_THRESHOLD", 1000),
			DenseZoneStep:         getenvFloat("HEATMAP_DENSE_ZONE_STEP", 10),
			InitialStep:           getenvFloat("HEATMAP_INITIAL_STEP", 500),
			TargetRecordsPerChunk: getenvInt("HEATMAP_TARGET_RECORDS_PER_CHUNK", 1000),
			MaxWorkers:            getenvInt("HEATMAP_MAX_WORKERS", 100),
			MinRecordsPerWorker:   getenvInt("HEATMAP_MIN_RECORDS_PER_WORKER", 500),
			Concurrency:           getenvInt("HEATMAP_CONCURRENCY", 8),
			UseTwoPass:            getenvBool("HEATMAP_USE_TWO_PASS", false),
			CoarseStep:            getenvFloat("HEATMAP_COARSE_STEP", 5000),
		},

		Consolidation: Consolidation{
			SuccessThreshold: getenvFloat("AUTO_CONSOLIDATION_SUCCESS_THRESHOLD", 0.70),
			Delay:            time.Duration(getenvInt("AUTO_CONSOLIDATION_DELAY_MINUTES", 5)) * time.Minute,
		},

		IncrementalRunSafetyBuffer: time.Duration(getenvInt("INCREMENTAL_RUN_SAFETY_BUFFER_MINUTES", 15)) * time.Minute,
		RunStallThreshold:          time.Duration(getenvInt("RUN_STALL_THRESHOLD_MINUTES", 30)) * time.Minute,
		WorkerPageSize:             getenvInt("WORKER_PAGE_SIZE", 200),
		ProxyTimeout:               time.Duration(getenvInt("NIVODA_PROXY_TIMEOUT_MS", 10_000)) * time.Millisecond,

		HealthAddr:  getenv("HEALTH_ADDR", ":8081"),
		MetricsAddr: getenv("METRICS_ADDR", ":9090"),
	}

	if path := os.Getenv("FEED_CONFIG_FILE"); path != "" {
		if err := applyFeedOverrides(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("config: loading feed overrides from %s: %w", path, err)
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

func applyFeedOverrides(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var ov feedOverrides
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		return fmt.Errorf("parsing yaml: %w", err)
	}

	if v := ov.Heatmap.DenseZoneThreshold; v != nil {
		cfg.Heatmap.DenseZoneThreshold = *v
	}
	if v := ov.Heatmap.DenseZoneStep; v != nil {
		cfg.Heatmap.DenseZoneStep = *v
	}
	if v := ov.Heatmap.InitialStep; v != nil {
		cfg.Heatmap.InitialStep = *v
	}
	if v := ov.Heatmap.TargetRecordsPerChunk; v != nil {
		cfg.Heatmap.TargetRecordsPerChunk = *v
	}
	if v := ov.Heatmap.CoarseStep; v != nil {
		cfg.Heatmap.CoarseStep = *v
	}
	if v := ov.Heatmap.UseTwoPass; v != nil {
		cfg.Heatmap.UseTwoPass = *v
	}

	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
