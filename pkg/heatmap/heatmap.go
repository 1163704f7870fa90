// Package heatmap implements the adaptive density-map scanner: it walks
// a price range as a sequence of half-open subranges, adapting its step
// size to local density, and produces the DensityChunk list the
// partitioner turns into balanced work units.
package heatmap

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/nivoda/diamond-ingest/pkg/cache"
	"github.com/nivoda/diamond-ingest/pkg/config"
	"github.com/nivoda/diamond-ingest/pkg/feed"
	"github.com/nivoda/diamond-ingest/pkg/log"
	"github.com/nivoda/diamond-ingest/pkg/metrics"
	"github.com/nivoda/diamond-ingest/pkg/model"
	"github.com/nivoda/diamond-ingest/pkg/ratelimiter"
	"github.com/nivoda/diamond-ingest/pkg/resilience"
)

// ErrScanAborted is surfaced when a count() call fails non-recoverably
// partway through a scan.
var ErrScanAborted = errors.New("heatmap: scan aborted")

const (
	sparseGrowthFactor = 5
	sparseStepCap      = 100_000
	sparseStepFloor    = 2 // multiplied by dense_zone_step
)

// priceGranularity is subtracted from the exclusive upper bound when
// querying the supplier's inclusive-range API, per feed.
const priceGranularity = 0.01

// pricer narrows an adapter's base query to a price sub-range.
type pricer interface {
	WithPriceRange(min, max float64) feed.Query
}

// Scanner walks [min_price, max_price) through a feed adapter, via the
// rate limiter, and assembles a density map.
type Scanner struct {
	adapter feed.Adapter
	limiter *ratelimiter.Limiter
	cfg     config.Heatmap
	cache   cache.CountCache
}

// New builds a Scanner for one adapter.
func New(adapter feed.Adapter, limiter *ratelimiter.Limiter, cfg config.Heatmap) *Scanner {
	return &Scanner{adapter: adapter, limiter: limiter, cfg: cfg}
}

// WithCache attaches an optional count cache; nil disables it (the
// zero-value Scanner already behaves this way).
func (s *Scanner) WithCache(c cache.CountCache) *Scanner {
	s.cache = c
	return s
}

// Scan walks the configured range and returns the assembled density map.
func (s *Scanner) Scan(ctx context.Context, base feed.Query) (model.ScanResult, error) {
	logger := log.WithComponent("heatmap")
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ScanDuration, s.adapter.FeedID())

	stats := model.ScanStats{}

	var chunks []model.DensityChunk
	var err error
	if s.cfg.UseTwoPass {
		chunks, err = s.twoPassScan(ctx, base, &stats)
	} else {
		chunks, err = s.singlePassScan(ctx, base, s.cfg.MinPrice, s.cfg.MaxPrice, &stats)
	}
	if err != nil {
		return model.ScanResult{}, fmt.Errorf("%w: %w", ErrScanAborted, err)
	}

	stats.ScanDuration = timer.Duration()
	stats.UsedTwoPass = s.cfg.UseTwoPass

	var total int64
	for _, c := range chunks {
		total += c.Count
	}

	logger.Info().Str("feed", s.adapter.FeedID()).Int64("total_records", total).
		Int("api_calls", stats.APICalls).Int("non_empty_ranges", stats.NonEmptyRanges).
		Msg("heatmap scan complete")

	return model.ScanResult{DensityMap: chunks, TotalRecords: total, Stats: stats}, nil
}

// singlePassScan walks [lo, hi) as a sequence of batches. Each batch
// issues up to cfg.Concurrency count() calls in parallel using a
// uniform step size, preserving interval continuity: batch N+1 always
// starts at the exclusive upper bound of batch N. The step is adapted
// once per batch, from the last chunk's observed count, for use by the
// following batch.
func (s *Scanner) singlePassScan(ctx context.Context, base feed.Query, lo, hi float64, stats *model.ScanStats) ([]model.DensityChunk, error) {
	var chunks []model.DensityChunk
	cur := lo
	step := s.stepFor(lo)

	for cur < hi {
		windows := s.planBatch(cur, hi, step, s.cfg.Concurrency)
		if len(windows) == 0 {
			break
		}

		batch, err := s.scanWindowsConcurrently(ctx, base, windows, stats)
		if err != nil {
			return nil, err
		}

		for _, c := range batch {
			stats.RangesScanned++
			if c.Count > 0 {
				stats.NonEmptyRanges++
				chunks = append(chunks, c)
			}
			cur = c.Max
		}

		last := batch[len(batch)-1]
		step = s.nextStep(cur, step, last.Count)
	}

	return chunks, nil
}

// planBatch computes up to n consecutive half-open windows of size step
// starting at cur, stopping at hi.
func (s *Scanner) planBatch(cur, hi, step float64, n int) [][2]float64 {
	windows := make([][2]float64, 0, n)
	for len(windows) < n && cur < hi {
		max := math.Min(cur+step, hi)
		windows = append(windows, [2]float64{cur, max})
		cur = max
	}
	return windows
}

// scanWindowsConcurrently issues one rate-limited, retried count() call
// per window, in parallel, and returns chunks in window order.
func (s *Scanner) scanWindowsConcurrently(ctx context.Context, base feed.Query, windows [][2]float64, stats *model.ScanStats) ([]model.DensityChunk, error) {
	chunks := make([]model.DensityChunk, len(windows))
	errs := make([]error, len(windows))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i, w := range windows {
		wg.Add(1)
		go func(i int, min, max float64) {
			defer wg.Done()
			count, err := s.countRange(ctx, base, min, max, stats, &mu)
			if err != nil {
				errs[i] = err
				return
			}
			chunks[i] = model.DensityChunk{Min: min, Max: max, Count: count}
		}(i, w[0], w[1])
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return chunks, nil
}

// stepFor returns the seed step for a batch starting at price.
func (s *Scanner) stepFor(price float64) float64 {
	if price < s.cfg.DenseZoneThreshold {
		return s.cfg.DenseZoneStep
	}
	return s.cfg.InitialStep
}

// nextStep applies the dense/sparse adaptation rule for the batch
// starting at cur, given the previous batch's last observed count.
func (s *Scanner) nextStep(cur, prevStep float64, lastCount int64) float64 {
	if cur < s.cfg.DenseZoneThreshold {
		return s.cfg.DenseZoneStep
	}
	if lastCount == 0 {
		return math.Min(prevStep*sparseGrowthFactor, sparseStepCap)
	}
	lower := sparseStepFloor * s.cfg.DenseZoneStep
	return clamp(math.Floor(prevStep*float64(s.cfg.TargetRecordsPerChunk)/float64(lastCount)), lower, 50_000)
}

func (s *Scanner) countRange(ctx context.Context, base feed.Query, min, max float64, stats *model.ScanStats, mu *sync.Mutex) (int64, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, s.adapter.FeedID(), min, max); ok {
			return cached, nil
		}
	}

	q := base.(pricer).WithPriceRange(min, math.Max(min, max-priceGranularity))

	var count int64
	err := resilience.WithRetry(ctx, resilience.DefaultRetryConfig, func(ctx context.Context) error {
		if err := s.limiter.Acquire(ctx); err != nil {
			return err
		}
		n, err := s.adapter.Count(ctx, q)
		if err != nil {
			return err
		}
		count = n
		return nil
	})

	mu.Lock()
	stats.APICalls++
	mu.Unlock()
	metrics.ScanAPICallsTotal.WithLabelValues(s.adapter.FeedID()).Inc()

	if err == nil && s.cache != nil {
		s.cache.Set(ctx, s.adapter.FeedID(), min, max, count)
	}
	return count, err
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// twoPassScan implements the optional variant for very large sparse
// spaces: a coarse pass to find dense regions, binary-search refinement
// of each region's boundaries, then a fine adaptive scan of each region.
func (s *Scanner) twoPassScan(ctx context.Context, base feed.Query, stats *model.ScanStats) ([]model.DensityChunk, error) {
	regions, err := s.coarsePass(ctx, base, stats)
	if err != nil {
		return nil, err
	}

	var all []model.DensityChunk
	for _, r := range regions {
		refined, err := s.refineRegion(ctx, base, r, stats)
		if err != nil {
			return nil, err
		}
		fine, err := s.singlePassScan(ctx, base, refined.Min, refined.Max, stats)
		if err != nil {
			return nil, err
		}
		all = append(all, fine...)
	}
	return all, nil
}

// coarsePass scans with coarse_step and collapses contiguous non-empty
// coarse chunks into candidate dense regions.
func (s *Scanner) coarsePass(ctx context.Context, base feed.Query, stats *model.ScanStats) ([]model.DensityChunk, error) {
	var mu sync.Mutex
	var regions []model.DensityChunk
	var open *model.DensityChunk

	for cur := s.cfg.MinPrice; cur < s.cfg.MaxPrice; cur += s.cfg.CoarseStep {
		max := math.Min(cur+s.cfg.CoarseStep, s.cfg.MaxPrice)
		count, err := s.countRange(ctx, base, cur, max, stats, &mu)
		if err != nil {
			return nil, err
		}
		stats.RangesScanned++

		if count > 0 {
			stats.NonEmptyRanges++
			if open == nil {
				open = &model.DensityChunk{Min: cur, Max: max, Count: count}
			} else {
				open.Max = max
				open.Count += count
			}
		} else if open != nil {
			regions = append(regions, *open)
			open = nil
		}
	}
	if open != nil {
		regions = append(regions, *open)
	}
	return regions, nil
}

// refineRegion narrows a coarse region's lower and upper boundaries via
// binary search, each until its search interval is at most the dense
// zone step wide.
func (s *Scanner) refineRegion(ctx context.Context, base feed.Query, region model.DensityChunk, stats *model.ScanStats) (model.DensityChunk, error) {
	var mu sync.Mutex
	minStep := s.cfg.DenseZoneStep

	lo, hi := region.Min, region.Max
	for hi-lo > minStep {
		mid := lo + (hi-lo)/2
		count, err := s.countRange(ctx, base, lo, mid, stats, &mu)
		if err != nil {
			return model.DensityChunk{}, err
		}
		if count == 0 {
			lo = mid
		} else {
			hi = mid
		}
	}

	upLo, upHi := lo, region.Max
	for upHi-upLo > minStep {
		mid := upLo + (upHi-upLo)/2
		count, err := s.countRange(ctx, base, mid, upHi, stats, &mu)
		if err != nil {
			return model.DensityChunk{}, err
		}
		if count == 0 {
			upHi = mid
		} else {
			upLo = mid
		}
	}
	return model.DensityChunk{Min: lo, Max: upHi}, nil
}
