// Package partition turns a sorted density map into balanced partitions
// for a desired worker count, via greedy batch accumulation.
package partition

import (
	"fmt"
	"math"

	"github.com/nivoda/diamond-ingest/pkg/model"
)

// Build walks density (sorted by Min) and greedily accumulates chunks
// into partitions targeting ceil(total/desiredWorkers) records each.
// The final partition absorbs all remaining chunks regardless of size.
// The returned list's length is authoritative for worker_count; callers
// must never use desiredWorkers directly.
func Build(density []model.DensityChunk, desiredWorkers int) []model.Partition {
	if len(density) == 0 {
		return nil
	}

	var total int64
	for _, c := range density {
		total += c.Count
	}
	if desiredWorkers < 1 {
		desiredWorkers = 1
	}
	target := int64(math.Ceil(float64(total) / float64(desiredWorkers)))

	var partitions []model.Partition
	batchStart := density[0].Min
	var batchSum int64

	for i, c := range density {
		batchSum += c.Count
		isLast := i == len(density)-1
		moreSlots := len(partitions) < desiredWorkers-1

		if !isLast && batchSum >= target && moreSlots {
			partitions = append(partitions, model.Partition{
				MinPrice:     batchStart,
				MaxPrice:     c.Max,
				TotalRecords: batchSum,
			})
			batchStart = density[i+1].Min
			batchSum = 0
		} else if isLast {
			partitions = append(partitions, model.Partition{
				MinPrice:     batchStart,
				MaxPrice:     c.Max,
				TotalRecords: batchSum,
			})
		}
	}

	for i := range partitions {
		partitions[i].PartitionID = fmt.Sprintf("partition-%d", i)
	}
	return partitions
}
