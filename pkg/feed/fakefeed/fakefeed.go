// Package fakefeed is an in-memory feed.Adapter used to exercise the
// scheduler, heatmap scanner, partitioner, and worker without a live
// supplier, grounding the end-to-end scenarios in the ingestion spec.
package fakefeed

import (
	"context"
	"sort"
	"time"

	"github.com/nivoda/diamond-ingest/pkg/feed"
)

// Item is one synthetic stone.
type Item struct {
	StoneID     string
	OfferID     string
	Price       float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type priceQuery struct {
	min, max    float64
	updatedFrom time.Time
	updatedTo   time.Time
}

func (q priceQuery) WithPriceRange(min, max float64) feed.Query {
	q.min, q.max = min, max
	return q
}

// Adapter is a deterministic, in-memory Adapter over a fixed item set,
// sorted once by (createdAt, stoneID) so that pagination is stable.
type Adapter struct {
	id       string
	items    []Item
	pageSize int
}

// New builds a fake adapter over items, sorted for deterministic
// pagination.
func New(id string, items []Item, pageSize int) *Adapter {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].StoneID < sorted[j].StoneID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return &Adapter{id: id, items: sorted, pageSize: pageSize}
}

func (a *Adapter) FeedID() string            { return a.id }
func (a *Adapter) RawTableName() string      { return "raw_" + a.id }
func (a *Adapter) WatermarkBlobName() string { return a.id + "/watermark.json" }
func (a *Adapter) MaxPageSize() int          { return 1000 }
func (a *Adapter) WorkerPageSize() int       { return a.pageSize }

func (a *Adapter) Initialize(ctx context.Context) error { return nil }
func (a *Adapter) Dispose(ctx context.Context) error    { return nil }

func (a *Adapter) BuildBaseQuery(updatedFrom, updatedTo time.Time) feed.Query {
	return priceQuery{updatedFrom: updatedFrom, updatedTo: updatedTo, max: -1}
}

func (a *Adapter) matches(it Item, q priceQuery) bool {
	if q.max >= 0 {
		if it.Price < q.min || it.Price >= q.max {
			return false
		}
	}
	if !q.updatedFrom.IsZero() && it.UpdatedAt.Before(q.updatedFrom) {
		return false
	}
	if !q.updatedTo.IsZero() && !it.UpdatedAt.Before(q.updatedTo) {
		return false
	}
	return true
}

func (a *Adapter) Count(ctx context.Context, query feed.Query) (int64, error) {
	q := query.(priceQuery)
	var n int64
	for _, it := range a.items {
		if a.matches(it, q) {
			n++
		}
	}
	return n, nil
}

func (a *Adapter) Search(ctx context.Context, query feed.Query, offset, limit int, order feed.Order) (feed.SearchResult, error) {
	q := query.(priceQuery)
	var matched []Item
	for _, it := range a.items {
		if a.matches(it, q) {
			matched = append(matched, it)
		}
	}

	if offset >= len(matched) {
		return feed.SearchResult{Items: nil}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	page := matched[offset:end]
	items := make([]any, len(page))
	for i, it := range page {
		items[i] = it
	}
	total := int64(len(matched))
	return feed.SearchResult{Items: items, TotalCount: &total}, nil
}

func (a *Adapter) ExtractIdentity(item any) (feed.Identity, error) {
	it := item.(Item)
	updatedAt := it.UpdatedAt
	return feed.Identity{
		SupplierStoneID: it.StoneID,
		OfferID:         it.OfferID,
		Payload:         []byte(it.StoneID),
		SourceUpdatedAt: &updatedAt,
	}, nil
}
