// Package feed defines the polymorphic contract between the ingestion
// core and any particular supplier API, plus a pure-map registry for
// looking adapters up by feed_id. The core treats search result items
// as opaque values; only Adapter.ExtractIdentity interprets them.
package feed

import (
	"context"
	"time"
)

// Query is an opaque, adapter-built search predicate. Only the adapter
// that built it knows how to interpret it.
type Query interface{}

// Order is the deterministic sort the core requires of every search
// call so that pagination is stable under retries.
type Order struct {
	Field     string
	Ascending bool
}

// CreatedAtAsc is the order every worker page fetch must use.
var CreatedAtAsc = Order{Field: "createdAt", Ascending: true}

// Identity is what a feed adapter extracts from one opaque search
// result item.
type Identity struct {
	SupplierStoneID string
	OfferID         string
	Payload         []byte
	SourceUpdatedAt *time.Time
}

// SearchResult is the adapter's response to one page fetch.
type SearchResult struct {
	Items      []any
	TotalCount *int64
}

// Adapter is the capability contract a supplier feed must implement.
// Implementations must be deterministic: repeated Search calls with
// identical (query, offset, limit, order) must return the same ordered
// item sequence, broken ties with a unique stable tiebreaker such as a
// monotonic stone identifier. Violating this causes silent data loss
// through shifting pages.
type Adapter interface {
	// FeedID is this adapter's registry key.
	FeedID() string
	// RawTableName is the per-feed raw table this adapter's records
	// belong in.
	RawTableName() string
	// WatermarkBlobName is the per-feed watermark blob key.
	WatermarkBlobName() string
	// MaxPageSize is the supplier's hard page-size ceiling.
	MaxPageSize() int
	// WorkerPageSize is the page size workers should actually request.
	WorkerPageSize() int

	// Count returns the number of items matching query.
	Count(ctx context.Context, query Query) (int64, error)
	// Search returns one page of items matching query.
	Search(ctx context.Context, query Query, offset, limit int, order Order) (SearchResult, error)
	// ExtractIdentity interprets one opaque item from a SearchResult.
	ExtractIdentity(item any) (Identity, error)
	// BuildBaseQuery constructs a query over the half-open update
	// window [updatedFrom, updatedTo).
	BuildBaseQuery(updatedFrom, updatedTo time.Time) Query

	// Initialize and Dispose are an optional lifecycle; adapters with
	// no setup/teardown needs may no-op both.
	Initialize(ctx context.Context) error
	Dispose(ctx context.Context) error
}

// PriceRange narrows a base query to a half-open price interval; every
// adapter's query type must support being narrowed this way so the
// heatmap scanner and partitioner can operate on it.
type PriceRange interface {
	WithPriceRange(min, max float64) Query
}

// Registry is a pure map of feed_id to Adapter. Deliberately not an
// interface with dynamic dispatch through object identity: lookups are
// simple map reads.
type Registry map[string]Adapter

// NewRegistry builds a Registry from a list of adapters, keyed by their
// own FeedID.
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.FeedID()] = a
	}
	return r
}

// Get looks up an adapter by feed id.
func (r Registry) Get(feedID string) (Adapter, bool) {
	a, ok := r[feedID]
	return a, ok
}
