// Package nivodafeed implements feed.Adapter against the Nivoda supplier
// search API: a GraphQL-ish endpoint, paginated by numeric offset, with
// price filtering and an explicit id-ascending tiebreaker so repeated
// calls over the same window return the same ordered sequence.
package nivodafeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nivoda/diamond-ingest/pkg/feed"
	"github.com/nivoda/diamond-ingest/pkg/resilience"
)

const feedID = "nivoda"

// query is the adapter's opaque feed.Query: a price-filtered, time-windowed
// search predicate over the supplier's diamonds_by_query endpoint.
type query struct {
	minPrice, maxPrice float64
	hasPriceRange      bool
	updatedFrom        time.Time
	updatedTo          time.Time
}

func (q query) WithPriceRange(min, max float64) feed.Query {
	q.minPrice, q.maxPrice, q.hasPriceRange = min, max, true
	return q
}

// item is one opaque search result row, as returned by the supplier.
type item struct {
	ID        string    `json:"id"`
	OfferID   string    `json:"offer_id"`
	Price     float64   `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
	raw       []byte
}

// Adapter talks to the Nivoda supplier search endpoint over net/http.
type Adapter struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	PageSize   int
}

// New builds an Adapter with the given base URL, API key, and request
// timeout; pageSize sets WorkerPageSize (MaxPageSize is fixed at 1000).
func New(baseURL, apiKey string, timeout time.Duration, pageSize int) *Adapter {
	return &Adapter{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
		PageSize:   pageSize,
	}
}

func (a *Adapter) FeedID() string            { return feedID }
func (a *Adapter) RawTableName() string      { return "raw_" + feedID }
func (a *Adapter) WatermarkBlobName() string { return feedID + "/watermark.json" }
func (a *Adapter) MaxPageSize() int          { return 1000 }
func (a *Adapter) WorkerPageSize() int       { return a.PageSize }

func (a *Adapter) Initialize(ctx context.Context) error { return nil }
func (a *Adapter) Dispose(ctx context.Context) error    { return nil }

func (a *Adapter) BuildBaseQuery(updatedFrom, updatedTo time.Time) feed.Query {
	return query{updatedFrom: updatedFrom, updatedTo: updatedTo}
}

type searchRequest struct {
	Query     string    `json:"query"`
	Variables variables `json:"variables"`
}

type variables struct {
	MinPrice    *float64  `json:"min_price,omitempty"`
	MaxPrice    *float64  `json:"max_price,omitempty"`
	UpdatedFrom time.Time `json:"updated_from"`
	UpdatedTo   time.Time `json:"updated_to"`
	Offset      int       `json:"offset"`
	Limit       int       `json:"limit"`
	OrderBy     []string  `json:"order_by"`
}

type searchResponse struct {
	Data struct {
		Items      []item `json:"items"`
		TotalCount *int64 `json:"total_count"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// orderFields appends a unique id-ascending tiebreaker to whatever order
// the caller asked for, per §4.1's pagination-stability requirement.
func orderFields(order feed.Order) []string {
	dir := "DESC"
	if order.Ascending {
		dir = "ASC"
	}
	return []string{fmt.Sprintf("%s %s", order.Field, dir), "id ASC"}
}

func (a *Adapter) do(ctx context.Context, q query, offset, limit int, order feed.Order) (searchResponse, error) {
	vars := variables{
		UpdatedFrom: q.updatedFrom,
		UpdatedTo:   q.updatedTo,
		Offset:      offset,
		Limit:       limit,
		OrderBy:     orderFields(order),
	}
	if q.hasPriceRange {
		vars.MinPrice, vars.MaxPrice = &q.minPrice, &q.maxPrice
	}

	body, err := json.Marshal(searchRequest{Query: "query diamondsByQuery", Variables: vars})
	if err != nil {
		return searchResponse{}, fmt.Errorf("nivodafeed: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL, bytes.NewReader(body))
	if err != nil {
		return searchResponse{}, fmt.Errorf("nivodafeed: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return searchResponse{}, fmt.Errorf("nivodafeed: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return searchResponse{}, fmt.Errorf("nivodafeed: upstream returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return searchResponse{}, fatalStatus{code: resp.StatusCode}
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return searchResponse{}, fmt.Errorf("nivodafeed: decoding response: %w", err)
	}
	if len(out.Errors) > 0 {
		return searchResponse{}, fmt.Errorf("nivodafeed: upstream error: %s", out.Errors[0].Message)
	}
	return out, nil
}

func (a *Adapter) Count(ctx context.Context, q feed.Query) (int64, error) {
	resp, err := a.do(ctx, q.(query), 0, 1, feed.CreatedAtAsc)
	if err != nil {
		return 0, err
	}
	if resp.Data.TotalCount == nil {
		return 0, fmt.Errorf("nivodafeed: count response missing total_count")
	}
	return *resp.Data.TotalCount, nil
}

func (a *Adapter) Search(ctx context.Context, q feed.Query, offset, limit int, order feed.Order) (feed.SearchResult, error) {
	resp, err := a.do(ctx, q.(query), offset, limit, order)
	if err != nil {
		return feed.SearchResult{}, err
	}
	items := make([]any, len(resp.Data.Items))
	for i, it := range resp.Data.Items {
		items[i] = it
	}
	return feed.SearchResult{Items: items, TotalCount: resp.Data.TotalCount}, nil
}

func (a *Adapter) ExtractIdentity(raw any) (feed.Identity, error) {
	it, ok := raw.(item)
	if !ok {
		return feed.Identity{}, fmt.Errorf("nivodafeed: unexpected item type %T", raw)
	}
	payload, err := json.Marshal(it)
	if err != nil {
		return feed.Identity{}, fmt.Errorf("nivodafeed: marshaling payload for %s: %w", it.ID, err)
	}
	updatedAt := it.UpdatedAt
	return feed.Identity{
		SupplierStoneID: it.ID,
		OfferID:         it.OfferID,
		Payload:         payload,
		SourceUpdatedAt: &updatedAt,
	}, nil
}

// fatalStatus marks a non-retryable HTTP response (auth failure, bad
// request) so resilience.Classify routes it away from the retry budget.
type fatalStatus struct {
	code int
}

func (e fatalStatus) Error() string {
	return fmt.Sprintf("nivodafeed: non-retryable status %d", e.code)
}

func (e fatalStatus) Kind() resilience.Kind { return resilience.KindFatal }
