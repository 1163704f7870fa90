package nivodafeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nivoda/diamond-ingest/pkg/feed"
	"github.com/nivoda/diamond-ingest/pkg/resilience"
)

func newServer(t *testing.T, handler http.HandlerFunc) (*Adapter, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	a := New(srv.URL, "test-key", time.Second, 100)
	return a, srv.Close
}

func TestCountReturnsTotalCount(t *testing.T) {
	a, closeSrv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		total := int64(42)
		_ = json.NewEncoder(w).Encode(searchResponse{
			Data: struct {
				Items      []item `json:"items"`
				TotalCount *int64 `json:"total_count"`
			}{TotalCount: &total},
		})
	})
	defer closeSrv()

	q := a.BuildBaseQuery(time.Time{}, time.Time{})
	n, err := a.Count(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestSearchSendsAuthorizationHeaderAndDecodesItems(t *testing.T) {
	var gotAuth string
	a, closeSrv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(searchResponse{
			Data: struct {
				Items      []item `json:"items"`
				TotalCount *int64 `json:"total_count"`
			}{Items: []item{{ID: "stone-1", OfferID: "offer-1", Price: 100}}},
		})
	})
	defer closeSrv()

	base := a.BuildBaseQuery(time.Time{}, time.Time{})
	q := base.(feed.PriceRange).WithPriceRange(0, 1000)
	result, err := a.Search(context.Background(), q, 0, 10, feed.CreatedAtAsc)
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", gotAuth)
	require.Len(t, result.Items, 1)

	id, err := a.ExtractIdentity(result.Items[0])
	require.NoError(t, err)
	assert.Equal(t, "stone-1", id.SupplierStoneID)
	assert.Equal(t, "offer-1", id.OfferID)
}

func TestDoClassifiesNonRetryableStatusAsFatal(t *testing.T) {
	a, closeSrv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer closeSrv()

	q := a.BuildBaseQuery(time.Time{}, time.Time{})
	_, err := a.Count(context.Background(), q)
	require.Error(t, err)
	assert.Equal(t, resilience.KindFatal, resilience.Classify(err))
}

func TestDoTreatsServerErrorsAsTransient(t *testing.T) {
	a, closeSrv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer closeSrv()

	q := a.BuildBaseQuery(time.Time{}, time.Time{})
	_, err := a.Count(context.Background(), q)
	require.Error(t, err)
	assert.NotEqual(t, resilience.KindFatal, resilience.Classify(err))
}

func TestCountErrorsWhenTotalCountMissing(t *testing.T) {
	a, closeSrv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(searchResponse{})
	})
	defer closeSrv()

	q := a.BuildBaseQuery(time.Time{}, time.Time{})
	_, err := a.Count(context.Background(), q)
	assert.Error(t, err)
}
