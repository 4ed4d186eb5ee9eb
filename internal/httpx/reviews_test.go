package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/sats-orders/internal/redisx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListOversoldReviews(t *testing.T) {
	// Arrange
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	queue := redisx.NewReviewQueue(rdb)
	ctx := context.Background()
	require.NoError(t, queue.Push(ctx, []byte(`{"order_id":"o-1"}`)))
	require.NoError(t, queue.Push(ctx, []byte(`{"order_id":"o-2"}`)))

	r := NewRouter(nil, prometheus.NewRegistry())
	(&OrdersHandler{Reviews: queue}).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	// Act
	resp, err := http.Get(srv.URL + "/admin/oversold-reviews?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got []map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))

	// Assert
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []map[string]string{{"order_id": "o-2"}}, got)

	bad, err := http.Get(srv.URL + "/admin/oversold-reviews?limit=0")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestOversoldReviewsRouteNeedsQueue(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodGet, "/admin/oversold-reviews", "", nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
