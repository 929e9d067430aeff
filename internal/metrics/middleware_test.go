package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/v1/strategies/{name}/trigger", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	resp, err = http.Post(ts.URL+"/v1/strategies/accounts/trigger", "application/json", nil)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "409")), 0.001)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
