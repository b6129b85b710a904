package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/teapot", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	teapotBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))

	for _, path := range []string{"/test", "/teapot"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")); val != okBefore+1 {
		t.Errorf("Expected httpRequestsTotal for GET /test to be %f, got %f", okBefore+1, val)
	}
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")); val != teapotBefore+1 {
		t.Errorf("Expected httpRequestsTotal for GET /teapot to be %f, got %f", teapotBefore+1, val)
	}
	if val := testutil.CollectAndCount(httpRequestDurationSeconds); val <= 0 {
		t.Errorf("Expected httpRequestDurationSeconds to be observed, got %d", val)
	}
}
