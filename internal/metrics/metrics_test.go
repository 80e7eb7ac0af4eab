package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ecs/credit-pipeline/internal/circuitbreaker"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.CacheHit("features")
	m.CacheMiss("features")
	m.CacheError("features", "get")
	m.ScorerRequest(time.Millisecond, "timeout")
	m.BreakerStateChanged("scorer", circuitbreaker.Closed, circuitbreaker.Open)
	m.MessageSettled("q", "ack")
	m.Decision("approved")
	m.OffersExpired(3)
}

func TestMetrics_HandlerExposesInstruments(t *testing.T) {
	m := New()
	m.CacheHit("features")
	m.BreakerStateChanged("scorer", circuitbreaker.Closed, circuitbreaker.Open)
	m.MessageSettled("emotion-aggregators", "retry")
	m.OffersExpired(2)
	m.ScorerRequest(20*time.Millisecond, "")
	m.ScorerRequest(time.Second, "timeout")

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v1/users/{id}/offers", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", m.Handler())

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/users/u1/offers", nil))

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	text := string(body)

	for _, want := range []string{
		`cache_hits_total{cache="features"} 1`,
		`cb_state{target="scorer"} 2`,
		`bus_messages_total{outcome="retry",queue="emotion-aggregators"} 1`,
		`credit_offers_expired_total 2`,
		`scorer_request_duration_seconds_count{outcome="ok"} 1`,
		`scorer_request_duration_seconds_count{outcome="timeout"} 1`,
		`http_requests_total{route="/v1/users/{id}/offers",status="200"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected metrics output to contain %q", want)
		}
	}
}
