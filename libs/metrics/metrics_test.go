package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequestBoundsUnmatchedRoutes(t *testing.T) {
	before := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, UnmatchedRoute, "404"))
	ObserveRequest(http.MethodGet, "", http.StatusNotFound, 3*time.Millisecond)
	ObserveRequest(http.MethodGet, "", http.StatusNotFound, 5*time.Millisecond)

	if got := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, UnmatchedRoute, "404")); got != before+2 {
		t.Fatalf("expected 2 unmatched requests, got %v", got-before)
	}
}

func TestTrackInFlight(t *testing.T) {
	base := testutil.ToFloat64(httpInFlight)
	done := TrackInFlight()
	if got := testutil.ToFloat64(httpInFlight); got != base+1 {
		t.Fatalf("expected gauge to rise, got %v", got)
	}
	done()
	if got := testutil.ToFloat64(httpInFlight); got != base {
		t.Fatalf("expected gauge to fall back, got %v", got)
	}
}

func TestHandlerExposesHTTPCollectors(t *testing.T) {
	registry := NewRegistry()
	ObserveRequest(http.MethodPost, "/deals", http.StatusCreated, time.Millisecond)

	w := httptest.NewRecorder()
	Handler(registry).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `dealrouter_http_requests_total{method="POST",route="/deals",status="201"}`) {
		t.Fatalf("expected deal request series in output")
	}
}
