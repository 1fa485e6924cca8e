package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerRendersHTTPAndRouterMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/v1/agents", http.MethodGet, http.StatusOK, 30*time.Millisecond)
	ObserveHTTPRequest("/api/v1/agents", http.MethodGet, http.StatusInternalServerError, 2*time.Second)
	ObserveHop(OutcomeRelayed, 3*time.Second)
	ObserveHop(OutcomeFinal, 200*time.Millisecond)
	ObservePollError("CHAIN_FAILURE")
	SetCursor(120, 125)
	SetActiveSessions(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`iris_http_requests_total{handler="/api/v1/agents",method="GET",code="200"}`,
		`iris_http_request_errors_total{handler="/api/v1/agents",method="GET"} `,
		`iris_http_request_duration_seconds_bucket{handler="/api/v1/agents",method="GET",le="0.05"}`,
		`iris_hops_total{outcome="relayed"}`,
		`iris_hops_total{outcome="final"}`,
		`iris_poll_errors_total{code="CHAIN_FAILURE"}`,
		`iris_hop_duration_seconds_bucket{le="+Inf"}`,
		"iris_cursor_block 120\n",
		"iris_head_block 125\n",
		"iris_active_sessions 2\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	h := newHistogram([]float64{1, 2})
	h.observe(0.5)
	h.observe(1.5)
	h.observe(5)
	if h.counts[0] != 1 || h.counts[1] != 2 || h.count != 3 {
		t.Fatalf("unexpected histogram state: %+v", h)
	}
}

func TestLabelsEscapeValues(t *testing.T) {
	got := labels("handler", `a"b`)
	if got != `{handler="a\"b"}` {
		t.Fatalf("unexpected labels %s", got)
	}
	if labels() != "" {
		t.Fatalf("empty labels should render nothing")
	}
}
