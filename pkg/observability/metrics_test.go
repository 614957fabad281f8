package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.ObserveRoute("direct", true, false)
	m.ObserveRoute("direct", true, false)
	m.ObserveRoute("centralized", false, true)
	m.IncSuspension()
	m.IncTrustEvent("malicious_behavior")
	m.SetNodeCounts(map[string]int{"active": 3, "offline": 1})

	if got := testutil.ToFloat64(m.routeDecisions.WithLabelValues("direct", "true", "computed")); got != 2 {
		t.Fatalf("expected 2 direct decisions, got %v", got)
	}
	if got := testutil.ToFloat64(m.routeDecisions.WithLabelValues("centralized", "false", "cache")); got != 1 {
		t.Fatalf("expected 1 cached centralized decision, got %v", got)
	}
	if got := testutil.ToFloat64(m.suspensions); got != 1 {
		t.Fatalf("expected 1 suspension, got %v", got)
	}
	if got := testutil.ToFloat64(m.nodes.WithLabelValues("active")); got != 3 {
		t.Fatalf("expected 3 active nodes, got %v", got)
	}
}

func TestMetricsHandlerExposesNamespace(t *testing.T) {
	m := NewMetrics()
	m.ObserveRequest(http.MethodGet, 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "relaymesh_api_requests_total") {
		t.Fatalf("expected relaymesh_api_requests_total in output:\n%s", body)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveRoute("relay", true, false)
	m.IncCacheLookup("hit")
	m.IncDegraded("relay_lookup")
	m.SetNodeCounts(map[string]int{"active": 1})
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("chatty", false); err == nil {
		t.Fatal("expected error for unknown level")
	}
	l, err := NewLogger("debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	l.Debug("ok")
}
