package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_Init(t *testing.T) {
	// Init should not panic when called multiple times
	Init()
	Init()
}

func TestMetrics_Handler(t *testing.T) {
	Init()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	expectedMetrics := []string{
		"maxcore_query_total",
		"maxcore_query_latency_seconds",
		"maxcore_classifier_reparse_total",
		"maxcore_backend_connections",
		"maxcore_reuse_total",
		"maxcore_history_replay_latency_seconds",
		"maxcore_history_divergence_total",
		"maxcore_causal_wait_latency_seconds",
		"maxcore_causal_timeout_total",
		"maxcore_errors_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in response", metric)
		}
	}
}

func TestMetrics_Increment(t *testing.T) {
	Init()

	QueryTotal.WithLabelValues("mariadb", "select", "SLAVE").Inc()
	QueryLatency.WithLabelValues("mariadb", "SLAVE").Observe(0.001)
	ClassifierReparses.WithLabelValues("mariadb").Inc()
	ReuseOutcomes.WithLabelValues("direct").Inc()
	HistoryDivergences.Inc()
	CausalTimeouts.WithLabelValues("retry_on_master").Inc()
	ErrorsByKind.WithLabelValues("BACKEND_TRANSIENT").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `dialect="mariadb"`) {
		t.Error("Expected label dialect=mariadb in output")
	}
	if !strings.Contains(body, `mode="direct"`) {
		t.Error("Expected label mode=direct in output")
	}
}
