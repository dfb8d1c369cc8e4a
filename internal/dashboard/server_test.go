package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cryptometrics/config"
	"cryptometrics/internal/metrics"
	"cryptometrics/logger"
	"cryptometrics/models"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":           "0.0.0.0:2112",
		"  :9090  ":  "0.0.0.0:9090",
		"localhost":  "localhost:2112",
		"0.0.0.0:80": "0.0.0.0:80",
		"[::1]:443":  "[::1]:443",
		"::1":        "[::1]:2112",
		"*:8080":     "0.0.0.0:8080",
	}
	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerDisabledWithoutAddress(t *testing.T) {
	if srv := NewServer(config.MetricsConfig{}, "app", logger.GetLogger(), nil, nil); srv != nil {
		t.Fatalf("expected nil server")
	}
}

func newTestServer(t *testing.T, ranks RankSource) *Server {
	t.Helper()
	scrape := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pipeline_cycles_total 1\n"))
	})
	srv := NewServer(config.MetricsConfig{ListenAddr: ":0", History: 10}, "cryptometrics", logger.GetLogger(), scrape, ranks)
	if srv == nil {
		t.Fatal("expected server")
	}
	t.Cleanup(srv.cleanup)
	return srv
}

func get(t *testing.T, srv *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	res := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(res, httptest.NewRequest(http.MethodGet, target, nil))
	if res.Code != http.StatusOK {
		t.Fatalf("GET %s: status %d", target, res.Code)
	}
	return res
}

func TestRanksEndpoint(t *testing.T) {
	srv := newTestServer(t, func() []models.RankedMetric {
		return []models.RankedMetric{
			{Asset: "adausd", StdDev24h: 0.5, Rank: 1, Observations: 3},
			{Asset: "aaveusd", Rank: 0, Observations: 3},
		}
	})

	var body struct {
		Ranks []models.RankedMetric `json:"ranks"`
	}
	if err := json.Unmarshal(get(t, srv, "/api/ranks?limit=1").Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Ranks) != 1 || body.Ranks[0].Asset != "adausd" {
		t.Fatalf("ranks = %+v", body.Ranks)
	}
}

func TestEventsEndpointReturnsEmittedMetrics(t *testing.T) {
	srv := newTestServer(t, nil)
	metrics.EmitMetric(logger.GetLogger(), "pipeline", metrics.MetricRowsAppended, 2, "counter", nil)

	res := get(t, srv, "/api/events")
	if !strings.Contains(res.Body.String(), metrics.MetricRowsAppended) {
		t.Fatalf("events body = %s", res.Body.String())
	}
}

func TestScrapeAndHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	if body := get(t, srv, "/metrics").Body.String(); !strings.Contains(body, "pipeline_cycles_total") {
		t.Fatalf("metrics body = %s", body)
	}
	if body := get(t, srv, "/healthz").Body.String(); !strings.Contains(body, "ok") {
		t.Fatalf("healthz body = %s", body)
	}
}
