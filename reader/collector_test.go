package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	appconfig "cryptometrics/config"
	"cryptometrics/internal/blob"
)

func summariesHandler(t *testing.T, n int, gotKey *string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if gotKey != nil {
			*gotKey = r.URL.Query().Get("apikey")
		}
		result := make(map[string]interface{}, n)
		for i := 0; i < n; i++ {
			result[fmt.Sprintf("market:binance:a%dusd", i)] = map[string]interface{}{
				"price":  map[string]float64{"last": float64(i)},
				"volume": 10,
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result":    result,
			"allowance": map[string]float64{"cost": 0.005, "remaining": 9.9},
		})
	}
}

func newTestCollector(t *testing.T, endpoint string, minResults int) (*Collector, *blob.Local) {
	t.Helper()
	b, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := appconfig.Default().Collector
	cfg.Endpoints = []string{endpoint}
	cfg.APIKey = "secret"
	cfg.MinResults = minResults
	cfg.RequestsPerSecond = 100
	c := NewCollector(cfg, b, appconfig.Default().Snapshots)
	c.now = func() time.Time { return time.Unix(1633307658, 0) }
	return c, b
}

func TestCollectStagesSnapshot(t *testing.T) {
	var apiKey string
	srv := httptest.NewServer(summariesHandler(t, 120, &apiKey))
	defer srv.Close()

	c, b := newTestCollector(t, srv.URL+"/markets/summaries", 100)
	key, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if key != "ingest/1633307658.json" {
		t.Fatalf("key = %q", key)
	}
	if apiKey != "secret" {
		t.Fatalf("api key not sent, got %q", apiKey)
	}

	data, err := b.Get(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("staged snapshot is not an object: %v", err)
	}
	if len(doc) != 120 {
		t.Fatalf("staged %d entries, want 120", len(doc))
	}
	if !strings.Contains(string(doc["market:binance:a5usd"]), `"last":5`) {
		t.Fatalf("entry not staged verbatim: %s", doc["market:binance:a5usd"])
	}
}

func TestCollectRejectsShortResult(t *testing.T) {
	srv := httptest.NewServer(summariesHandler(t, 3, nil))
	defer srv.Close()

	c, b := newTestCollector(t, srv.URL, 100)
	if _, err := c.Collect(context.Background()); !errors.Is(err, ErrTooFewResults) {
		t.Fatalf("err = %v, want ErrTooFewResults", err)
	}
	objs, _ := b.List(context.Background(), "ingest/")
	if len(objs) != 0 {
		t.Fatalf("short result was staged: %+v", objs)
	}
}

func TestCollectHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := newTestCollector(t, srv.URL, 1)
	_, err := c.Collect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err = %v, want status 429", err)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("error leaks the api key: %v", err)
	}
}
