package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	appconfig "cryptometrics/config"
	"cryptometrics/internal/blob"
	"cryptometrics/internal/metrics"
	"cryptometrics/logger"
)

// ErrTooFewResults means the upstream answered with fewer entries than
// collector.min_results, which usually signals a degraded API.
var ErrTooFewResults = errors.New("collector: too few results")

type summariesResponse struct {
	Result    map[string]json.RawMessage `json:"result"`
	Allowance json.RawMessage            `json:"allowance"`
}

// Collector fetches market summaries and stages them verbatim as a snapshot.
type Collector struct {
	cfg     appconfig.CollectorConfig
	bucket  blob.Bucket
	ingest  string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
	log     *logger.Log
}

func NewCollector(cfg appconfig.CollectorConfig, bucket blob.Bucket, snapshots appconfig.SnapshotsConfig) *Collector {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	return &Collector{
		cfg:     cfg,
		bucket:  bucket,
		ingest:  snapshots.IngestPrefix,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		now:     time.Now,
		log:     logger.GetLogger(),
	}
}

// Collect queries every endpoint and writes the merged result to the
// holding area. It returns the key of the new snapshot.
func (c *Collector) Collect(ctx context.Context) (string, error) {
	if len(c.cfg.Endpoints) == 0 {
		return "", errors.New("collector: no endpoints configured")
	}
	log := c.log.WithComponent("collector")
	capturedAt := c.now().UTC()

	merged := make(map[string]json.RawMessage)
	for _, endpoint := range c.cfg.Endpoints {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
		resp, err := c.fetch(ctx, endpoint)
		if err != nil {
			return "", err
		}
		log.WithFields(logger.Fields{
			"endpoint":  endpoint,
			"results":   len(resp.Result),
			"allowance": string(resp.Allowance),
		}).Info("fetched market summaries")

		if len(resp.Result) < c.cfg.MinResults {
			return "", fmt.Errorf("%w: %s returned %d, expected at least %d",
				ErrTooFewResults, endpoint, len(resp.Result), c.cfg.MinResults)
		}
		for k, v := range resp.Result {
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
	}

	body, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	key := c.ingest + SnapshotName(capturedAt)
	if err := c.bucket.Put(ctx, key, body); err != nil {
		return "", fmt.Errorf("stage snapshot %s: %w", key, err)
	}

	metrics.EmitMetric(c.log, "collector", metrics.MetricSnapshots, 1, "counter", nil)
	logger.LogDataFlowEntry(log, "upstream", key, len(merged), "market_summaries")
	return key, nil
}

func (c *Collector) fetch(ctx context.Context, endpoint string) (summariesResponse, error) {
	reqURL, err := url.Parse(endpoint)
	if err != nil {
		return summariesResponse{}, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if c.cfg.APIKey != "" {
		q := reqURL.Query()
		q.Set("apikey", c.cfg.APIKey)
		reqURL.RawQuery = q.Encode()
	} else {
		c.log.WithComponent("collector").Debug("making the API call without a key")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return summariesResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		// *url.Error repeats the URL, api key included
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return summariesResponse{}, fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return summariesResponse{}, fmt.Errorf("request %s: status %d: %s", endpoint, res.StatusCode, snippet)
	}

	var out summariesResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return summariesResponse{}, fmt.Errorf("decode response from %s: %w", endpoint, err)
	}
	return out, nil
}
