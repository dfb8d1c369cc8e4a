package metrics

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	appconfig "cryptometrics/config"
	"cryptometrics/logger"
)

//go:embed dashboard.json
var dashboardTemplate string

// maxDatumsPerCall keeps PutMetricData requests well under the API limits.
const maxDatumsPerCall = 20

type cloudWatchAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
	PutDashboard(ctx context.Context, in *cloudwatch.PutDashboardInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error)
}

// CloudWatch buffers emitted metrics and publishes them on Flush, normally
// once per pipeline cycle.
type CloudWatch struct {
	client    cloudWatchAPI
	namespace string
	region    string
	log       *logger.Log

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
}

func NewCloudWatch(ctx context.Context, cfg appconfig.CloudWatchConfig) (*CloudWatch, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	cw := newCloudWatchWithClient(cloudwatch.NewFromConfig(awsCfg), cfg.Namespace)
	cw.region = awsCfg.Region

	cw.log.WithComponent("cloudwatch").WithFields(logger.Fields{
		"region":    cw.region,
		"namespace": cw.namespace,
	}).Info("initialized CloudWatch client")
	return cw, nil
}

func newCloudWatchWithClient(client cloudWatchAPI, namespace string) *CloudWatch {
	return &CloudWatch{client: client, namespace: namespace, log: logger.GetLogger()}
}

// Handle queues a metric; register it with RegisterMetricHandler.
func (c *CloudWatch) Handle(m Metric) {
	unit := cwtypes.StandardUnitCount
	if strings.HasSuffix(m.Name, "_seconds") {
		unit = cwtypes.StandardUnitSeconds
	} else if m.Type == "gauge" {
		unit = cwtypes.StandardUnitNone
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(m.Component)}}
	for k, v := range m.Fields {
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	datum := cwtypes.MetricDatum{
		MetricName: aws.String(m.Name),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(m.Value),
		Timestamp:  aws.Time(m.Timestamp),
	}

	c.mu.Lock()
	c.pending = append(c.pending, datum)
	c.mu.Unlock()
}

// Flush publishes every queued datum. Failed batches are dropped and logged.
func (c *CloudWatch) Flush(ctx context.Context) error {
	c.mu.Lock()
	data := c.pending
	c.pending = nil
	c.mu.Unlock()

	var firstErr error
	for start := 0; start < len(data); start += maxDatumsPerCall {
		end := start + maxDatumsPerCall
		if end > len(data) {
			end = len(data)
		}
		_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(c.namespace),
			MetricData: data[start:end],
		})
		if err != nil {
			c.log.WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(data) > 0 && firstErr == nil {
		c.log.WithComponent("cloudwatch").WithFields(logger.Fields{"datums": len(data)}).Debug("published metrics to CloudWatch")
	}
	return firstErr
}

// PutDashboard creates or updates a dashboard from the embedded template.
func (c *CloudWatch) PutDashboard(ctx context.Context, name string) error {
	body := strings.ReplaceAll(dashboardTemplate, `"CryptoMetrics"`, fmt.Sprintf("%q", c.namespace))
	if c.region != "" {
		body = strings.ReplaceAll(body, `"us-east-1"`, fmt.Sprintf("%q", c.region))
	}
	if !json.Valid([]byte(body)) {
		return fmt.Errorf("dashboard template is not valid JSON after substitution")
	}
	_, err := c.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(name),
		DashboardBody: aws.String(body),
	})
	return err
}
