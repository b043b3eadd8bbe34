package metrics

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"bookstream/logger"
)

// PutMetricData accepts at most this many datums per request.
const maxDatumsPerRequest = 1000

type putMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher periodically copies the bookstream counters and gauges
// to CloudWatch.
type CloudWatchPublisher struct {
	client    putMetricDataAPI
	gatherer  prometheus.Gatherer
	namespace string
	interval  time.Duration
	log       *logger.Log
}

// NewCloudWatchPublisher builds a publisher from the default AWS credential
// chain. If region is empty AWS_REGION is used.
func NewCloudWatchPublisher(ctx context.Context, region, namespace string, interval time.Duration) (*CloudWatchPublisher, error) {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	Init()
	return newCloudWatchPublisher(cloudwatch.NewFromConfig(cfg), Registry, namespace, interval), nil
}

func newCloudWatchPublisher(client putMetricDataAPI, gatherer prometheus.Gatherer, namespace string, interval time.Duration) *CloudWatchPublisher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CloudWatchPublisher{
		client:    client,
		gatherer:  gatherer,
		namespace: namespace,
		interval:  interval,
		log:       logger.GetLogger(),
	}
}

// Run publishes every interval until ctx is cancelled.
func (p *CloudWatchPublisher) Run(ctx context.Context) {
	log := p.log.WithComponent("cloudwatch").WithFields(logger.Fields{
		"namespace": p.namespace,
		"interval":  p.interval.String(),
	})
	log.Info("starting CloudWatch publisher")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("CloudWatch publisher stopped")
			return
		case <-ticker.C:
			if err := p.Publish(ctx); err != nil {
				log.WithError(err).Warn("failed to publish CloudWatch metrics")
			}
		}
	}
}

// Publish gathers the registry once and sends every bookstream counter and
// gauge.
func (p *CloudWatchPublisher) Publish(ctx context.Context) error {
	families, err := p.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	data := datums(families, time.Now())
	if len(data) == 0 {
		p.log.WithComponent("cloudwatch").Debug("no metric data to publish")
		return nil
	}

	for start := 0; start < len(data); start += maxDatumsPerRequest {
		end := min(start+maxDatumsPerRequest, len(data))
		if _, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(p.namespace),
			MetricData: data[start:end],
		}); err != nil {
			return fmt.Errorf("put metric data: %w", err)
		}
	}

	p.log.WithComponent("cloudwatch").WithField("metrics", len(data)).Debug("published metrics to CloudWatch")
	return nil
}

func datums(families []*dto.MetricFamily, ts time.Time) []cwtypes.MetricDatum {
	var data []cwtypes.MetricDatum
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, namespace+"_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			var value float64
			unit := cwtypes.StandardUnitCount
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				value = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				value = m.GetGauge().GetValue()
				unit = cwtypes.StandardUnitNone
			default:
				continue
			}

			dims := make([]cwtypes.Dimension, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				if l.GetValue() == "" {
					continue
				}
				dims = append(dims, cwtypes.Dimension{Name: aws.String(l.GetName()), Value: aws.String(l.GetValue())})
			}

			data = append(data, cwtypes.MetricDatum{
				MetricName: aws.String(strings.TrimPrefix(name, namespace+"_")),
				Dimensions: dims,
				Timestamp:  aws.Time(ts),
				Unit:       unit,
				Value:      aws.Float64(value),
			})
		}
	}
	return data
}
