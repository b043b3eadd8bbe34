package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"bookstream/aggregator"
	appconfig "bookstream/config"
	"bookstream/internal/bus"
	"bookstream/internal/metrics"
	"bookstream/logger"
	"bookstream/models"
)

// SummaryRecord is the JSON value written for every summary.
type SummaryRecord struct {
	Symbol    string               `json:"symbol"`
	Spread    float64              `json:"spread"`
	Asks      []models.RankedLevel `json:"asks"`
	Bids      []models.RankedLevel `json:"bids"`
	Timestamp time.Time            `json:"timestamp"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaRelay is a bus subscriber whose aggregation session writes summaries
// to a Kafka topic instead of a gRPC stream.
type KafkaRelay struct {
	config  *appconfig.Config
	bus     *bus.Bus
	writer  messageWriter
	session *aggregator.Session
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewKafkaRelay(cfg *appconfig.Config, b *bus.Bus) (*KafkaRelay, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kr := newKafkaRelay(cfg, b, newKafkaWriter(cfg.Kafka))
	kr.log.WithComponent("kafka_relay").WithFields(logger.Fields{
		"brokers": cfg.Kafka.Brokers,
		"topic":   cfg.Kafka.Topic,
	}).Info("kafka relay initialized")
	return kr, nil
}

// newKafkaWriter keys partitions by source. Send blocks for up to
// BatchTimeout per summary, so it must stay well below the feed interval.
func newKafkaWriter(cfg appconfig.KafkaConfig) *kafka.Writer {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
}

func newKafkaRelay(cfg *appconfig.Config, b *bus.Bus, w messageWriter) *KafkaRelay {
	return &KafkaRelay{
		config: cfg,
		bus:    b,
		writer: w,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

func (kr *KafkaRelay) Start(ctx context.Context) error {
	kr.mu.Lock()
	if kr.running {
		kr.mu.Unlock()
		return fmt.Errorf("kafka relay already running")
	}
	sub, err := kr.bus.Subscribe()
	if err != nil {
		kr.mu.Unlock()
		return fmt.Errorf("subscribe kafka relay: %w", err)
	}
	kr.session = aggregator.NewSession(sub, kr, aggregator.SessionOptions{
		Depth: kr.config.Aggregator.Depth,
		Kind:  "kafka",
	})
	kr.running = true
	kr.mu.Unlock()

	log := kr.log.WithComponent("kafka_relay").WithField("session_id", kr.session.ID().String())
	log.Info("starting kafka relay")

	kr.wg.Add(1)
	go func() {
		defer kr.wg.Done()
		if err := kr.session.Run(ctx); err != nil {
			log.WithError(err).Error("kafka relay session ended")
		}
	}()
	return nil
}

// Send implements aggregator.Sink. Failed writes are counted and skipped;
// only a closed writer ends the session.
func (kr *KafkaRelay) Send(ctx context.Context, sum models.Summary) error {
	rec := SummaryRecord{
		Symbol:    kr.config.Source.Symbol,
		Spread:    sum.Spread,
		Asks:      sum.Asks,
		Bids:      sum.Bids,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		kr.log.WithComponent("kafka_relay").WithError(err).Warn("failed to marshal summary")
		return nil
	}

	msg := kafka.Message{Key: []byte(recordKey(sum)), Value: data}
	if err := kr.writer.WriteMessages(ctx, msg); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("%w: %v", aggregator.ErrSubscriberGone, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.KafkaErrors.Inc()
		kr.log.WithComponent("kafka_relay").WithError(err).Warn("failed to write summary")
		return nil
	}
	metrics.KafkaWrites.Inc()
	return nil
}

// recordKey keeps summaries from the same source on one partition.
func recordKey(sum models.Summary) string {
	if l, ok := sum.BestAsk(); ok {
		return l.Source.String()
	}
	if l, ok := sum.BestBid(); ok {
		return l.Source.String()
	}
	return models.SourceUnknown.String()
}

// Stop waits for the session, which ends when the Start context is
// cancelled or the bus closes, and closes the writer.
func (kr *KafkaRelay) Stop() {
	kr.mu.Lock()
	kr.running = false
	kr.mu.Unlock()

	kr.log.WithComponent("kafka_relay").Info("stopping kafka relay")
	kr.wg.Wait()
	if err := kr.writer.Close(); err != nil {
		kr.log.WithComponent("kafka_relay").WithError(err).Warn("failed to close kafka writer")
	}
	kr.log.WithComponent("kafka_relay").Info("kafka relay stopped")
}
