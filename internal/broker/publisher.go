package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// Publisher errors
var (
	ErrPublisherClosed = errors.New("publisher is closed")
	ErrSerializeFailed = errors.New("failed to serialize alert")
)

const (
	publishMaxRetries   = 3
	publishRetryBackoff = 100 * time.Millisecond
)

// Publisher fans alerts out to a Kafka topic for downstream consumers
// (dashboards, notifiers). Fan-out is best effort: the sink append is
// the durability point, so a failed publish is logged, not fatal.
type Publisher struct {
	writer *kafka.Writer
	closed atomic.Bool

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher creates a fan-out publisher for the given topic.
func NewPublisher(cfg config.KafkaConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.FanoutTopic == "" {
		return nil, errors.New("fanout topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.FanoutTopic,
		Balancer:     &kafka.Hash{}, // partition by device for ordered fan-out
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		WriteTimeout: 10 * time.Second,
		Async:        false,
	}
	return &Publisher{writer: writer}, nil
}

// Publish sends one alert, retrying transient failures with exponential
// backoff.
func (p *Publisher) Publish(ctx context.Context, alert *models.Alert) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	data, err := json.Marshal(alert)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}

	msg := kafka.Message{
		Key:   []byte(alert.DeviceID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "device_id", Value: []byte(alert.DeviceID)},
			{Key: "rule_id", Value: []byte(alert.RuleID)},
			{Key: "idempotency_key", Value: []byte(alert.IdempotencyKey())},
		},
		Time: alert.TriggeredAt,
	}

	if err := p.publishWithRetry(ctx, msg); err != nil {
		p.failed.Add(1)
		metrics.FanoutPublishTotal.WithLabelValues("failed").Inc()
		return err
	}

	p.published.Add(1)
	metrics.FanoutPublishTotal.WithLabelValues("success").Inc()
	return nil
}

// publishWithRetry writes a message with exponential backoff retry.
func (p *Publisher) publishWithRetry(ctx context.Context, msg kafka.Message) error {
	log := logger.WithComponent("publisher")
	var lastErr error
	backoff := publishRetryBackoff

	for attempt := 0; attempt <= publishMaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying alert fan-out publish")
			metrics.FanoutPublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	return fmt.Errorf("fan-out failed after %d attempts: %w", publishMaxRetries+1, lastErr)
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.writer.Close()
}

// Stats returns publisher counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
	}
}

// PublisherStats holds publisher counters.
type PublisherStats struct {
	Published uint64
	Failed    uint64
}
