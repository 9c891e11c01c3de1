// Package broker connects the engine to Kafka: an inbound telemetry
// consumer with explicit per-message acknowledgment, and an alert
// fan-out publisher for downstream consumers.
package broker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// Delivery is one inbound telemetry message together with its broker
// acknowledgment. Ack commits the offset; a delivery that is never
// acked will be redelivered by the broker.
type Delivery struct {
	Msg *models.TelemetryMessage
	Ack func(ctx context.Context) error
}

// Source is what the dispatcher consumes. It exists so tests can feed
// the dispatcher synthetic deliveries.
type Source interface {
	Deliveries() <-chan Delivery
	Close() error
}

// Consumer reads the telemetry topic through a consumer group with
// manual commits, so acknowledgment stays under the dispatcher's
// control.
type Consumer struct {
	reader *kafka.Reader
	out    chan Delivery
	closed atomic.Bool

	// mu guards offsets and serializes commits, so the committed
	// offset only ever moves forward.
	mu      sync.Mutex
	offsets *offsetTracker

	fetched   atomic.Uint64
	malformed atomic.Uint64
}

// NewConsumer creates a consumer for the configured telemetry topic.
func NewConsumer(cfg config.KafkaConfig, queueSize int) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Consumer{
		reader:  reader,
		out:     make(chan Delivery, queueSize),
		offsets: newOffsetTracker(),
	}
}

// Deliveries returns the inbound delivery channel. It is closed when
// Run returns.
func (c *Consumer) Deliveries() <-chan Delivery { return c.out }

// Run fetches messages until the context is cancelled. Messages that
// cannot be decoded into telemetry are committed and dropped: they can
// never be routed, so redelivering them forever helps no one.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.WithComponent("consumer")
	defer close(c.out)

	log.Info().
		Str("topic", c.reader.Config().Topic).
		Str("group_id", c.reader.Config().GroupID).
		Msg("consumer started")

	for {
		raw, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				log.Info().Msg("consumer stopped")
				return nil
			}
			log.Error().Err(err).Msg("fetch failed")
			return err
		}
		c.fetched.Add(1)
		c.observe(raw)

		msg, err := models.DecodeTelemetry(raw.Value)
		if err != nil {
			c.malformed.Add(1)
			metrics.ProcessingErrors.Inc()
			log.Warn().
				Err(err).
				Int64("offset", raw.Offset).
				Msg("dropping undecodable message")
			if err := c.ack(ctx, raw); err != nil {
				log.Error().Err(err).Msg("commit of undecodable message failed")
			}
			continue
		}

		d := Delivery{
			Msg: msg,
			Ack: func(ackCtx context.Context) error {
				return c.ack(ackCtx, raw)
			},
		}

		select {
		case c.out <- d:
		case <-ctx.Done():
			log.Info().Msg("consumer stopped")
			return nil
		}
	}
}

func (c *Consumer) observe(raw kafka.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsets.Observe(raw.Partition, raw.Offset)
}

// ack releases the message's offset through the tracker and commits
// the partition's contiguous watermark. Acks arrive from dispatch
// workers in per-device order but in arbitrary partition order, and a
// Kafka commit covers every earlier offset too, so committing raw
// directly could discard an earlier unacked message. When earlier
// offsets are still outstanding the commit is deferred; whichever ack
// closes the gap commits for the whole run.
func (c *Consumer) ack(ctx context.Context, raw kafka.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	commit, ok := c.offsets.Ack(raw.Partition, raw.Offset)
	if !ok {
		return nil
	}
	return c.reader.CommitMessages(ctx, kafka.Message{
		Topic:     raw.Topic,
		Partition: raw.Partition,
		Offset:    commit,
	})
}

// Close shuts the underlying reader down.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.reader.Close()
}

// Stats returns consumer counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Fetched:   c.fetched.Load(),
		Malformed: c.malformed.Load(),
	}
}

// ConsumerStats holds consumer counters.
type ConsumerStats struct {
	Fetched   uint64
	Malformed uint64
}
