// Package dispatch routes telemetry deliveries to per-device workers
// and drives rule evaluation, alert durability, and broker
// acknowledgment for each message.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/broker"
	"vigil/internal/engine"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
	"vigil/internal/rules"
	"vigil/internal/sink"
	"vigil/internal/state"
)

// AlertPublisher fans alerts out after they are durable.
// broker.Publisher implements it; nil disables fan-out.
type AlertPublisher interface {
	Publish(ctx context.Context, alert *models.Alert) error
}

// ErrSinkUnavailable is returned when an alert could not be made
// durable within the retry budget. The triggering message stays
// unacked so the broker redelivers it.
var ErrSinkUnavailable = errors.New("alert sink unavailable")

// Config holds dispatcher configuration.
type Config struct {
	Rules     *rules.Provider
	Sink      sink.Sink
	Publisher AlertPublisher
	Policy    engine.Policy

	Workers   int
	QueueSize int

	SinkMaxRetries   int
	SinkRetryBackoff time.Duration
	SinkMaxBackoff   time.Duration
	AppendTimeout    time.Duration

	StateTTL time.Duration
}

// Dispatcher owns the worker pool. Each worker holds the state shard
// for its slice of the device space; a device's messages always land on
// the same worker, so shard access needs no locks.
type Dispatcher struct {
	cfg    Config
	queues []chan broker.Delivery

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	processed     atomic.Uint64
	alertsCreated atomic.Uint64
	duplicates    atomic.Uint64
	failed        atomic.Uint64
}

// New creates a dispatcher with cfg. Zero values get defaults.
func New(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SinkMaxRetries <= 0 {
		cfg.SinkMaxRetries = 5
	}
	if cfg.SinkRetryBackoff <= 0 {
		cfg.SinkRetryBackoff = 100 * time.Millisecond
	}
	if cfg.SinkMaxBackoff <= 0 {
		cfg.SinkMaxBackoff = 5 * time.Second
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	queues := make([]chan broker.Delivery, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan broker.Delivery, cfg.QueueSize)
	}

	return &Dispatcher{
		cfg:    cfg,
		queues: queues,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers and the routing loop over source.
func (d *Dispatcher) Start(source <-chan broker.Delivery) {
	log := logger.WithComponent("dispatch")
	log.Info().
		Int("workers", d.cfg.Workers).
		Int("queue_size", d.cfg.QueueSize).
		Bool("reset_on_gap", d.cfg.Policy.ResetOnGap).
		Msg("starting dispatcher")

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.wg.Add(1)
	go d.route(source)
}

// Stop finishes in-flight messages to a clean boundary and stops the
// pool. A message caught mid-retry stays unacked for redelivery.
func (d *Dispatcher) Stop() {
	log := logger.WithComponent("dispatch")
	log.Info().Msg("stopping dispatcher")
	d.cancel()
	d.wg.Wait()
	log.Info().Msg("dispatcher stopped")
}

// route assigns each delivery to its device's worker. The same device
// always hashes to the same queue, which is what guarantees the
// single-writer shard ownership.
func (d *Dispatcher) route(source <-chan broker.Delivery) {
	defer d.wg.Done()
	defer func() {
		for _, q := range d.queues {
			close(q)
		}
	}()

	for {
		select {
		case <-d.ctx.Done():
			return
		case delivery, ok := <-source:
			if !ok {
				return
			}
			q := d.queues[workerIndex(delivery.Msg.DeviceID, len(d.queues))]
			select {
			case q <- delivery:
			case <-d.ctx.Done():
				return
			}
		}
	}
}

func workerIndex(deviceID string, workers int) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(workers))
}

// worker processes its queue sequentially and owns one state shard.
func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	log := logger.WithComponent("dispatch").With().Int("worker_id", id).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("dispatch").Inc()
		}
	}()

	shard := state.NewShard()
	queueGauge := metrics.WorkerQueueSize.WithLabelValues(strconv.Itoa(id))
	slotGauge := metrics.StateSlots.WithLabelValues(strconv.Itoa(id))

	var evictC <-chan time.Time
	if d.cfg.StateTTL > 0 {
		evict := time.NewTicker(d.cfg.StateTTL / 4)
		defer evict.Stop()
		evictC = evict.C
	}

	log.Info().Msg("worker started")
	defer log.Info().Msg("worker stopped")

	for {
		queueGauge.Set(float64(len(d.queues[id])))
		slotGauge.Set(float64(shard.Len()))

		select {
		case <-d.ctx.Done():
			return
		case delivery, ok := <-d.queues[id]:
			if !ok {
				return
			}
			d.process(&log, shard, delivery)
		case <-evictC:
			cutoff := time.Now().Add(-d.cfg.StateTTL)
			if n := shard.Evict(cutoff); n > 0 {
				metrics.StateResets.WithLabelValues("eviction").Add(float64(n))
				log.Debug().Int("evicted", n).Msg("idle state slots evicted")
			}
		}
	}
}

type pendingState struct {
	key  state.Key
	next *state.RuleState
}

// process runs one message end to end: evaluate every matching rule
// against the shard, make all produced alerts durable, then write
// state back and ack. State is only persisted after durability is
// confirmed, so a redelivery of an unacked message re-evaluates from
// the same prior state and regenerates the same idempotency keys.
func (d *Dispatcher) process(log *zerolog.Logger, shard *state.Shard, delivery broker.Delivery) {
	start := time.Now()
	defer func() {
		metrics.ProcessLatency.Observe(time.Since(start).Seconds())
	}()

	msg := delivery.Msg
	defs := d.cfg.Rules.Current().Match(msg.DeviceID)

	var (
		updates   []pendingState
		alerts    []*models.Alert
		duplicate bool
		gap       bool
	)

	// Sequential evaluation in registry order: rules for one device
	// share the shard and must observe a consistent view.
	for _, def := range defs {
		var prior *state.RuleState
		var key state.Key
		if def.Type == rules.TypePersistent {
			key = state.Key{DeviceID: msg.DeviceID, RuleID: def.RuleID}
			prior = shard.GetOrCreate(key)
		}

		out := engine.Evaluate(def, msg, prior, d.cfg.Policy)

		duplicate = duplicate || out.Duplicate
		gap = gap || out.Gap
		if out.ResetCause != "" {
			metrics.StateResets.WithLabelValues(out.ResetCause).Inc()
		}
		if out.CorruptionReset {
			metrics.StateResets.WithLabelValues("corruption").Inc()
			log.Warn().
				Str("device_id", msg.DeviceID).
				Str("rule_id", def.RuleID).
				Msg("corrupt rule state discarded")
		}

		if out.NextState != nil {
			updates = append(updates, pendingState{key: key, next: out.NextState})
		}
		if out.Alert != nil {
			alerts = append(alerts, out.Alert)
		}
	}

	if gap {
		metrics.SequenceGaps.Inc()
	}

	// Durability first. A failure here leaves state and ack untouched:
	// the broker redelivers and idempotency absorbs the rerun.
	for _, alert := range alerts {
		outcome, err := d.appendWithRetry(log, alert)
		if outcome == sink.OutcomeDuplicate {
			// Instant rules keep no sequence state, so for them a
			// redelivery only surfaces here, as an already-recorded
			// idempotency key.
			duplicate = true
		}
		if err != nil {
			d.failed.Add(1)
			metrics.ProcessingErrors.Inc()
			metrics.BrokerAcks.WithLabelValues("unacked").Inc()
			log.Error().
				Err(err).
				Str("device_id", msg.DeviceID).
				Str("rule_id", alert.RuleID).
				Int64("seq", msg.Seq).
				Msg("alert not durable, leaving message unacked")
			return
		}
	}

	// A redelivered message counts once, whether it was caught as a
	// sequence replay or as a duplicate alert key.
	if duplicate {
		d.duplicates.Add(1)
		metrics.DuplicateMessages.Inc()
	}

	for _, u := range updates {
		shard.Put(u.key, u.next)
	}

	// Fan-out after durability, best effort.
	if d.cfg.Publisher != nil {
		for _, alert := range alerts {
			pubCtx, cancel := context.WithTimeout(d.ctx, d.cfg.AppendTimeout)
			if err := d.cfg.Publisher.Publish(pubCtx, alert); err != nil {
				log.Warn().
					Err(err).
					Str("rule_id", alert.RuleID).
					Msg("alert fan-out failed")
			}
			cancel()
		}
	}

	// Ack uses a fresh context: an ack during shutdown should still go
	// out if the broker is reachable.
	ackCtx, cancel := context.WithTimeout(context.Background(), d.cfg.AppendTimeout)
	defer cancel()
	if err := delivery.Ack(ackCtx); err != nil {
		metrics.BrokerAcks.WithLabelValues("unacked").Inc()
		log.Error().
			Err(err).
			Str("device_id", msg.DeviceID).
			Int64("seq", msg.Seq).
			Msg("broker ack failed, message may be redelivered")
	} else {
		metrics.BrokerAcks.WithLabelValues("acked").Inc()
	}

	d.processed.Add(1)
	metrics.MessagesProcessed.Inc()
}

// appendWithRetry makes one alert durable with bounded exponential
// backoff. A duplicate idempotency key is success: the alert is already
// durable from an earlier delivery. The outcome is reported so the
// caller can account redeliveries.
func (d *Dispatcher) appendWithRetry(log *zerolog.Logger, alert *models.Alert) (sink.Outcome, error) {
	key := alert.IdempotencyKey()
	backoff := d.cfg.SinkRetryBackoff
	var lastErr error

	for attempt := 0; attempt <= d.cfg.SinkMaxRetries; attempt++ {
		if attempt > 0 {
			metrics.SinkRetries.Inc()
			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Str("idempotency_key", key).
				Msg("retrying sink append")

			select {
			case <-time.After(backoff):
				backoff *= 2
				if backoff > d.cfg.SinkMaxBackoff {
					backoff = d.cfg.SinkMaxBackoff
				}
			case <-d.ctx.Done():
				return sink.OutcomeFailed, d.ctx.Err()
			}
		}

		opCtx, cancel := context.WithTimeout(d.ctx, d.cfg.AppendTimeout)
		opStart := time.Now()
		outcome, err := d.cfg.Sink.AppendIfAbsent(opCtx, key, alert)
		cancel()
		metrics.SinkAppendDuration.Observe(time.Since(opStart).Seconds())
		metrics.SinkAppends.WithLabelValues(outcome.String()).Inc()

		switch outcome {
		case sink.OutcomeCreated:
			d.alertsCreated.Add(1)
			metrics.RuleHits.WithLabelValues(alert.RuleID).Inc()
			log.Info().
				Str("alert_id", alert.ID).
				Str("device_id", alert.DeviceID).
				Str("rule_id", alert.RuleID).
				Str("rule_type", alert.RuleType).
				Int("count", alert.Count).
				Int64("seq", alert.Seq).
				Msg("alert recorded")
			return outcome, nil
		case sink.OutcomeDuplicate:
			log.Debug().
				Str("idempotency_key", key).
				Msg("alert already recorded")
			return outcome, nil
		}

		lastErr = err
		if errors.Is(err, context.Canceled) {
			return sink.OutcomeFailed, err
		}
	}

	return sink.OutcomeFailed, fmt.Errorf("%w: %v", ErrSinkUnavailable, lastErr)
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Processed:     d.processed.Load(),
		AlertsCreated: d.alertsCreated.Load(),
		Duplicates:    d.duplicates.Load(),
		Failed:        d.failed.Load(),
	}
}

// Stats holds dispatcher counters.
type Stats struct {
	Processed     uint64
	AlertsCreated uint64
	Duplicates    uint64
	Failed        uint64
}
