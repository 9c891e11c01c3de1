// Package service wires the rule engine together: registry, sink,
// broker, dispatcher, and the observability HTTP surface.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vigil/internal/broker"
	"vigil/internal/config"
	"vigil/internal/dispatch"
	"vigil/internal/engine"
	"vigil/internal/logger"
	"vigil/internal/middleware"
	"vigil/internal/rules"
	"vigil/internal/sink"
)

// Service is the high-level coordinator for the rule engine process.
type Service struct {
	cfg *config.Config

	rules      *rules.Provider
	sink       sink.Sink
	publisher  *broker.Publisher
	consumer   *broker.Consumer
	dispatcher *dispatch.Dispatcher
	httpServer *http.Server

	startedAt time.Time
	wg        sync.WaitGroup

	mu          sync.Mutex
	consumerErr error
}

// New constructs a Service with the given config.
func New(cfg *config.Config) *Service {
	return &Service{cfg: cfg}
}

// Run starts the engine and blocks until the context is cancelled. A
// malformed rule set is fatal here: the engine never starts against a
// registry that failed validation.
func (s *Service) Run(ctx context.Context) error {
	log := logger.WithComponent("service")
	s.startedAt = time.Now()

	registry, err := rules.LoadFile(s.cfg.Engine.RulesFile)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	s.rules = rules.NewProvider(registry)
	log.Info().
		Str("rules_file", s.cfg.Engine.RulesFile).
		Int("rules", registry.Len()).
		Msg("rule registry loaded")

	if err := s.initSink(ctx); err != nil {
		return fmt.Errorf("init sink: %w", err)
	}
	defer s.sink.Close()

	if s.cfg.Kafka.FanoutTopic != "" {
		s.publisher, err = broker.NewPublisher(s.cfg.Kafka)
		if err != nil {
			return fmt.Errorf("init fan-out publisher: %w", err)
		}
		defer s.publisher.Close()
		log.Info().Str("topic", s.cfg.Kafka.FanoutTopic).Msg("alert fan-out enabled")
	}

	s.consumer = broker.NewConsumer(s.cfg.Kafka, s.cfg.Engine.QueueSize)

	s.dispatcher = dispatch.New(dispatch.Config{
		Rules:            s.rules,
		Sink:             s.sink,
		Publisher:        s.alertPublisher(),
		Policy:           engine.Policy{ResetOnGap: s.cfg.Engine.ResetOnGap},
		Workers:          s.cfg.Engine.Workers,
		QueueSize:        s.cfg.Engine.QueueSize,
		SinkMaxRetries:   s.cfg.Sink.MaxRetries,
		SinkRetryBackoff: s.cfg.Sink.RetryBackoff,
		SinkMaxBackoff:   s.cfg.Sink.MaxBackoff,
		AppendTimeout:    s.cfg.Sink.AppendTimeout,
		StateTTL:         s.cfg.Engine.StateTTL,
	})
	s.dispatcher.Start(s.consumer.Deliveries())

	// The consumer's lifetime bounds the service's: if it dies, a
	// "running" engine would just be a health endpoint over a dead
	// pipeline, so its failure tears the whole process down.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.consumer.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("consumer exited with error")
			s.recordConsumerFailure(err)
			cancelRun()
		}
	}()

	s.initHTTPServer()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting observability server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("observability server error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchReload(runCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reportStats(runCtx)
	}()

	<-runCtx.Done()
	log.Info().Msg("shutdown signal received")
	shutdownErr := s.shutdown()
	if err := s.consumerFailure(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("consumer failed: %w", err)
	}
	return shutdownErr
}

func (s *Service) recordConsumerFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumerErr = err
}

func (s *Service) consumerFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumerErr
}

func (s *Service) initSink(ctx context.Context) error {
	log := logger.WithComponent("service")
	if s.cfg.Sink.PostgresDSN == "memory" {
		// In-process sink for local runs without a database.
		s.sink = sink.NewMemory()
		log.Warn().Msg("using in-memory alert sink, alerts are not durable")
		return nil
	}
	pg, err := sink.NewPostgres(ctx, s.cfg.Sink.PostgresDSN)
	if err != nil {
		return err
	}
	s.sink = pg
	return nil
}

// alertPublisher returns the fan-out publisher as the dispatch
// interface, keeping the nil check honest across interface conversion.
func (s *Service) alertPublisher() dispatch.AlertPublisher {
	if s.publisher == nil {
		return nil
	}
	return s.publisher
}

func (s *Service) initHTTPServer() {
	mux := http.NewServeMux()
	mux.Handle("/healthz", middleware.Chain(
		http.HandlerFunc(s.healthHandler),
		middleware.Recovery,
	))
	mux.Handle("/stats", middleware.Chain(
		http.HandlerFunc(s.statsHandler),
		middleware.Recovery,
		middleware.Logging,
	))
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// watchReload swaps in a freshly loaded registry on SIGHUP. A failed
// load keeps the current registry: reconfiguration is all or nothing.
func (s *Service) watchReload(ctx context.Context) {
	log := logger.WithComponent("service")
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			registry, err := rules.LoadFile(s.cfg.Engine.RulesFile)
			if err != nil {
				log.Error().Err(err).Msg("rule reload failed, keeping current registry")
				continue
			}
			s.rules.Swap(registry)
			log.Info().Int("rules", registry.Len()).Msg("rule registry reloaded")
		}
	}
}

func (s *Service) shutdown() error {
	log := logger.WithComponent("service")
	log.Info().Msg("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("observability server shutdown error")
	}

	// Stop the inbound stream first so workers drain what is queued,
	// then stop the pool. Anything still unacked is redelivered.
	if err := s.consumer.Close(); err != nil {
		log.Error().Err(err).Msg("consumer close error")
	}

	done := make(chan struct{})
	go func() {
		s.dispatcher.Stop()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("workers stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("worker shutdown timeout, forcing exit")
	}

	s.wg.Wait()
	log.Info().Msg("service stopped gracefully")
	return nil
}

// reportStats periodically logs engine statistics.
func (s *Service) reportStats(ctx context.Context) {
	log := logger.WithComponent("service")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ds := s.dispatcher.Stats()
			cs := s.consumer.Stats()
			ev := log.Info().
				Uint64("processed", ds.Processed).
				Uint64("alerts_created", ds.AlertsCreated).
				Uint64("duplicates", ds.Duplicates).
				Uint64("failed", ds.Failed).
				Uint64("fetched", cs.Fetched).
				Uint64("malformed", cs.Malformed)
			if s.publisher != nil {
				ps := s.publisher.Stats()
				ev = ev.Uint64("fanout_published", ps.Published).
					Uint64("fanout_failed", ps.Failed)
			}
			ev.Msg("stats")
		}
	}
}

func (s *Service) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.consumerFailure(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"unhealthy","error":%q}`, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","uptime_seconds":%d}`, int(time.Since(s.startedAt).Seconds()))
}

func (s *Service) statsHandler(w http.ResponseWriter, _ *http.Request) {
	ds := s.dispatcher.Stats()
	cs := s.consumer.Stats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{
	"rules_loaded": %d,
	"dispatcher": {
		"processed": %d,
		"alerts_created": %d,
		"duplicates": %d,
		"failed": %d
	},
	"consumer": {
		"fetched": %d,
		"malformed": %d
	}
}`,
		s.rules.Current().Len(),
		ds.Processed,
		ds.AlertsCreated,
		ds.Duplicates,
		ds.Failed,
		cs.Fetched,
		cs.Malformed,
	)
}
