// Command audit-worker runs the reliable audit event pipeline: it consumes
// events from RabbitMQ, verifies their integrity, persists them to
// Postgres through a circuit breaker, and quarantines undeliverable events
// in the dead letter store. An HTTP server exposes health, metrics, and an
// ingest endpoint that publishes sealed events with broker confirmation.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/smedrec/smart-logs-go/alerting"
	"github.com/smedrec/smart-logs-go/audit"
	"github.com/smedrec/smart-logs-go/deadletter"
	"github.com/smedrec/smart-logs-go/health"
	"github.com/smedrec/smart-logs-go/ingest"
	"github.com/smedrec/smart-logs-go/integrity"
	"github.com/smedrec/smart-logs-go/internal/rabbitmq"
	"github.com/smedrec/smart-logs-go/internal/reliability"
	"github.com/smedrec/smart-logs-go/processor"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Integrity service; configuration errors here are fatal by design.
	var integrityOpts []integrity.ServiceOption
	if cfg.KMSBaseURL != "" {
		kms, err := integrity.NewKMSClient(cfg.KMSBaseURL, cfg.KMSKeyID, cfg.KMSAPIToken,
			integrity.WithKMSLogger(logger))
		if err != nil {
			return err
		}
		integrityOpts = append(integrityOpts, integrity.WithSigningBackend(kms))
	}
	integrityOpts = append(integrityOpts, integrity.WithServiceLogger(logger))
	integritySvc, err := integrity.NewService([]byte(cfg.SigningSecret), integrityOpts...)
	if err != nil {
		return err
	}

	// Broker transport.
	connManager := rabbitmq.NewConnectionManager(cfg.AMQPURL,
		rabbitmq.WithConnectionLogger(logger))
	if err := connManager.Connect(ctx); err != nil {
		return err
	}
	defer connManager.Close()

	pool, err := rabbitmq.NewChannelPool(connManager, rabbitmq.WithPoolSize(cfg.Workers*2))
	if err != nil {
		return err
	}
	defer pool.Close()

	topology := rabbitmq.NewTopologyManager(pool)
	if err := topology.DeclareTopology(ctx, rabbitmq.AuditTopology()); err != nil {
		return err
	}

	scheduler := rabbitmq.NewDelayScheduler(pool, rabbitmq.WithSchedulerLogger(logger))
	if err := scheduler.Initialize(ctx); err != nil {
		return err
	}
	if err := scheduler.BindTargetQueue(ctx, rabbitmq.AuditIngestQueue); err != nil {
		return err
	}

	consumer := rabbitmq.NewConsumer(pool,
		rabbitmq.WithPrefetchCount(cfg.Workers*2),
		rabbitmq.WithConsumerTag("audit-worker"),
		rabbitmq.WithConsumerLogger(logger),
	)

	// Durable stores.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}

	deadLetters, err := deadletter.NewManager(deadletter.NewPostgresStore(db),
		deadletter.WithAlertThreshold(cfg.DeadLetterAlertThreshold),
		deadletter.WithArchiveAfter(cfg.DeadLetterArchiveAfter),
		deadletter.WithRetention(cfg.DeadLetterRetention),
		deadletter.WithManagerLogger(logger),
	)
	if err != nil {
		return err
	}
	deadLetters.Start(ctx)
	defer deadLetters.Stop()

	// Alert channels.
	alertSinks := []alerting.Sink{alerting.NewLogSink(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink, err := alerting.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAlertTopic,
			alerting.WithKafkaLogger(logger))
		if err != nil {
			return err
		}
		defer kafkaSink.Close()
		alertSinks = append(alertSinks, kafkaSink)
	}
	alerting.Register(deadLetters, logger, alertSinks...)

	breaker := reliability.NewCircuitBreaker(
		reliability.WithSinkName("postgres"),
		reliability.WithStateChangeFunc(func(sink string, from, to reliability.State, reason string) {
			logger.Warn("circuit breaker transition",
				"sink", sink, "from", from.String(), "to", to.String(), "reason", reason)
		}),
	)

	procOpts := []processor.Option{
		processor.WithConsumer(consumer),
		processor.WithScheduler(scheduler),
		processor.WithQueueInspector(topology),
		processor.WithWorkers(cfg.Workers),
		processor.WithBreaker(breaker),
		processor.WithRetryPolicy(&reliability.ExponentialBackoff{
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			MaxAttempts:    cfg.MaxRetries,
			JitterFraction: 0.2,
		}),
		processor.WithQueueDepthThreshold(cfg.QueueDepthThreshold),
		processor.WithProcessorLogger(logger),
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		procOpts = append(procOpts, processor.WithTracker(processor.NewRedisTracker(redisClient)))
	}

	proc, err := processor.New(integritySvc, processor.NewPostgresSink(db), deadLetters, procOpts...)
	if err != nil {
		return err
	}
	if err := proc.Start(ctx); err != nil {
		return err
	}
	defer proc.Stop()

	// Ingest surface: accepts events over HTTP and publishes them with
	// broker confirmation.
	publisher := rabbitmq.NewPublisher(pool, rabbitmq.WithPublisherLogger(logger))
	ingestOpts := []ingest.Option{ingest.WithIngestLogger(logger)}
	if cfg.PseudonymSalt != "" {
		var pseudonymStore integrity.PseudonymStore = integrity.NewMemoryPseudonymStore()
		if redisClient != nil {
			pseudonymStore = integrity.NewRedisPseudonymStore(redisClient)
		}
		pseudonymizer, err := integrity.NewPseudonymizer([]byte(cfg.PseudonymSalt), pseudonymStore)
		if err != nil {
			return err
		}
		ingestOpts = append(ingestOpts, ingest.WithPseudonymizer(pseudonymizer))
	}
	ingestor, err := ingest.New(integritySvc, publisher, ingestOpts...)
	if err != nil {
		return err
	}

	// Ops surface.
	registry := health.NewRegistry()
	registry.SetMetadata("service", "audit-worker")
	registry.Register(health.NewBrokerChecker(connManager))
	registry.Register(health.NewPoolChecker(pool))
	registry.Register(health.NewPostgresChecker(db))
	registry.Register(health.NewQueueChecker(rabbitmq.AuditIngestQueue, topology, cfg.QueueDepthThreshold))
	registry.Register(health.NewBreakerChecker(breaker))
	registry.Register(health.NewDeadLetterChecker(deadLetters, cfg.DeadLetterAlertThreshold))
	if redisClient != nil {
		registry.Register(health.NewRedisChecker(redisClient))
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Method(http.MethodGet, "/healthz", health.NewHandler(registry, 10*time.Second))
	router.Get("/readyz", health.ReadinessHandler(registry))
	router.Get("/livez", health.LivenessHandler())
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		status := proc.GetHealthStatus(r.Context())
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, status, logger)
	})
	router.Post("/events", func(w http.ResponseWriter, r *http.Request) {
		var event audit.Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			http.Error(w, "invalid event payload", http.StatusBadRequest)
			return
		}
		if err := ingestor.Submit(r.Context(), &event); err != nil {
			if errors.Is(err, audit.ErrInvalidEvent) || errors.Is(err, audit.ErrNilEvent) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			logger.Error("failed to ingest event", "error", err)
			http.Error(w, "failed to queue event", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]string{"id": event.ID}, logger)
	})

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("audit worker running",
		"queue", rabbitmq.AuditIngestQueue,
		"workers", cfg.Workers,
		"maxRetries", cfg.MaxRetries,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", "error", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}, logger *slog.Logger) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
