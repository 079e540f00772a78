// Package hub owns the lifecycle of every external connection the ingestion
// worker holds (relational pool, cache pool, columnar client, broker
// producer) and builds the pipeline components on top of them. One hub is
// constructed per worker; derived components receive only the narrow
// interfaces they need, never the hub itself.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tidewave-analytics/tidewave/internal/group"
	"github.com/tidewave-analytics/tidewave/internal/jobqueue"
	"github.com/tidewave-analytics/tidewave/internal/person"
	"github.com/tidewave-analytics/tidewave/internal/pipeline/processor"
	"github.com/tidewave-analytics/tidewave/internal/pipeline/warnings"
	"github.com/tidewave-analytics/tidewave/internal/tenant"
	"github.com/tidewave-analytics/tidewave/pkg/columnar"
	"github.com/tidewave-analytics/tidewave/pkg/config"
	"github.com/tidewave-analytics/tidewave/pkg/health"
	"github.com/tidewave-analytics/tidewave/pkg/kafka"
	"github.com/tidewave-analytics/tidewave/pkg/metrics"
	"github.com/tidewave-analytics/tidewave/pkg/objstore"
	"github.com/tidewave-analytics/tidewave/pkg/postgres"
	pkgredis "github.com/tidewave-analytics/tidewave/pkg/redis"
	"github.com/tidewave-analytics/tidewave/pkg/resilience"
)

const instrumentationInterval = 30 * time.Second

// Hub holds the worker's external connections and derived components.
type Hub struct {
	cfg *config.Config

	Metrics  *metrics.Metrics
	Health   *health.Checker
	Columnar *columnar.Client
	Producer *kafka.BatchProducer
	DB       *postgres.Client
	Redis    *pkgredis.Client
	ObjStore *objstore.Client

	TenantStore *tenant.Store
	Tenants     *tenant.Resolver
	Persons     *person.Store
	Groups      *group.Store
	GroupTypes  *group.Registry
	Warnings    *warnings.Sink
	Processor   *processor.Processor
	JobQueue    *jobqueue.Producer

	objStoreAvailable bool
	metricsShutdown   func(context.Context) error
	producerCancel    context.CancelFunc
	instrumentStop    chan struct{}
	shutdownOnce      sync.Once
	logger            *slog.Logger
}

// New builds a hub in the fixed startup order: metrics, columnar store,
// broker, relational pool, cache pool, object storage (best-effort), derived
// managers, processor, job queue. Any failed step tears down what was already
// started before returning.
func New(ctx context.Context, cfg *config.Config) (*Hub, error) {
	h := &Hub{
		cfg:    cfg,
		Health: health.NewChecker(),
		logger: slog.Default().With("component", "hub"),
	}

	h.Metrics = metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		h.metricsShutdown = metrics.StartServer(cfg.Metrics.Port)
	}

	if err := h.connect(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.Shutdown(shutdownCtx)
		return nil, err
	}
	return h, nil
}

func (h *Hub) connect(ctx context.Context) error {
	cfg := h.cfg

	if cfg.ClickHouse.Enabled {
		err := resilience.Retry(ctx, "clickhouse-connect", resilience.RetryConfig{}, func() error {
			client, err := columnar.New(ctx, cfg.ClickHouse)
			if err != nil {
				return err
			}
			if err := client.Liveness(ctx); err != nil {
				client.Close()
				return err
			}
			h.Columnar = client
			return nil
		})
		if err != nil {
			return fmt.Errorf("connecting to columnar store: %w", err)
		}
		h.logger.Info("columnar store connected", "addr", cfg.ClickHouse.Addr)
	}

	if err := kafka.Ping(ctx, cfg.Kafka.Brokers); err != nil {
		return fmt.Errorf("connecting to kafka: %w", err)
	}
	h.Producer = kafka.NewBatchProducer(cfg.Kafka, h.Metrics)
	producerCtx, cancel := context.WithCancel(context.Background())
	h.producerCancel = cancel
	h.Producer.Start(producerCtx)
	h.logger.Info("kafka producer started", "brokers", cfg.Kafka.Brokers)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	h.DB = db
	h.logger.Info("postgres pool ready", "max_open_conns", cfg.Postgres.MaxOpenConns)

	rdb, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	h.Redis = rdb
	h.logger.Info("redis pool ready", "addr", cfg.Redis.Addr)

	if cfg.ObjectStorage.Enabled {
		client, err := objstore.New(ctx, cfg.ObjectStorage)
		if err == nil {
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = client.Probe(probeCtx)
			cancel()
		}
		if err != nil {
			h.logger.Warn("object storage unavailable, continuing without it", "error", err)
		} else {
			h.ObjStore = client
			h.objStoreAvailable = true
			h.logger.Info("object storage ready", "bucket", client.Bucket())
		}
	}

	if err := h.verifyConnections(ctx); err != nil {
		return err
	}

	h.TenantStore = tenant.NewStore(h.DB)
	h.Tenants = tenant.NewResolver(h.TenantStore, h.Redis, cfg.Redis.TenantCacheTTL, h.Metrics)
	h.Persons = person.NewStore(h.DB)
	h.Groups = group.NewStore(h.DB)
	h.GroupTypes = group.NewRegistry(group.NewPostgresAllocator(h.DB, h.Metrics), h.Redis, h.Metrics)
	h.Warnings = warnings.NewSink(h.Producer, cfg.Kafka.Topics.IngestionWarnings, cfg.Pipeline.WarningsInterval, h.Metrics)

	h.Processor = processor.New(processor.Deps{
		Tenants:    h.Tenants,
		Schema:     h.TenantStore,
		GroupTypes: h.GroupTypes,
		Groups:     h.Groups,
		Warnings:   h.Warnings,
		Producer:   h.Producer,
	}, cfg.Kafka.Topics, cfg.Pipeline.WatchdogTimeout, h.Metrics)

	if cfg.JobQueue.Enabled {
		producer, err := jobqueue.NewProducer(ctx, h.DB, cfg.JobQueue.Table)
		if err != nil {
			if !cfg.JobQueue.Optional {
				return fmt.Errorf("connecting job queue producer: %w", err)
			}
			h.logger.Error("job queue unavailable, tolerated by configuration", "error", err)
		} else {
			h.JobQueue = producer
		}
	}

	h.registerHealthChecks()
	h.startInstrumentation()
	return nil
}

// verifyConnections re-probes every connected resource concurrently. The
// sequential startup order above gates construction; this round catches a
// dependency that died between its own step and the end of startup.
func (h *Hub) verifyConnections(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.DB.DB.PingContext(gctx) })
	g.Go(func() error { return h.Redis.Ping(gctx) })
	if h.Columnar != nil {
		g.Go(func() error { return h.Columnar.Ping(gctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("verifying connections: %w", err)
	}
	return nil
}

func (h *Hub) registerHealthChecks() {
	h.Health.Register("postgres", func(ctx context.Context) health.Result {
		if err := h.DB.DB.PingContext(ctx); err != nil {
			return health.Result{Status: health.StatusDown, Message: err.Error()}
		}
		return health.Result{Status: health.StatusUp}
	})
	h.Health.Register("redis", func(ctx context.Context) health.Result {
		if err := h.Redis.Ping(ctx); err != nil {
			return health.Result{Status: health.StatusDown, Message: err.Error()}
		}
		return health.Result{Status: health.StatusUp}
	})
	if h.Columnar != nil {
		h.Health.Register("clickhouse", func(ctx context.Context) health.Result {
			if err := h.Columnar.Liveness(ctx); err != nil {
				return health.Result{Status: health.StatusDown, Message: err.Error()}
			}
			return health.Result{Status: health.StatusUp}
		})
	}
	if h.cfg.ObjectStorage.Enabled {
		h.Health.Register("object_storage", func(ctx context.Context) health.Result {
			if !h.objStoreAvailable {
				return health.Result{Status: health.StatusDegraded, Message: "unavailable since startup"}
			}
			if err := h.ObjStore.Probe(ctx); err != nil {
				return health.Result{Status: health.StatusDegraded, Message: err.Error()}
			}
			return health.Result{Status: health.StatusUp}
		})
	}
}

// startInstrumentation samples pool and producer gauges on a fixed cadence.
func (h *Hub) startInstrumentation() {
	h.instrumentStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(instrumentationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.Metrics.DBOpenConnections.Set(float64(h.DB.OpenConnections()))
				h.Metrics.ProducerQueueDepth.Set(float64(h.Producer.BufferLen()))
			case <-h.instrumentStop:
				return
			}
		}
	}()
}

// Shutdown tears the hub down in reverse dependency order: instrumentation
// timers, job queue, broker producer (with drain), cache pool, relational
// pool, columnar client, metrics server. Safe to call on a partially
// initialized hub and safe to call more than once.
func (h *Hub) Shutdown(ctx context.Context) {
	h.shutdownOnce.Do(func() {
		if h.instrumentStop != nil {
			close(h.instrumentStop)
		}
		if h.JobQueue != nil {
			h.JobQueue.Close()
		}
		if h.producerCancel != nil {
			h.producerCancel()
		}
		if h.Producer != nil {
			if err := h.Producer.Close(ctx); err != nil {
				h.logger.Error("producer drain failed during shutdown", "error", err)
			}
		}
		if h.Redis != nil {
			if err := h.Redis.Close(); err != nil {
				h.logger.Error("redis close failed", "error", err)
			}
		}
		if h.DB != nil {
			if err := h.DB.Close(); err != nil {
				h.logger.Error("postgres close failed", "error", err)
			}
		}
		if h.Columnar != nil {
			if err := h.Columnar.Close(); err != nil {
				h.logger.Error("columnar close failed", "error", err)
			}
		}
		if h.metricsShutdown != nil {
			if err := h.metricsShutdown(ctx); err != nil {
				h.logger.Error("metrics server shutdown failed", "error", err)
			}
		}
		h.logger.Info("hub shut down")
	})
}
