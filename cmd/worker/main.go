// The ingestion worker consumes raw analytics events from Kafka, runs them
// through the enrichment pipeline, and publishes the results to the
// downstream events and session recording topics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tidewave-analytics/tidewave/internal/hub"
	"github.com/tidewave-analytics/tidewave/internal/jobqueue"
	"github.com/tidewave-analytics/tidewave/internal/person"
	"github.com/tidewave-analytics/tidewave/internal/pipeline"
	"github.com/tidewave-analytics/tidewave/pkg/config"
	apperrors "github.com/tidewave-analytics/tidewave/pkg/errors"
	"github.com/tidewave-analytics/tidewave/pkg/kafka"
	"github.com/tidewave-analytics/tidewave/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	log := slog.Default().With("component", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := hub.New(ctx, cfg)
	if err != nil {
		log.Error("failed to initialize resources", "error", err)
		os.Exit(1)
	}

	healthServer := startHealthServer(cfg, h)

	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.RawEvents, makeHandler(h))
	log.Info("ingestion worker starting",
		"topic", cfg.Kafka.Topics.RawEvents,
		"group", cfg.Kafka.ConsumerGroup,
	)

	consumeErr := consumer.Start(ctx)
	if consumeErr != nil && !errors.Is(consumeErr, context.Canceled) {
		log.Error("consumer stopped with error", "error", consumeErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Error("health server shutdown failed", "error", err)
	}
	h.Shutdown(shutdownCtx)
	log.Info("ingestion worker stopped")
}

// makeHandler builds the per-message callback. Fatal classification errors
// (malformed identifiers, unknown tenants) are logged and committed so the
// partition keeps moving; downstream failures are dead-lettered best-effort
// and returned so the message is redelivered.
func makeHandler(h *hub.Hub) kafka.MessageHandler {
	log := slog.Default().With("component", "worker")
	return func(ctx context.Context, key []byte, value []byte) error {
		raw, err := kafka.DecodeJSON[pipeline.RawEvent](value)
		if err != nil {
			log.Error("dropping undecodable message", "key", string(key), "error", err)
			return nil
		}

		ts := time.Now().UTC()
		if raw.Timestamp != nil {
			ts = raw.Timestamp.UTC()
		}
		ctx = logger.WithEventID(ctx, raw.UUID)

		pre, err := h.Processor.ProcessEvent(ctx, raw.DistinctID, raw.IP, &raw, raw.TeamID, ts, raw.UUID)
		if err == nil && pre != nil && pre.Event != pipeline.EventSnapshot {
			resolver := person.ByActor(h.Persons, pre.TeamID, pre.DistinctID)
			_, err = h.Processor.CreateEvent(ctx, pre, resolver)
		}
		if err == nil {
			return nil
		}

		if apperrors.IsFatal(err) {
			logger.FromContext(ctx).Warn("dropping event", "team_id", raw.TeamID, "error", err)
			return nil
		}

		if h.JobQueue != nil {
			if dlErr := h.JobQueue.Enqueue(ctx, jobqueue.JobDeadLetter, raw); dlErr != nil {
				logger.FromContext(ctx).Error("dead-letter enqueue failed", "error", dlErr)
			}
		}
		return fmt.Errorf("processing event %s: %w", raw.UUID, err)
	}
}

func startHealthServer(cfg *config.Config, h *hub.Hub) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", h.Health.LiveHandler())
	mux.HandleFunc("/health/ready", h.Health.ReadyHandler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Worker.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Worker.ReadTimeout,
		WriteTimeout: cfg.Worker.WriteTimeout,
	}
	go func() {
		slog.Info("health server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
		}
	}()
	return server
}
