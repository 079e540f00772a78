package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tidewave-analytics/tidewave/pkg/config"
	"github.com/tidewave-analytics/tidewave/pkg/metrics"
)

// writer is the slice of kafka.Writer the producer depends on. Tests swap in
// an in-memory implementation.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BatchProducer queues messages for Kafka and flushes them in batches: when
// the buffer reaches the configured size, on a fixed cadence, and on Close.
// Queue and QueueJSON only guarantee the message was accepted into the batch,
// not that it is on the wire.
type BatchProducer struct {
	w             writer
	metrics       *metrics.Metrics
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []kafka.Message

	// flushMu serialises flush attempts so an explicit Flush drains behind
	// any in-flight background flush instead of racing it.
	flushMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// NewBatchProducer creates a BatchProducer over a single kafka.Writer. The
// topic is carried per message, keyed partitioning uses a hash balancer.
func NewBatchProducer(cfg config.KafkaConfig, m *metrics.Metrics) *BatchProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return newBatchProducer(w, m, cfg.ProducerBatchSize, cfg.ProducerFlushEvery)
}

func newBatchProducer(w writer, m *metrics.Metrics, batchSize int, flushInterval time.Duration) *BatchProducer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &BatchProducer{
		w:             w,
		metrics:       m,
		logger:        slog.Default().With("component", "batch-producer"),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buffer:        make([]kafka.Message, 0, batchSize),
		done:          make(chan struct{}),
	}
}

// Start launches the background flush loop, which runs until ctx is
// cancelled. A final short-deadline flush drains the buffer on exit.
func (p *BatchProducer) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				p.flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	p.logger.Info("batch producer started",
		"batch_size", p.batchSize,
		"flush_interval", p.flushInterval,
	)
}

// Queue accepts a raw message into the batch. It never blocks on the wire;
// a size-triggered flush runs asynchronously.
func (p *BatchProducer) Queue(topic, key string, value []byte) {
	p.mu.Lock()
	p.buffer = append(p.buffer, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	depth := len(p.buffer)
	p.mu.Unlock()

	p.metrics.MessagesQueuedTotal.WithLabelValues(topic).Inc()
	p.metrics.ProducerQueueDepth.Set(float64(depth))

	if depth >= p.batchSize {
		go p.flush(context.Background())
	}
}

// QueueJSON serialises v as JSON and queues it on the topic keyed by key.
func (p *BatchProducer) QueueJSON(topic, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling message for topic %s: %w", topic, err)
	}
	p.Queue(topic, key, value)
	return nil
}

// Flush writes every buffered message to Kafka and returns once the buffer
// is drained or the write fails.
func (p *BatchProducer) Flush(ctx context.Context) error {
	for {
		if err := p.flush(ctx); err != nil {
			return err
		}
		p.mu.Lock()
		remaining := len(p.buffer)
		p.mu.Unlock()
		if remaining == 0 {
			return nil
		}
	}
}

// Close performs a final drain and closes the underlying writer. Safe to call
// more than once.
func (p *BatchProducer) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		if flushErr := p.Flush(ctx); flushErr != nil {
			err = flushErr
		}
		if closeErr := p.w.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("closing kafka writer: %w", closeErr)
		}
	})
	return err
}

// BufferLen returns the current number of buffered messages.
func (p *BatchProducer) BufferLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func (p *BatchProducer) flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return nil
	}
	batch := p.buffer
	p.buffer = make([]kafka.Message, 0, p.batchSize)
	p.mu.Unlock()

	if err := p.w.WriteMessages(ctx, batch...); err != nil {
		p.metrics.BatchFlushesTotal.WithLabelValues("error").Inc()
		p.logger.Error("batch flush failed",
			"batch_size", len(batch),
			"error", err,
		)
		// Re-queue failed messages with a bounded buffer; repeated failure
		// drops the newest overflow so the oldest messages keep their
		// delivery order.
		p.mu.Lock()
		p.buffer = append(batch, p.buffer...)
		if max := p.batchSize * 3; len(p.buffer) > max {
			dropped := len(p.buffer) - max
			p.buffer = p.buffer[:max]
			p.metrics.MessagesDroppedTotal.Add(float64(dropped))
			p.logger.Warn("producer buffer overflow, newest messages dropped", "dropped", dropped)
		}
		p.metrics.ProducerQueueDepth.Set(float64(len(p.buffer)))
		p.mu.Unlock()
		return fmt.Errorf("publishing batch to kafka: %w", err)
	}

	p.metrics.BatchFlushesTotal.WithLabelValues("ok").Inc()
	p.mu.Lock()
	p.metrics.ProducerQueueDepth.Set(float64(len(p.buffer)))
	p.mu.Unlock()
	p.logger.Debug("batch flushed", "messages", len(batch))
	return nil
}
