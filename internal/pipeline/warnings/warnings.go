// Package warnings writes best-effort ingestion diagnostics to a dedicated
// broker topic. Recording a warning must never fail or block the event that
// triggered it, and repeats of the same warning are debounced per tenant.
package warnings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tidewave-analytics/tidewave/pkg/metrics"
)

// Warning types emitted by the pipeline.
const (
	TypeInvalidEventUUID = "skipping_event_invalid_uuid"
)

// Producer is the broker surface the sink publishes through.
type Producer interface {
	QueueJSON(topic, key string, v any) error
}

// message is the wire form written to the warnings topic.
type message struct {
	TeamID    int64  `json:"team_id"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
}

// Sink records ingestion warnings. All failure modes are swallowed after
// logging; the caller's critical path never observes them.
type Sink struct {
	producer Producer
	topic    string
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSink creates a Sink that allows one warning per (tenant, type) pair per
// interval.
func NewSink(producer Producer, topic string, interval time.Duration, m *metrics.Metrics) *Sink {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sink{
		producer: producer,
		topic:    topic,
		interval: interval,
		metrics:  m,
		logger:   slog.Default().With("component", "warning-sink"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Record queues a warning for the tenant. Debounced repeats and publish
// failures are dropped silently (logged at debug/error level only).
func (s *Sink) Record(ctx context.Context, teamID int64, warningType string, details map[string]any) {
	if !s.allow(teamID, warningType) {
		s.logger.Debug("warning debounced", "team_id", teamID, "type", warningType)
		return
	}

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		s.logger.Error("failed to encode warning details",
			"team_id", teamID,
			"type", warningType,
			"error", err,
		)
		detailsJSON = []byte("{}")
	}
	msg := message{
		TeamID:    teamID,
		Type:      warningType,
		Source:    "ingestion-worker",
		Details:   string(detailsJSON),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.producer.QueueJSON(s.topic, fmt.Sprintf("%d:%s", teamID, warningType), msg); err != nil {
		s.logger.Error("failed to queue ingestion warning",
			"team_id", teamID,
			"type", warningType,
			"error", err,
		)
		return
	}
	s.metrics.IngestionWarningsTotal.WithLabelValues(warningType).Inc()
}

func (s *Sink) allow(teamID int64, warningType string) bool {
	key := fmt.Sprintf("%d:%s", teamID, warningType)
	s.mu.Lock()
	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(s.interval), 1)
		s.limiters[key] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}
