// Package jobqueue provides the Postgres-backed background job producer. The
// ingestion worker enqueues work for out-of-band processing (dead-lettered
// events, scheduled follow-ups); consumption happens in a separate service.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tidewave-analytics/tidewave/pkg/postgres"
)

// JobDeadLetter parks an event payload that failed with a downstream error
// so it can be replayed once the dependency recovers.
const JobDeadLetter = "dead_letter_event"

// Producer enqueues jobs into the relational job queue table.
type Producer struct {
	db     *postgres.Client
	table  string
	logger *slog.Logger
}

// NewProducer verifies the queue table is reachable and returns a Producer.
func NewProducer(ctx context.Context, db *postgres.Client, table string) (*Producer, error) {
	if table == "" {
		table = "job_queue"
	}
	// An empty table is fine; only a missing table or dead connection fails.
	var one int
	query := fmt.Sprintf(`SELECT 1 FROM %s LIMIT 1`, table)
	if err := db.DB.QueryRowContext(ctx, query).Scan(&one); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("verifying job queue table %s: %w", table, err)
	}
	return &Producer{
		db:     db,
		table:  table,
		logger: slog.Default().With("component", "jobqueue-producer", "table", table),
	}, nil
}

// Enqueue inserts a job with a JSON payload.
func (p *Producer) Enqueue(ctx context.Context, jobType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding job payload: %w", err)
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (job_type, payload, enqueued_at) VALUES ($1, $2, now())`,
		p.table,
	)
	if _, err := p.db.DB.ExecContext(ctx, query, jobType, data); err != nil {
		return fmt.Errorf("enqueueing %s job: %w", jobType, err)
	}
	p.logger.Debug("job enqueued", "job_type", jobType, "payload_size", len(data))
	return nil
}

// Close releases the producer. The underlying pool is shared and owned by the
// resource hub, so there is nothing to tear down beyond logging.
func (p *Producer) Close() {
	p.logger.Info("jobqueue producer closed")
}
