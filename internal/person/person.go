// Package person resolves the identity record associated with a distinct
// actor. The pipeline never mutates persons; it only reads them to project
// person context onto outbound event records.
package person

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidewave-analytics/tidewave/pkg/postgres"
)

// Record is an actor's identity as stored by the identity subsystem.
type Record struct {
	UUID       string
	Properties map[string]any
	CreatedAt  time.Time
}

// Store fetches person records from PostgreSQL.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewStore creates a person Store over the shared relational pool.
func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "person-store"),
	}
}

// FetchByActor resolves the person owning a distinct id within a tenant. A
// new, unidentified actor returns (nil, nil).
func (s *Store) FetchByActor(ctx context.Context, teamID int64, distinctID string) (*Record, error) {
	var rec Record
	var props []byte
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT p.uuid, p.properties, p.created_at
		 FROM persons p
		 JOIN person_distinct_ids d ON d.person_id = p.id
		 WHERE d.team_id = $1 AND d.distinct_id = $2`,
		teamID, distinctID,
	).Scan(&rec.UUID, &props, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying person for distinct id: %w", err)
	}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &rec.Properties); err != nil {
			return nil, fmt.Errorf("decoding person properties: %w", err)
		}
	}
	return &rec, nil
}

// Fetcher is the narrow store surface a Lazy resolver depends on.
type Fetcher interface {
	FetchByActor(ctx context.Context, teamID int64, distinctID string) (*Record, error)
}

// Lazy is a memoized person resolver: at most one underlying fetch, whose
// outcome (record, absence, or error) is cached for subsequent Get calls. A
// pre-seeded Lazy never touches the store.
type Lazy struct {
	fetch func(ctx context.Context) (*Record, error)

	mu   sync.Mutex
	done bool
	rec  *Record
	err  error
}

// Seeded returns a Lazy pre-populated with a record already fetched by an
// upstream step. rec may be nil for a known-absent person.
func Seeded(rec *Record) *Lazy {
	return &Lazy{done: true, rec: rec}
}

// ByActor returns a Lazy that fetches the person for (teamID, distinctID) on
// first Get.
func ByActor(store Fetcher, teamID int64, distinctID string) *Lazy {
	return &Lazy{
		fetch: func(ctx context.Context) (*Record, error) {
			return store.FetchByActor(ctx, teamID, distinctID)
		},
	}
}

// Get returns the resolved person, fetching it on first use. A nil record
// with nil error means the actor has no identity yet.
func (l *Lazy) Get(ctx context.Context) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.done {
		l.rec, l.err = l.fetch(ctx)
		l.done = true
	}
	return l.rec, l.err
}
