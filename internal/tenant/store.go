// Package tenant resolves tenant (team) configuration for the ingestion
// pipeline. Lookups go through a Redis TTL cache backed by PostgreSQL, and
// the package also owns the tenant's event/property schema registry updates.
package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tidewave-analytics/tidewave/pkg/postgres"
)

// Tenant is the read-mostly per-team ingestion configuration.
type Tenant struct {
	ID                    int64  `json:"id"`
	Name                  string `json:"name"`
	AnonymizeIPs          bool   `json:"anonymize_ips"`
	SessionRecordingOptIn bool   `json:"session_recording_opt_in"`
}

// Store fetches tenants and maintains the schema registry in PostgreSQL.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewStore creates a tenant Store over the shared relational pool.
func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "tenant-store"),
	}
}

// FetchTenant loads a tenant by id. A missing tenant returns (nil, nil):
// mapping to the unknown-tenant error is the resolver's concern.
func (s *Store) FetchTenant(ctx context.Context, id int64) (*Tenant, error) {
	var t Tenant
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT id, name, anonymize_ips, session_recording_opt_in FROM teams WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.Name, &t.AnonymizeIPs, &t.SessionRecordingOptIn)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant %d: %w", id, err)
	}
	return &t, nil
}

// UpdateSchemaRegistry records the event name and its property names in the
// tenant's schema registry (event and property definitions). First-seen names
// are inserted; repeats are no-ops. The write runs in one transaction so a
// partially-registered event never becomes visible.
func (s *Store) UpdateSchemaRegistry(ctx context.Context, teamID int64, eventName string, properties map[string]any) error {
	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_definitions (team_id, name)
			 VALUES ($1, $2)
			 ON CONFLICT (team_id, name) DO NOTHING`,
			teamID, eventName,
		); err != nil {
			return fmt.Errorf("upserting event definition: %w", err)
		}
		for _, name := range names {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO property_definitions (team_id, name)
				 VALUES ($1, $2)
				 ON CONFLICT (team_id, name) DO NOTHING`,
				teamID, name,
			); err != nil {
				return fmt.Errorf("upserting property definition %s: %w", name, err)
			}
		}
		return nil
	})
}
