package group

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidewave-analytics/tidewave/pkg/postgres"
)

// Columns is the column projection of a group carried on outbound event
// records.
type Columns struct {
	Key        string
	Properties map[string]any
	CreatedAt  time.Time
}

// Store persists group records and serves their column projections.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewStore creates a group Store over the shared relational pool.
func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "group-store"),
	}
}

// Upsert merges properties into the group record at (teamID, index, key).
// Merging is last-write-wins by timestamp: the side with the newer timestamp
// keeps conflicting keys, and keys unique to either side always survive. The
// read-merge-write runs under a row lock so concurrent upserts serialize.
func (s *Store) Upsert(ctx context.Context, teamID int64, index int, key string, properties map[string]any, ts time.Time) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		var storedJSON []byte
		var storedAt time.Time
		err := tx.QueryRowContext(ctx,
			`SELECT group_properties, properties_last_updated_at FROM groups
			 WHERE team_id = $1 AND group_type_index = $2 AND group_key = $3
			 FOR UPDATE`,
			teamID, index, key,
		).Scan(&storedJSON, &storedAt)
		if err == sql.ErrNoRows {
			data, err := json.Marshal(properties)
			if err != nil {
				return fmt.Errorf("encoding group properties: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO groups (team_id, group_type_index, group_key, group_properties, created_at, properties_last_updated_at)
				 VALUES ($1, $2, $3, $4, $5, $5)`,
				teamID, index, key, data, ts.UTC(),
			); err != nil {
				return fmt.Errorf("inserting group record: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("locking group record: %w", err)
		}

		var stored map[string]any
		if len(storedJSON) > 0 {
			if err := json.Unmarshal(storedJSON, &stored); err != nil {
				return fmt.Errorf("decoding stored group properties: %w", err)
			}
		}
		var merged map[string]any
		if ts.Before(storedAt) {
			merged = mergeProperties(properties, stored)
		} else {
			merged = mergeProperties(stored, properties)
		}
		data, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encoding merged group properties: %w", err)
		}
		newest := storedAt
		if ts.After(storedAt) {
			newest = ts.UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE groups SET group_properties = $4, properties_last_updated_at = $5
			 WHERE team_id = $1 AND group_type_index = $2 AND group_key = $3`,
			teamID, index, key, data, newest,
		); err != nil {
			return fmt.Errorf("updating group record: %w", err)
		}
		return nil
	})
}

// GetGroupColumns resolves each (slot index -> group key) reference to its
// current column projection. Unknown groups are simply absent from the result.
func (s *Store) GetGroupColumns(ctx context.Context, teamID int64, refs map[int]string) (map[int]Columns, error) {
	out := make(map[int]Columns, len(refs))
	for index, key := range refs {
		var propsJSON []byte
		var createdAt time.Time
		err := s.db.DB.QueryRowContext(ctx,
			`SELECT group_properties, created_at FROM groups
			 WHERE team_id = $1 AND group_type_index = $2 AND group_key = $3`,
			teamID, index, key,
		).Scan(&propsJSON, &createdAt)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("querying group columns for slot %d: %w", index, err)
		}
		var props map[string]any
		if len(propsJSON) > 0 {
			if err := json.Unmarshal(propsJSON, &props); err != nil {
				return nil, fmt.Errorf("decoding group properties for slot %d: %w", index, err)
			}
		}
		out[index] = Columns{Key: key, Properties: props, CreatedAt: createdAt}
	}
	return out, nil
}

// mergeProperties overlays wins onto base key-wise; wins takes conflicts.
func mergeProperties(base, wins map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(wins))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range wins {
		merged[k] = v
	}
	return merged
}
