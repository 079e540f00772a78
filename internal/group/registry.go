// Package group manages non-person entities (organizations, accounts, ...)
// associated with events. Each tenant has a small fixed number of group-type
// slots; a group-type name is permanently bound to a slot index on first use.
package group

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/tidewave-analytics/tidewave/internal/pipeline"
	"github.com/tidewave-analytics/tidewave/pkg/metrics"
	"github.com/tidewave-analytics/tidewave/pkg/postgres"
	pkgredis "github.com/tidewave-analytics/tidewave/pkg/redis"
)

const bindingKeyPrefix = "group_type_bindings:"

// Allocator resolves or allocates the slot index bound to a group-type name.
// ok=false means the tenant's slots are exhausted.
type Allocator interface {
	Index(ctx context.Context, teamID int64, name string) (index int, ok bool, err error)
}

// Registry serves group-type slot lookups from a Redis cache (bindings are
// permanent, so entries never expire) backed by an authoritative Allocator.
// Concurrent first-seen requests for the same (tenant, name) pair collapse
// into one allocation.
type Registry struct {
	alloc   Allocator
	cache   *pkgredis.Client
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRegistry creates a Registry over the given allocator and cache.
func NewRegistry(alloc Allocator, cache *pkgredis.Client, m *metrics.Metrics) *Registry {
	return &Registry{
		alloc:   alloc,
		cache:   cache,
		metrics: m,
		logger:  slog.Default().With("component", "group-registry"),
	}
}

// Index resolves the slot index for (teamID, name), allocating a new binding
// if the name is first-seen and a slot is free. ok=false signals the registry
// is at capacity for the tenant; that is a soft condition, not an error.
func (r *Registry) Index(ctx context.Context, teamID int64, name string) (int, bool, error) {
	cacheKey := fmt.Sprintf("%s%d", bindingKeyPrefix, teamID)
	if v, err := r.cache.HGet(ctx, cacheKey, name); err == nil {
		if index, convErr := strconv.Atoi(v); convErr == nil {
			return index, true, nil
		}
	} else if !pkgredis.IsNilError(err) {
		r.logger.Error("binding cache read failed", "team_id", teamID, "error", err)
	}

	type binding struct {
		index int
		ok    bool
	}
	result, err, _ := r.group.Do(fmt.Sprintf("%d:%s", teamID, name), func() (any, error) {
		index, ok, err := r.alloc.Index(ctx, teamID, name)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := r.cache.HSetNX(ctx, cacheKey, name, index); err != nil {
				r.logger.Error("binding cache write failed", "team_id", teamID, "error", err)
			}
		}
		return binding{index: index, ok: ok}, nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("resolving group type %q for tenant %d: %w", name, teamID, err)
	}
	b := result.(binding)
	return b.index, b.ok, nil
}

// PostgresAllocator is the authoritative group-type slot allocator. A unique
// constraint on (team_id, group_type) and on (team_id, group_type_index)
// guarantees one winning index per name under concurrent insertion.
type PostgresAllocator struct {
	db     *postgres.Client
	max    int
	logger *slog.Logger
	m      *metrics.Metrics
}

// NewPostgresAllocator creates an allocator bounded by the pipeline's
// per-tenant slot limit.
func NewPostgresAllocator(db *postgres.Client, m *metrics.Metrics) *PostgresAllocator {
	return &PostgresAllocator{
		db:     db,
		max:    pipeline.MaxGroupTypesPerTenant,
		logger: slog.Default().With("component", "group-allocator"),
		m:      m,
	}
}

// Index looks up an existing binding or inserts the next free index. Losing
// an insertion race simply retries the lookup; the loop is bounded because
// each retry either observes the winner's row or the slot count growing.
func (a *PostgresAllocator) Index(ctx context.Context, teamID int64, name string) (int, bool, error) {
	for attempt := 0; attempt <= a.max; attempt++ {
		var index int
		err := a.db.DB.QueryRowContext(ctx,
			`SELECT group_type_index FROM group_type_mappings
			 WHERE team_id = $1 AND group_type = $2`,
			teamID, name,
		).Scan(&index)
		if err == nil {
			return index, true, nil
		}
		if err != sql.ErrNoRows {
			return 0, false, fmt.Errorf("querying group type mapping: %w", err)
		}

		err = a.db.DB.QueryRowContext(ctx,
			`INSERT INTO group_type_mappings (team_id, group_type, group_type_index)
			 SELECT $1, $2, next_index
			 FROM (SELECT COALESCE(MAX(group_type_index) + 1, 0) AS next_index
			       FROM group_type_mappings WHERE team_id = $1) candidate
			 WHERE next_index < $3
			 ON CONFLICT DO NOTHING
			 RETURNING group_type_index`,
			teamID, name, a.max,
		).Scan(&index)
		if err == nil {
			a.m.GroupTypeAllocationsTotal.Inc()
			a.logger.Info("allocated group type slot",
				"team_id", teamID,
				"group_type", name,
				"index", index,
			)
			return index, true, nil
		}
		if err != sql.ErrNoRows {
			return 0, false, fmt.Errorf("inserting group type mapping: %w", err)
		}
		// No row returned: either we lost a race or every slot is taken.
		// The next lookup distinguishes the two.
	}

	var used int
	if err := a.db.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM group_type_mappings WHERE team_id = $1`,
		teamID,
	).Scan(&used); err != nil {
		return 0, false, fmt.Errorf("counting group type mappings: %w", err)
	}
	if used >= a.max {
		return 0, false, nil
	}
	return 0, false, fmt.Errorf("group type allocation for tenant %d did not converge", teamID)
}
