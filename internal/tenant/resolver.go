package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/tidewave-analytics/tidewave/pkg/errors"
	"github.com/tidewave-analytics/tidewave/pkg/metrics"
	pkgredis "github.com/tidewave-analytics/tidewave/pkg/redis"
)

const cacheKeyPrefix = "tenant:"

// Fetcher loads tenants from the authoritative store.
type Fetcher interface {
	FetchTenant(ctx context.Context, id int64) (*Tenant, error)
}

// Resolver maps a tenant id to its configuration through a Redis TTL cache.
// Concurrent misses for the same tenant are collapsed into a single store
// fetch. Negative results are never cached: an unknown tenant is an upstream
// routing bug and caching it would delay recovery after tenant creation.
type Resolver struct {
	store   Fetcher
	cache   *pkgredis.Client
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewResolver creates a Resolver over the given store and cache.
func NewResolver(store Fetcher, cache *pkgredis.Client, ttl time.Duration, m *metrics.Metrics) *Resolver {
	return &Resolver{
		store:   store,
		cache:   cache,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "tenant-resolver"),
	}
}

// Fetch resolves a tenant by id. Unknown tenants fail with ErrUnknownTenant.
func (r *Resolver) Fetch(ctx context.Context, id int64) (*Tenant, error) {
	key := fmt.Sprintf("%s%d", cacheKeyPrefix, id)
	if data, err := r.cache.Get(ctx, key); err == nil {
		var t Tenant
		if err := json.Unmarshal([]byte(data), &t); err == nil {
			r.metrics.TenantCacheHitsTotal.Inc()
			return &t, nil
		}
		r.logger.Error("cache unmarshal failed, refetching", "key", key, "error", err)
	} else if !pkgredis.IsNilError(err) {
		r.logger.Error("cache get failed, falling through to store", "key", key, "error", err)
	}
	r.metrics.TenantCacheMissesTotal.Inc()

	result, err, _ := r.group.Do(key, func() (any, error) {
		t, err := r.store.FetchTenant(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetching tenant %d: %w", id, err)
		}
		if t == nil {
			return nil, apperrors.Newf(apperrors.ErrUnknownTenant, "tenant %d", id)
		}
		r.cacheSet(ctx, key, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Tenant), nil
}

// Invalidate drops a tenant's cache entry. Called by configuration-change
// consumers outside the per-event path.
func (r *Resolver) Invalidate(ctx context.Context, id int64) error {
	return r.cache.Del(ctx, fmt.Sprintf("%s%d", cacheKeyPrefix, id))
}

func (r *Resolver) cacheSet(ctx context.Context, key string, t *Tenant) {
	data, err := json.Marshal(t)
	if err != nil {
		r.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := r.cache.Set(ctx, key, data, r.ttl); err != nil {
		r.logger.Error("cache set failed", "key", key, "error", err)
	}
}
