package group

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewave-analytics/tidewave/internal/pipeline"
	"github.com/tidewave-analytics/tidewave/pkg/metrics"
	pkgredis "github.com/tidewave-analytics/tidewave/pkg/redis"
)

// countingAllocator mimics the relational allocator: first-seen names get the
// next free slot, permanently, up to the per-tenant bound.
type countingAllocator struct {
	mu       sync.Mutex
	bindings map[int64]map[string]int
	calls    int
}

func newCountingAllocator() *countingAllocator {
	return &countingAllocator{bindings: make(map[int64]map[string]int)}
}

func (a *countingAllocator) Index(ctx context.Context, teamID int64, name string) (int, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	byName, ok := a.bindings[teamID]
	if !ok {
		byName = make(map[string]int)
		a.bindings[teamID] = byName
	}
	if index, ok := byName[name]; ok {
		return index, true, nil
	}
	if len(byName) >= pipeline.MaxGroupTypesPerTenant {
		return 0, false, nil
	}
	index := len(byName)
	byName[name] = index
	return index, true, nil
}

func newRegistryFixture(t *testing.T) (*Registry, *countingAllocator) {
	t.Helper()
	mr := miniredis.RunT(t)
	alloc := newCountingAllocator()
	r := NewRegistry(alloc, pkgredis.NewClientFromAddr(mr.Addr()), metrics.New(prometheus.NewRegistry()))
	return r, alloc
}

func TestRegistryAllocatesAndCaches(t *testing.T) {
	r, alloc := newRegistryFixture(t)
	ctx := context.Background()

	index, ok, err := r.Index(ctx, 1, "company")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, index)
	assert.Equal(t, 1, alloc.calls)

	index, ok, err = r.Index(ctx, 1, "company")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, index)
	assert.Equal(t, 1, alloc.calls, "a bound name is served from the cache")
}

func TestRegistryBindingIsIdempotent(t *testing.T) {
	r, _ := newRegistryFixture(t)
	ctx := context.Background()

	first, ok, err := r.Index(ctx, 1, "project")
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 10; i++ {
		index, ok, err := r.Index(ctx, 1, "project")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first, index, "a name's slot never changes once bound")
	}
}

func TestRegistrySlotsArePerTenant(t *testing.T) {
	r, _ := newRegistryFixture(t)
	ctx := context.Background()

	a, _, err := r.Index(ctx, 1, "company")
	require.NoError(t, err)
	b, _, err := r.Index(ctx, 2, "company")
	require.NoError(t, err)
	assert.Equal(t, 0, a)
	assert.Equal(t, 0, b, "each tenant has its own slot space")
}

func TestRegistryCapacity(t *testing.T) {
	r, _ := newRegistryFixture(t)
	ctx := context.Background()

	names := []string{"a", "b", "c", "d", "e"}
	for i, name := range names {
		index, ok, err := r.Index(ctx, 1, name)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, i, index)
	}

	_, ok, err := r.Index(ctx, 1, "overflow")
	require.NoError(t, err, "capacity is a soft condition, not an error")
	assert.False(t, ok)

	// Existing bindings keep resolving after the registry fills up.
	index, ok, err := r.Index(ctx, 1, "c")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, index)
}

func TestRegistryConcurrentFirstSeen(t *testing.T) {
	r, _ := newRegistryFixture(t)
	ctx := context.Background()

	const workers = 16
	indexes := make([]int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			index, ok, err := r.Index(ctx, 1, "company")
			assert.NoError(t, err)
			assert.True(t, ok)
			indexes[i] = index
		}(i)
	}
	wg.Wait()

	for _, index := range indexes {
		assert.Equal(t, indexes[0], index, "concurrent first-seen requests converge on one slot")
	}
}
