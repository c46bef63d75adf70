package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkessler/mempool"
)

func TestCollectorReportsPoolStats(t *testing.T) {
	pool, err := mempool.Setup(mempool.PolicySlab, make([]byte, 1<<23), mempool.Options{})
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(NewCollector(pool)))

	off, err := pool.Alloc(32)
	require.NoError(t, err)
	_, err = pool.Alloc(32)
	require.NoError(t, err)
	pool.Free(off)

	expected := `
		# HELP mempool_allocs_total Total successful allocations.
		# TYPE mempool_allocs_total counter
		mempool_allocs_total{policy="slab"} 2
		# HELP mempool_frees_total Total free operations.
		# TYPE mempool_frees_total counter
		mempool_frees_total{policy="slab"} 1
		# HELP mempool_slab_objects_used Slab object slots currently in use.
		# TYPE mempool_slab_objects_used gauge
		mempool_slab_objects_used{policy="slab"} 1
	`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"mempool_allocs_total", "mempool_frees_total", "mempool_slab_objects_used"))
}

func TestCollectorBytesReserved(t *testing.T) {
	pool, err := mempool.Setup(mempool.PolicyBuddy, make([]byte, 1<<23), mempool.Options{})
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(NewCollector(pool)))

	_, err = pool.Alloc(100)
	require.NoError(t, err)

	expected := `
		# HELP mempool_bytes_reserved Bytes currently held by reserved buddy chunks.
		# TYPE mempool_bytes_reserved gauge
		mempool_bytes_reserved{policy="buddy"} 512
	`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"mempool_bytes_reserved"))
}
