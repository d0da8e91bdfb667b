package prom

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/prefcache/cache"
)

func TestAdapter_FromCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "", "", prometheus.Labels{"app": "test"})

	c := cache.New[string, int](cache.Options[string, int]{MaxSize: 2, Segments: 1, Metrics: a})
	defer c.Close()

	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a")
	c.Get("zzz")
	c.Put("c", 3) // evicts one

	assert.Equal(t, 1.0, testutil.ToFloat64(a.hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.misses))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.evicts.WithLabelValues("capacity")))
	assert.Equal(t, 2.0, testutil.ToFloat64(a.entries.WithLabelValues("0")))

	n, err := testutil.GatherAndCount(reg, "prefs_cache_hits_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAdapter_Expose(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "app", "prefs", nil)
	a.Evict(cache.EvictTTL)
	a.Size(3, 7)

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP app_prefs_cache_segment_entries Resident entries per cache segment
# TYPE app_prefs_cache_segment_entries gauge
app_prefs_cache_segment_entries{segment="3"} 7
`), "app_prefs_cache_segment_entries")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.evicts.WithLabelValues("ttl")))
}
