package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakeSource struct{ snap Snapshot }

func (f fakeSource) Snapshot() Snapshot { return f.snap }

func TestCollectorExposesSnapshotViaRegistry(t *testing.T) {
	src := fakeSource{snap: Snapshot{
		ReservedBytes:     1 << 20,
		FreeBytes:         1 << 10,
		ThreadCacheBytes:  4096,
		CentralCacheBytes: 2048,
		ShardCount:        8,
	}}
	c := New(src)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			values[fam.GetName()] = m.GetGauge().GetValue()
		}
	}

	require.Equal(t, float64(1<<20), values["tcmalloc_reserved_bytes"])
	require.Equal(t, float64(1<<10), values["tcmalloc_free_bytes"])
	require.Equal(t, float64(4096), values["tcmalloc_thread_cache_bytes"])
	require.Equal(t, float64(2048), values["tcmalloc_central_cache_bytes"])
	require.Equal(t, float64(8), values["tcmalloc_thread_cache_shards"])
}
