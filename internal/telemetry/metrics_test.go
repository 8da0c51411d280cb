package telemetry

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findFamily(t *testing.T, families []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestRegistryExposesCacheMetrics(t *testing.T) {
	CacheHits.WithLabelValues("gather-test").Inc()
	CacheHits.WithLabelValues("gather-test").Inc()
	CacheItems.WithLabelValues("gather-test").Set(7)

	families, err := Registry.Gather()
	require.NoError(t, err)

	hits := findFamily(t, families, "confluxscan_cache_hits_total")
	require.NotNil(t, hits)
	assert.Equal(t, dto.MetricType_COUNTER, hits.GetType())

	var found bool
	for _, m := range hits.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "cache" && l.GetValue() == "gather-test" {
				found = true
				assert.GreaterOrEqual(t, m.GetCounter().GetValue(), 2.0)
			}
		}
	}
	assert.True(t, found, "labelled series registered")

	items := findFamily(t, families, "confluxscan_cache_items")
	require.NotNil(t, items)
	assert.Equal(t, dto.MetricType_GAUGE, items.GetType())
}

func TestBreakerStateGauge(t *testing.T) {
	BreakerState.WithLabelValues("gather-test").Set(2)

	families, err := Registry.Gather()
	require.NoError(t, err)
	fam := findFamily(t, families, "confluxscan_breaker_state")
	require.NotNil(t, fam)

	for _, m := range fam.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetValue() == "gather-test" {
				assert.Equal(t, 2.0, m.GetGauge().GetValue())
			}
		}
	}
}
