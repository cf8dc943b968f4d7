package rendercache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsTracksUsageAndHitRates(t *testing.T) {
	mgr := newTestManager(t)
	bg := context.Background()

	data := []byte("a stylesheet")
	_, err := mgr.GetOrCompute(bg, ResourceStyle, "main.css", staticCompute(data))
	require.NoError(t, err)
	_, err = mgr.GetOrCompute(bg, ResourceStyle, "main.css", staticCompute(data))
	require.NoError(t, err)
	_, err = mgr.GetOrCompute(bg, ResourceImage, "logo.png", staticCompute([]byte("png")))
	require.NoError(t, err)

	stats := mgr.Stats()

	style := stats.PerType[ResourceStyle]
	assert.Equal(t, 1, style.Entries)
	assert.Equal(t, uint64(1), style.Hits)
	assert.Equal(t, uint64(1), style.Misses)
	assert.InDelta(t, 0.5, style.HitRate(), 1e-9)

	image := stats.PerType[ResourceImage]
	assert.Equal(t, uint64(0), image.Hits)
	assert.Equal(t, uint64(1), image.Misses)

	// 1 hit out of 3 lookups across all namespaces.
	assert.InDelta(t, 1.0/3.0, stats.OverallHitRate(), 1e-9)

	hot := stats.Tiers[TierHot]
	assert.Equal(t, TierHot, hot.Tier)
	assert.EqualValues(t, len(data)+3, hot.Used)
	assert.Positive(t, hot.Budget)
	assert.Greater(t, stats.MemoryPressure(), 0.0)
	assert.Equal(t, PressureNormal, stats.Pressure)
}

func TestStatsZeroValueRates(t *testing.T) {
	assert.Zero(t, CacheStats{}.HitRate())
	assert.Zero(t, ManagerStats{}.OverallHitRate())
	assert.Zero(t, ManagerStats{}.MemoryPressure())
}
