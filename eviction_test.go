package rendercache

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillImages(t *testing.T, mgr *Manager, n, size int) {
	t.Helper()
	for i := 0; i < n; i++ {
		payload := make([]byte, size)
		payload[0] = byte(i)
		payload[1] = byte(i >> 8)
		_, err := mgr.GetOrCompute(context.Background(), ResourceImage,
			fmt.Sprintf("img-%d", i), staticCompute(payload))
		require.NoError(t, err)
	}
}

func TestElevatedPressureEvictsToEightyPercent(t *testing.T) {
	mgr := newTestManager(t, WithBudgets(10*1024, 1<<20, 1<<20))
	fillImages(t, mgr, 10, 1024)
	require.Equal(t, int64(10*1024), mgr.Store().Usage(TierHot))

	mgr.SetPressure(PressureElevated)

	require.Eventually(t, func() bool {
		return mgr.Store().Usage(TierHot) <= 8*1024
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, PressureElevated, mgr.Stats().Pressure)
}

func TestCriticalPressureEvictsToHalf(t *testing.T) {
	mgr := newTestManager(t, WithBudgets(10*1024, 1<<20, 1<<20))
	fillImages(t, mgr, 10, 1024)

	mgr.SetPressure(PressureCritical)

	require.Eventually(t, func() bool {
		return mgr.Store().Usage(TierHot) <= 5*1024
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCriticalPressureHibernatesIdleContexts(t *testing.T) {
	mgr := newTestManager(t, WithIdleThreshold(0))

	ctx, err := mgr.RegisterContext(1, func() ([]byte, error) {
		return []byte("serialized tab state"), nil
	})
	require.NoError(t, err)

	h := mgr.Store().Put([]byte("held resource"))
	require.NoError(t, ctx.Retain(h))

	// Pinned contexts must survive the sweep.
	pinned, err := mgr.RegisterContext(2, func() ([]byte, error) {
		return []byte("foreground tab"), nil
	})
	require.NoError(t, err)
	pinned.SetPinned(true)

	mgr.SetPressure(PressureCritical)

	require.Eventually(t, func() bool {
		return ctx.State() == ContextHibernated
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, ContextActive, pinned.State())
	assert.Equal(t, int64(0), mgr.Store().RefCount(h.Digest()))
}

func TestRepeatedPressureSignalIsIdempotent(t *testing.T) {
	mgr := newTestManager(t, WithBudgets(10*1024, 1<<20, 1<<20))
	fillImages(t, mgr, 10, 1024)

	mgr.SetPressure(PressureElevated)
	mgr.SetPressure(PressureElevated)
	mgr.SetPressure(PressureNormal)
	mgr.SetPressure(PressureElevated)

	require.Eventually(t, func() bool {
		return mgr.Store().Usage(TierHot) <= 8*1024
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUsageWithinBudgetAfterEveryInsertion(t *testing.T) {
	const hotBudget = 8 * 1024
	mgr := newTestManager(t, WithBudgets(hotBudget, 64*1024, 1<<20))
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 200; i++ {
		size := 64 + rng.Intn(2048)
		payload := make([]byte, size)
		rng.Read(payload)

		_, err := mgr.GetOrCompute(context.Background(), ResourceLayout,
			fmt.Sprintf("frag-%d", i), staticCompute(payload))
		require.NoError(t, err)

		// The synchronous pass ran to completion, so usage is within
		// budget with no slack left over.
		assert.LessOrEqual(t, mgr.Store().Usage(TierHot), int64(hotBudget))
	}
}

func TestEvictionPrefersLowPriorityTypes(t *testing.T) {
	mgr := newTestManager(t, WithBudgets(4*1024, 1<<20, 1<<20))

	// Layout outranks image for retention.
	layout := make([]byte, 2048)
	layout[0] = 1
	_, err := mgr.GetOrCompute(context.Background(), ResourceLayout, "root", staticCompute(layout))
	require.NoError(t, err)

	image := make([]byte, 2048)
	image[0] = 2
	_, err = mgr.GetOrCompute(context.Background(), ResourceImage, "hero.png", staticCompute(image))
	require.NoError(t, err)

	// A third insertion overflows: the image goes first even though the
	// layout entry is staler.
	extra := make([]byte, 2048)
	extra[0] = 3
	_, err = mgr.GetOrCompute(context.Background(), ResourceBytecode, "main.js", staticCompute(extra))
	require.NoError(t, err)

	ref, ok := mgr.RefFor(ResourceLayout, "root")
	require.True(t, ok)
	digest, err := mgr.Refs().Resolve(ref)
	require.NoError(t, err)
	tier, resident := mgr.Store().TierOf(digest)
	require.True(t, resident)
	assert.Equal(t, TierHot, tier)

	ref, ok = mgr.RefFor(ResourceImage, "hero.png")
	require.True(t, ok)
	digest, err = mgr.Refs().Resolve(ref)
	require.NoError(t, err)
	tier, _ = mgr.Store().TierOf(digest)
	assert.NotEqual(t, TierHot, tier)
}
