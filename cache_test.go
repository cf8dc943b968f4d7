package rendercache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithColdDir(t.TempDir()),
		WithLogger(discardLogger()),
	}
	mgr, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func staticCompute(data []byte) ComputeFunc {
	return func(context.Context) ([]byte, error) { return data, nil }
}

func TestGetOrComputeCachesResult(t *testing.T) {
	mgr := newTestManager(t)
	var calls atomic.Int32

	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("computed style"), nil
	}

	for i := 0; i < 3; i++ {
		data, err := mgr.GetOrCompute(context.Background(), ResourceStyle, "body>div", compute)
		require.NoError(t, err)
		assert.Equal(t, []byte("computed style"), data)
	}
	assert.Equal(t, int32(1), calls.Load())

	stats := mgr.Stats()
	assert.Equal(t, uint64(2), stats.PerType[ResourceStyle].Hits)
	assert.Equal(t, uint64(1), stats.PerType[ResourceStyle].Misses)
}

func TestNamespacesAreIndependent(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.GetOrCompute(context.Background(), ResourceStyle, "k", staticCompute([]byte("style bytes")))
	require.NoError(t, err)

	// Same logical key in another namespace misses and computes its own
	// value.
	data, err := mgr.GetOrCompute(context.Background(), ResourceLayout, "k", staticCompute([]byte("layout bytes")))
	require.NoError(t, err)
	assert.Equal(t, []byte("layout bytes"), data)
}

func TestComputeFailureNotCached(t *testing.T) {
	mgr := newTestManager(t)
	boom := errors.New("font table truncated")
	var calls int

	compute := func(context.Context) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return []byte("decoded"), nil
	}

	_, err := mgr.GetOrCompute(context.Background(), ResourceFont, "arial:12", compute)
	assert.ErrorIs(t, err, boom)

	// The failure was not cached; the next call computes again and
	// succeeds.
	data, err := mgr.GetOrCompute(context.Background(), ResourceFont, "arial:12", compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("decoded"), data)
	assert.Equal(t, 2, calls)
}

func TestLookupThroughGenerationalRef(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.GetOrCompute(context.Background(), ResourceBytecode, "app.js", staticCompute([]byte("bytecode")))
	require.NoError(t, err)

	ref, ok := mgr.RefFor(ResourceBytecode, "app.js")
	require.True(t, ok)

	data, err := mgr.Lookup(ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("bytecode"), data)
}

func TestRefGoesStaleAfterReclamation(t *testing.T) {
	// Budgets force the full demotion cascade: warm and cold budgets of
	// zero mean anything pushed out of hot is reclaimed outright.
	mgr := newTestManager(t, WithBudgets(2048, 0, 0))

	_, err := mgr.GetOrCompute(context.Background(), ResourceImage, "a.png",
		staticCompute(make([]byte, 1024)))
	require.NoError(t, err)

	ref, ok := mgr.RefFor(ResourceImage, "a.png")
	require.True(t, ok)

	// A second image overflows the hot tier; the first is demoted and,
	// with no warm or cold capacity, reclaimed.
	img2 := make([]byte, 2048)
	img2[0] = 1
	_, err = mgr.GetOrCompute(context.Background(), ResourceImage, "b.png", staticCompute(img2))
	require.NoError(t, err)

	_, err = mgr.Lookup(ref)
	assert.ErrorIs(t, err, ErrStaleRef)
	_, ok = mgr.RefFor(ResourceImage, "a.png")
	assert.False(t, ok)
}

func TestHundredImagesTenKilobyteBudget(t *testing.T) {
	mgr := newTestManager(t, WithBudgets(10*1024, 1<<20, 1<<20))
	rng := rand.New(rand.NewSource(42))

	keys := make([]string, 100)
	payloads := make(map[string][]byte, 100)
	for i := range keys {
		keys[i] = fmt.Sprintf("img-%03d", i)
		payload := make([]byte, 1024)
		rng.Read(payload)
		payloads[keys[i]] = payload

		_, err := mgr.GetOrCompute(context.Background(), ResourceImage, keys[i],
			staticCompute(payload))
		require.NoError(t, err)
	}

	// Exactly the ten most recently inserted stay uncompressed in hot.
	for i, key := range keys {
		ref, ok := mgr.RefFor(ResourceImage, key)
		require.True(t, ok, key)
		digest, err := mgr.Refs().Resolve(ref)
		require.NoError(t, err)

		tier, resident := mgr.Store().TierOf(digest)
		require.True(t, resident, key)
		if i >= 90 {
			assert.Equal(t, TierHot, tier, key)
		} else {
			assert.NotEqual(t, TierHot, tier, key)
		}
	}

	// Accounted bytes stay within budget; the pass ran to completion so
	// no slack remains.
	assert.LessOrEqual(t, mgr.Store().Usage(TierHot), int64(10*1024))
	assert.LessOrEqual(t, mgr.Store().Usage(TierWarm), int64(1<<20))
	assert.LessOrEqual(t, mgr.Store().Usage(TierCold), int64(1<<20))

	// Every image is still retrievable, demoted ones via promotion.
	for _, key := range keys {
		data, err := mgr.GetOrCompute(context.Background(), ResourceImage, key,
			func(context.Context) ([]byte, error) {
				t.Fatalf("unexpected recompute for %s", key)
				return nil, nil
			})
		require.NoError(t, err)
		assert.Equal(t, payloads[key], data)
	}
}

func TestPinnedEntryNeverEvicted(t *testing.T) {
	mgr := newTestManager(t, WithBudgets(3*1024, 1<<20, 1<<20))

	payload := func(b byte) []byte {
		p := make([]byte, 1024)
		p[0] = b
		return p
	}

	_, err := mgr.GetOrCompute(context.Background(), ResourceFont, "pinned", staticCompute(payload(0)))
	require.NoError(t, err)
	require.True(t, mgr.Pin(ResourceFont, "pinned"))

	for i := 1; i <= 8; i++ {
		_, err := mgr.GetOrCompute(context.Background(), ResourceFont,
			fmt.Sprintf("filler-%d", i), staticCompute(payload(byte(i))))
		require.NoError(t, err)
	}

	// The pinned entry rode out every eviction pass in hot.
	ref, ok := mgr.RefFor(ResourceFont, "pinned")
	require.True(t, ok)
	digest, err := mgr.Refs().Resolve(ref)
	require.NoError(t, err)
	tier, resident := mgr.Store().TierOf(digest)
	require.True(t, resident)
	assert.Equal(t, TierHot, tier)

	// Once unpinned it is fair game again.
	mgr.Unpin(ResourceFont, "pinned")
	for i := 9; i <= 12; i++ {
		_, err := mgr.GetOrCompute(context.Background(), ResourceFont,
			fmt.Sprintf("filler-%d", i), staticCompute(payload(byte(i))))
		require.NoError(t, err)
	}
	tier, resident = mgr.Store().TierOf(digest)
	if resident {
		assert.NotEqual(t, TierHot, tier)
	}
}

func TestBudgetExceededStillReturnsBytes(t *testing.T) {
	mgr := newTestManager(t, WithBudgets(1024, 1024, 1024))

	big := make([]byte, 4096)
	data, err := mgr.GetOrCompute(context.Background(), ResourceImage, "huge.png", staticCompute(big))
	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, big, data)

	// Proceed-uncached: the oversized result was not retained anywhere.
	_, ok := mgr.RefFor(ResourceImage, "huge.png")
	assert.False(t, ok)
	assert.Zero(t, mgr.Store().Usage(TierHot))
}

func TestConcurrentGetOrCompute(t *testing.T) {
	mgr := newTestManager(t)

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("node-%d", rng.Intn(50))
				want := []byte("style:" + key)
				got, err := mgr.GetOrCompute(context.Background(), ResourceStyle, key,
					staticCompute(want))
				if err != nil {
					errs <- err
					return
				}
				if string(got) != string(want) {
					errs <- fmt.Errorf("key %s: got %q", key, got)
					return
				}
			}
		}(int64(w))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	stats := mgr.Stats()
	assert.Equal(t, 50, stats.PerType[ResourceStyle].Entries)
	assert.Positive(t, stats.OverallHitRate())
}

func TestGetOrComputeAfterClose(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.Close())

	_, err := mgr.GetOrCompute(context.Background(), ResourceStyle, "k", staticCompute([]byte("v")))
	assert.ErrorIs(t, err, ErrClosed)
}
