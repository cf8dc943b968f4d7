package rendercache

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// victim is an eviction candidate gathered during the collection sweep.
type victim struct {
	cache  *typedCache
	key    string
	digest Digest
	stale  uint32
	last   time.Time
	prio   int
}

// evictor decides tier migration and reclamation. It runs synchronously
// when an insertion overflows a tier budget and asynchronously on
// memory-pressure transitions. Lookup code never demotes; demotion is
// this component's business alone.
type evictor struct {
	store   *ResourceStore
	refs    *RefTable
	caches  *[numResourceTypes]*typedCache
	budgets [3]int64

	pressure   atomic.Int32
	onCritical func()

	passMu sync.Mutex // one eviction pass at a time
	log    *slog.Logger
}

func newEvictor(store *ResourceStore, refs *RefTable, caches *[numResourceTypes]*typedCache, budgets [3]int64, log *slog.Logger) *evictor {
	return &evictor{
		store:   store,
		refs:    refs,
		caches:  caches,
		budgets: budgets,
		log:     log.With(slog.String("component", "evictor")),
	}
}

// Pressure returns the last level pushed by the external monitor.
func (ev *evictor) Pressure() PressureLevel {
	return PressureLevel(ev.pressure.Load())
}

// setPressure records a pressure transition and, when the level demands
// it, kicks off an eviction pass toward the level's usage target.
// Critical pressure additionally fires the hibernation callback. The
// call itself never blocks on eviction work; runAsync is provided by
// the manager so shutdown can wait for in-flight passes.
func (ev *evictor) setPressure(level PressureLevel, runAsync func(func())) {
	prev := PressureLevel(ev.pressure.Swap(int32(level)))
	if prev == level {
		return
	}
	ev.log.Info("pressure transition",
		slog.String("from", prev.String()),
		slog.String("to", level.String()))

	target := level.evictTarget()
	if target > 0 {
		runAsync(func() { ev.passAll(target) })
	}
	if level == PressureCritical && ev.onCritical != nil {
		runAsync(ev.onCritical)
	}
}

// ensureCapacity runs after an insertion. It walks the demotion cascade
// hot through cold, then verifies the new entry actually fit. If the
// hot tier is still over budget, the entry that caused it is uncached
// and ErrBudgetExceeded is returned.
func (ev *evictor) ensureCapacity(inserted Handle, cache *typedCache, key string) error {
	overflow := inserted.Size() > ev.budgets[TierHot]
	if !overflow {
		ev.passAll(1.0)
		overflow = ev.store.Usage(TierHot) > ev.budgets[TierHot]
	}
	if !overflow {
		return nil
	}

	// Either the entry alone is bigger than the hot budget, or
	// everything evictable is gone and the tier still overflows. Back
	// the insertion out.
	s := cache.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok && e.handle.Digest() != inserted.Digest() {
		ok = false // the key was replaced since; leave the newcomer alone
	}
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	if ok {
		ev.store.Release(e.handle)
		ev.refs.Free(e.ref.Index)
		ev.store.reclaim(e.handle.Digest())
	}
	ev.log.Warn("insertion exceeds hot budget",
		slog.String("type", cache.rtype.String()),
		slog.String("key", key),
		slog.Int64("size", inserted.Size()))
	return ErrBudgetExceeded
}

// passAll drives every tier toward targetFrac of its budget, in
// demotion order so bytes pushed out of hot are accounted against warm
// before the warm pass runs, and so on down.
func (ev *evictor) passAll(targetFrac float64) {
	ev.passMu.Lock()
	defer ev.passMu.Unlock()

	for _, tier := range []Tier{TierHot, TierWarm, TierCold} {
		target := int64(float64(ev.budgets[tier]) * targetFrac)
		ev.pass(tier, target)
	}
}

// pass evicts from one tier until its usage drops to target or no
// unpinned candidates remain. The slack bound: usage may exceed target
// by at most the size of one in-flight insertion, since a pass only
// ever stops early when candidates run out.
func (ev *evictor) pass(tier Tier, target int64) {
	if ev.store.Usage(tier) <= target {
		return
	}

	victims := ev.collect(tier)
	for _, v := range victims {
		if ev.store.Usage(tier) <= target {
			break
		}
		if tier == TierCold {
			ev.reclaimVictim(v)
		} else {
			ev.demoteVictim(v, tier)
		}
	}

	if tier == TierCold && ev.store.Usage(tier) > target {
		// Content no entry references anymore (released by hibernated
		// contexts, replaced keys) is reclaimed last.
		for _, digest := range ev.store.idleDigests() {
			if ev.store.Usage(tier) <= target {
				break
			}
			ev.store.reclaim(digest)
		}
	}
}

// collect sweeps every typed cache for entries whose content sits in
// the given tier, ordered least-valuable first: lower resource-type
// priority before higher, staler clock bucket before fresher. Pinned
// entries are skipped here and re-checked again at removal time.
func (ev *evictor) collect(tier Tier) []victim {
	var victims []victim
	for _, cache := range ev.caches {
		for i := range cache.shards {
			s := &cache.shards[i]
			s.mu.Lock()
			for key, e := range s.entries {
				if e.pins > 0 {
					continue
				}
				digest := e.handle.Digest()
				if t, ok := ev.store.TierOf(digest); !ok || t != tier {
					continue
				}
				victims = append(victims, victim{
					cache:  cache,
					key:    key,
					digest: digest,
					stale:  cache.staleness(e),
					last:   e.lastAccess,
					prio:   cache.rtype.evictionPriority(),
				})
			}
			s.mu.Unlock()
		}
	}

	sort.Slice(victims, func(i, j int) bool {
		if victims[i].prio != victims[j].prio {
			return victims[i].prio < victims[j].prio
		}
		if victims[i].stale != victims[j].stale {
			return victims[i].stale > victims[j].stale
		}
		// Entries stamped within the same tick fall back to wall-clock
		// access order.
		return victims[i].last.Before(victims[j].last)
	})
	return victims
}

// demoteVictim pushes one entry's content a tier down. The pin count is
// re-checked under the shard lock; an entry pinned since collection is
// skipped, not retried, for this pass.
func (ev *evictor) demoteVictim(v victim, tier Tier) {
	s := v.cache.shardFor(v.key)
	s.mu.Lock()
	e, ok := s.entries[v.key]
	if !ok || e.pins > 0 || e.handle.Digest() != v.digest {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if t, ok := ev.store.TierOf(v.digest); !ok || t != tier {
		return // promoted or reclaimed since collection
	}
	if err := ev.store.demote(v.digest); err != nil {
		ev.log.Warn("demotion failed",
			slog.String("digest", string(v.digest)),
			slog.String("error", err.Error()))
	}
}

// reclaimVictim removes a cold entry entirely: the entry leaves its
// cache, its store reference is released, its generational ref is
// freed, and the content itself is reclaimed once no other holder
// remains. Shared content another context still references survives the
// entry's removal.
func (ev *evictor) reclaimVictim(v victim) {
	s := v.cache.shardFor(v.key)
	s.mu.Lock()
	e, ok := s.entries[v.key]
	if !ok || e.pins > 0 || e.handle.Digest() != v.digest {
		s.mu.Unlock()
		return
	}
	delete(s.entries, v.key)
	s.mu.Unlock()

	ev.store.Release(e.handle)
	ev.refs.Free(e.ref.Index)
	ev.store.reclaim(v.digest)
}
