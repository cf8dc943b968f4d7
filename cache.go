package rendercache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	numShards = 16

	// clockAdvanceEvery is how many accesses pass between clock ticks.
	// Recency is therefore bucketed, not exact: entries touched within
	// the same tick are indistinguishable to the eviction scan.
	clockAdvanceEvery = 64
)

// entry is one logical-key binding inside a typed cache. The payload
// itself lives in the resource store; the entry holds the content
// handle, a generational reference consumers may keep, and the
// bookkeeping eviction needs.
type entry struct {
	key        string
	handle     Handle
	ref        Ref
	pins       int32
	stamp      uint32 // clock tick at last access
	lastAccess time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// typedCache is the independent namespace for one resource type. Keys
// are spread across shards by FNV hash so unrelated keys never contend
// on the same lock.
type typedCache struct {
	rtype    ResourceType
	shards   [numShards]shard
	tick     atomic.Uint32
	accesses atomic.Uint32

	hits   atomic.Uint64
	misses atomic.Uint64
}

func newTypedCache(rtype ResourceType) *typedCache {
	c := &typedCache{rtype: rtype}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*entry)
	}
	return c
}

func (c *typedCache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%numShards]
}

// touch stamps an entry with the current clock tick and advances the
// clock every clockAdvanceEvery accesses. O(1) per access; ordering is
// approximate by design.
func (c *typedCache) touch(e *entry) {
	if c.accesses.Add(1)%clockAdvanceEvery == 0 {
		c.tick.Add(1)
	}
	e.stamp = c.tick.Load()
	e.lastAccess = time.Now()
}

// staleness is the age of an entry in clock ticks. Higher means less
// recently used.
func (c *typedCache) staleness(e *entry) uint32 {
	return c.tick.Load() - e.stamp
}

func (c *typedCache) entryCount() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// ComputeFunc produces the byte payload for a cache miss. It may block
// arbitrarily (font decoding, script compilation); the cache adds no
// blocking beyond that cost.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// GetOrCompute looks key up in the given resource type's namespace. On
// a hit the content is returned, fully promoted into the hot tier if it
// had been demoted. On a miss, compute runs (without any cache lock
// held) and its result is stored in the hot tier. A compute failure
// propagates unchanged and nothing is cached.
//
// When the result cannot fit within the hot budget even after an
// eviction pass, the computed bytes are still returned alongside
// ErrBudgetExceeded; the entry is not cached. Callers choose between
// proceeding uncached and failing.
func (m *Manager) GetOrCompute(ctx context.Context, rtype ResourceType, key string, compute ComputeFunc) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	cache := m.caches[rtype]
	s := cache.shardFor(key)

	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		handle := e.handle
		cache.touch(e)
		s.mu.Unlock()

		data, err := m.store.Get(handle)
		if err == nil {
			cache.hits.Add(1)
			return data, nil
		}
		// The content was reclaimed or its cold payload was corrupt.
		// Either way this is a miss: drop the dead entry and recompute.
		m.dropEntry(cache, key)
	} else {
		s.mu.Unlock()
	}
	cache.misses.Add(1)

	data, err := compute(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute %s/%s: %w", rtype, key, err)
	}

	if err := m.insert(cache, key, data); err != nil {
		return data, err
	}
	return data, nil
}

// insert stores computed bytes under key, deduplicating through the
// resource store, and runs a synchronous eviction pass if the insertion
// pushed the hot tier over budget.
func (m *Manager) insert(cache *typedCache, key string, data []byte) error {
	handle := m.store.Put(data)

	s := cache.shardFor(key)
	s.mu.Lock()
	if prev, ok := s.entries[key]; ok {
		// Lost a race with another compute for the same key. Keep the
		// winner; our store reference is redundant.
		if prev.handle.Digest() == handle.Digest() {
			m.store.Release(handle)
			s.mu.Unlock()
			return nil
		}
		// Same key, different content: replace.
		m.store.Release(prev.handle)
		m.refs.Free(prev.ref.Index)
		delete(s.entries, key)
	}
	e := &entry{
		key:    key,
		handle: handle,
		ref:    m.refs.Allocate(handle.Digest()),
	}
	cache.touch(e)
	s.entries[key] = e
	s.mu.Unlock()

	return m.evictor.ensureCapacity(handle, cache, key)
}

// dropEntry removes an entry whose backing content is gone, releasing
// its store reference and invalidating its generational ref.
func (m *Manager) dropEntry(cache *typedCache, key string) {
	s := cache.shardFor(key)
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	if ok {
		m.store.Release(e.handle)
		m.refs.Free(e.ref.Index)
	}
}

// Pin marks an entry as in active use, exempting it from eviction until
// a matching Unpin. Reports whether the key was present.
func (m *Manager) Pin(rtype ResourceType, key string) bool {
	cache := m.caches[rtype]
	s := cache.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.pins++
		return true
	}
	return false
}

// Unpin releases one pin on an entry.
func (m *Manager) Unpin(rtype ResourceType, key string) {
	cache := m.caches[rtype]
	s := cache.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.pins > 0 {
		e.pins--
	}
}

// RefFor returns the generational reference for a cached entry, which
// consumers may hold across frames. Once the entry is reclaimed the
// reference resolves to ErrStaleRef rather than to reused data.
func (m *Manager) RefFor(rtype ResourceType, key string) (Ref, bool) {
	cache := m.caches[rtype]
	s := cache.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.ref, true
	}
	return Ref{}, false
}

// Lookup resolves a generational reference to content bytes without
// going through a logical key. It is the consumer-side read path: a
// stale reference or reclaimed content means the consumer must request
// recomputation from the owning producer.
func (m *Manager) Lookup(ref Ref) ([]byte, error) {
	digest, err := m.refs.Resolve(ref)
	if err != nil {
		return nil, err
	}
	h, ok := m.store.Acquire(digest)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	defer m.store.Release(h)
	return m.store.Get(h)
}
