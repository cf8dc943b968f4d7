package rendercache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/velora/rendercache/internal/coldstore"
	"github.com/velora/rendercache/internal/compression"
)

// resource is the single physical record for one unique byte content.
// Exactly one of hot/warm/on-disk holds the payload at any time,
// according to tier.
type resource struct {
	digest  Digest
	size    int64 // uncompressed length
	refs    int64
	tier    Tier
	hot     []byte
	warm    *compression.Blob
	coldLen int64 // compressed size on disk while tier == TierCold
}

// residentBytes is the number of bytes the resource currently occupies
// in its tier.
func (r *resource) residentBytes() int64 {
	switch r.tier {
	case TierHot:
		return r.size
	case TierWarm:
		return int64(len(r.warm.Data))
	default:
		return r.coldLen
	}
}

// ResourceStore is content-addressed, reference-counted storage of
// immutable byte buffers. Byte-identical content across any number of
// contexts is stored exactly once; reference counting, not copying,
// tracks sharing. The store is the only component that mutates
// reference counts directly.
type ResourceStore struct {
	mu      sync.Mutex
	entries map[Digest]*resource
	usage   [3]int64 // resident bytes per tier

	codec *compression.Codec
	cold  *coldstore.Store
	log   *slog.Logger
}

func newResourceStore(codec *compression.Codec, cold *coldstore.Store, log *slog.Logger) *ResourceStore {
	return &ResourceStore{
		entries: make(map[Digest]*resource),
		codec:   codec,
		cold:    cold,
		log:     log.With(slog.String("component", "store")),
	}
}

// Put stores data under its content digest. If the content already
// exists, its reference count is incremented and the existing handle is
// returned; the bytes are never copied a second time. New content
// starts in the hot tier with a reference count of 1.
//
// The caller must not mutate data after Put.
func (s *ResourceStore) Put(data []byte) Handle {
	digest := digestOf(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.entries[digest]; ok {
		res.refs++
		return Handle{digest: digest, size: res.size}
	}

	res := &resource{
		digest: digest,
		size:   int64(len(data)),
		refs:   1,
		tier:   TierHot,
		hot:    data,
	}
	s.entries[digest] = res
	s.usage[TierHot] += res.size
	return Handle{digest: digest, size: res.size}
}

// Acquire increments the reference count of existing content without
// providing the bytes. It is how a waking context re-attaches to shared
// content by digest alone.
func (s *ResourceStore) Acquire(digest Digest) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.entries[digest]
	if !ok {
		return Handle{}, false
	}
	res.refs++
	return Handle{digest: digest, size: res.size}, true
}

// Get returns the uncompressed bytes for a handle. Content in the warm
// or cold tier is fully inflated and promoted to hot. Fails with
// ErrNotFound if the content has been reclaimed.
func (s *ResourceStore) Get(h Handle) ([]byte, error) {
	s.mu.Lock()
	res, ok := s.entries[h.digest]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h.digest)
	}

	switch res.tier {
	case TierHot:
		data := res.hot
		s.mu.Unlock()
		return data, nil

	case TierWarm:
		blob := *res.warm
		s.mu.Unlock()
		data, err := s.codec.Decompress(blob, blob.OriginalLen)
		if err != nil {
			return nil, err
		}
		s.installHot(h.digest, data)
		return data, nil

	default: // TierCold: disk I/O happens outside the lock
		size := res.size
		s.mu.Unlock()
		raw, err := s.cold.Get(string(h.digest))
		if err != nil {
			if errors.Is(err, coldstore.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, h.digest)
			}
			return nil, err
		}
		blob := compression.Blob{Data: raw, OriginalLen: size, Profile: profileFor(TierCold)}
		data, err := s.codec.Decompress(blob, size)
		if err != nil {
			// Corrupt cold data is a cache miss, never an escalation.
			s.log.Warn("corrupt cold object discarded", slog.String("digest", string(h.digest)))
			s.discard(h.digest)
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h.digest)
		}
		s.installHot(h.digest, data)
		return data, nil
	}
}

// installHot promotes a resource to the hot tier with the given bytes.
// Promotion races resolve in favor of whichever thread installs first.
func (s *ResourceStore) installHot(digest Digest, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.entries[digest]
	if !ok || res.tier == TierHot {
		return
	}
	s.usage[res.tier] -= res.residentBytes()
	if res.tier == TierCold {
		_ = s.cold.Delete(string(digest))
	}
	res.tier = TierHot
	res.hot = data
	res.warm = nil
	res.coldLen = 0
	s.usage[TierHot] += res.size
}

// Release decrements the reference count. At zero the content becomes
// eviction-eligible but stays resident, so a quick re-acquire costs
// nothing. Releasing an already-reclaimed handle is a no-op.
func (s *ResourceStore) Release(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.entries[h.digest]
	if !ok {
		return
	}
	if res.refs > 0 {
		res.refs--
	}
}

// RefCount reports the current reference count for a digest, or 0 if
// the content is not resident.
func (s *ResourceStore) RefCount(digest Digest) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.entries[digest]; ok {
		return res.refs
	}
	return 0
}

// Contains reports whether content for a digest is resident in any tier.
func (s *ResourceStore) Contains(digest Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[digest]
	return ok
}

// TierOf reports which tier a digest's payload currently occupies.
func (s *ResourceStore) TierOf(digest Digest) (Tier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.entries[digest]
	if !ok {
		return 0, false
	}
	return res.tier, true
}

// Usage returns the resident byte count for one tier.
func (s *ResourceStore) Usage(tier Tier) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[tier]
}

// demote moves a resource's payload one tier down. Hot payloads are
// compressed with the fast profile into warm; warm payloads are
// re-inflated and recompressed with the high-ratio profile onto disk.
// Demoting a cold resource is a no-op; reclamation is separate.
func (s *ResourceStore) demote(digest Digest) error {
	s.mu.Lock()
	res, ok := s.entries[digest]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, digest)
	}

	switch res.tier {
	case TierHot:
		data := res.hot
		s.mu.Unlock()
		blob := s.codec.Compress(data, compression.ProfileFast)
		s.mu.Lock()
		// Re-check: a concurrent Get may have touched the entry, but hot
		// is still hot; only apply if nothing promoted or reclaimed it.
		if res, ok = s.entries[digest]; !ok || res.tier != TierHot {
			s.mu.Unlock()
			return nil
		}
		s.usage[TierHot] -= res.size
		res.tier = TierWarm
		res.hot = nil
		res.warm = &blob
		s.usage[TierWarm] += int64(len(blob.Data))
		s.mu.Unlock()
		return nil

	case TierWarm:
		blob := *res.warm
		s.mu.Unlock()
		data, err := s.codec.Decompress(blob, blob.OriginalLen)
		if err != nil {
			return err
		}
		cold := s.codec.Compress(data, compression.ProfileHigh)
		if err := s.cold.Put(string(digest), cold.Data); err != nil {
			return fmt.Errorf("write cold object: %w", err)
		}
		s.mu.Lock()
		if res, ok = s.entries[digest]; !ok || res.tier != TierWarm {
			s.mu.Unlock()
			_ = s.cold.Delete(string(digest))
			return nil
		}
		s.usage[TierWarm] -= int64(len(res.warm.Data))
		res.tier = TierCold
		res.warm = nil
		res.coldLen = int64(len(cold.Data))
		s.usage[TierCold] += res.coldLen
		s.mu.Unlock()
		return nil

	default:
		s.mu.Unlock()
		return nil
	}
}

// reclaim frees a resource entirely. It refuses resources that still
// carry references; the eviction engine only calls it for refcount-zero
// content, and the count is re-checked here under the store lock.
func (s *ResourceStore) reclaim(digest Digest) bool {
	s.mu.Lock()
	res, ok := s.entries[digest]
	if !ok || res.refs > 0 {
		s.mu.Unlock()
		return false
	}
	s.usage[res.tier] -= res.residentBytes()
	delete(s.entries, digest)
	onDisk := res.tier == TierCold
	s.mu.Unlock()

	if onDisk {
		_ = s.cold.Delete(string(digest))
	}
	return true
}

// discard removes an entry regardless of references. Used only for
// content whose cold payload turned out to be corrupt.
func (s *ResourceStore) discard(digest Digest) {
	s.mu.Lock()
	res, ok := s.entries[digest]
	if ok {
		s.usage[res.tier] -= res.residentBytes()
		delete(s.entries, digest)
	}
	s.mu.Unlock()
	_ = s.cold.Delete(string(digest))
}

// idleDigests returns resident digests with a zero reference count, the
// reclamation candidates for an eviction pass.
func (s *ResourceStore) idleDigests() []Digest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idle []Digest
	for digest, res := range s.entries {
		if res.refs == 0 {
			idle = append(idle, digest)
		}
	}
	return idle
}

// shutdown drops all resident content. Cold objects stay on disk only
// if keepDisk is set; snapshots are untouched either way.
func (s *ResourceStore) shutdown(keepDisk bool) {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[Digest]*resource)
	s.usage = [3]int64{}
	s.mu.Unlock()

	if keepDisk {
		return
	}
	for digest, res := range entries {
		if res.tier == TierCold {
			_ = s.cold.Delete(string(digest))
		}
	}
}
