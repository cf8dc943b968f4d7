// Package coldstore implements the disk-backed cold tier.
//
// Layout:
//
//	dir/
//	  objects/
//	    ab/cd123...   (content-addressed compressed blobs)
//	  snapshots/
//	    <context-id>  (hibernation snapshots)
//
// Reads go through a small in-memory LRU so repeated cold hits on the
// same object avoid disk I/O. All I/O is blocking; callers are expected
// to issue it from latency-tolerant threads.
package coldstore

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNotFound is returned when an object or snapshot does not exist.
var ErrNotFound = errors.New("coldstore: not found")

// DefaultCacheSize is the default capacity of the read-through LRU,
// counted in objects.
const DefaultCacheSize = 128

// Store is a content-addressed blob directory plus snapshot files.
type Store struct {
	dir   string
	cache *lru.Cache[string, []byte]
}

// New creates or opens a cold store rooted at dir.
func New(dir string, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	for _, sub := range []string{"objects", "snapshots"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create read cache: %w", err)
	}
	return &Store{dir: dir, cache: cache}, nil
}

// Put writes a compressed object under its digest. Existing objects are
// left untouched; content addressing makes rewrites redundant.
func (s *Store) Put(digest string, data []byte) error {
	path := s.objectPath(digest)
	if _, err := os.Stat(path); err == nil {
		s.cache.Add(digest, data)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	s.cache.Add(digest, data)
	return nil
}

// Get reads a compressed object by digest.
func (s *Store) Get(digest string) ([]byte, error) {
	if data, ok := s.cache.Get(digest); ok {
		return data, nil
	}
	data, err := os.ReadFile(s.objectPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	s.cache.Add(digest, data)
	return data, nil
}

// Delete removes an object from disk and from the read cache.
func (s *Store) Delete(digest string) error {
	s.cache.Remove(digest)
	if err := os.Remove(s.objectPath(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// Stat reports an object's on-disk size.
func (s *Store) Stat(digest string) (int64, bool) {
	if data, ok := s.cache.Peek(digest); ok {
		return int64(len(data)), true
	}
	info, err := os.Stat(s.objectPath(digest))
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

// Objects iterates over all stored objects as (digest, size) pairs.
func (s *Store) Objects() iter.Seq2[string, int64] {
	return func(yield func(string, int64) bool) {
		root := filepath.Join(s.dir, "objects")
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}
			digest := strings.ReplaceAll(rel, string(filepath.Separator), "")
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if !yield(digest, info.Size()) {
				return fs.SkipAll
			}
			return nil
		})
	}
}

// WriteSnapshot persists a hibernation snapshot for a context. The write
// goes through a temp file and rename so a crash never leaves a
// half-written snapshot behind.
func (s *Store) WriteSnapshot(contextID uint64, data []byte) error {
	path := s.snapshotPath(contextID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a context's persisted snapshot.
func (s *Store) ReadSnapshot(contextID uint64) ([]byte, error) {
	data, err := os.ReadFile(s.snapshotPath(contextID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: snapshot for context %d", ErrNotFound, contextID)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// DeleteSnapshot removes a context's persisted snapshot.
func (s *Store) DeleteSnapshot(contextID uint64) error {
	if err := os.Remove(s.snapshotPath(contextID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

// EvictCached drops an object from the read cache only.
func (s *Store) EvictCached(digest string) {
	s.cache.Remove(digest)
}

// objectPath shards objects git-style: objects/ab/cd123...
func (s *Store) objectPath(digest string) string {
	hash := strings.TrimPrefix(digest, "sha256:")
	if len(hash) < 4 {
		return filepath.Join(s.dir, "objects", hash)
	}
	return filepath.Join(s.dir, "objects", hash[:2], hash[2:])
}

func (s *Store) snapshotPath(contextID uint64) string {
	return filepath.Join(s.dir, "snapshots", strconv.FormatUint(contextID, 10))
}
