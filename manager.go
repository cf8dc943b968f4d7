package rendercache

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/velora/rendercache/internal/coldstore"
	"github.com/velora/rendercache/internal/compression"
)

// Manager is the process-wide cache state: the resource store, the
// generational reference table, the per-type tiered caches, the
// eviction engine and the hibernation manager, wired together with
// declared lifecycle. Construct one per process with New; tests
// instantiate as many independent ones as they need. There is no
// implicit singleton.
type Manager struct {
	opts *Options

	codec      *compression.Codec
	cold       *coldstore.Store
	store      *ResourceStore
	refs       *RefTable
	caches     [numResourceTypes]*typedCache
	evictor    *evictor
	hibernator *hibernator

	wg     sync.WaitGroup
	closed atomic.Bool
	log    *slog.Logger
}

// New constructs a Manager with the given per-tier budgets and
// directories.
func New(opts ...Option) (*Manager, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	log := options.Logger
	if log == nil {
		log = slog.Default()
	}

	codec, err := compression.NewCodec()
	if err != nil {
		return nil, fmt.Errorf("create codec: %w", err)
	}
	cold, err := coldstore.New(options.ColdDir, options.ColdCacheSize)
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("open cold store: %w", err)
	}

	m := &Manager{
		opts:  options,
		codec: codec,
		cold:  cold,
		store: newResourceStore(codec, cold, log),
		refs:  NewRefTable(),
		log:   log,
	}
	for i := range m.caches {
		m.caches[i] = newTypedCache(ResourceType(i))
	}
	budgets := [3]int64{options.HotBudget, options.WarmBudget, options.ColdBudget}
	m.evictor = newEvictor(m.store, m.refs, &m.caches, budgets, log)
	m.evictor.onCritical = m.hibernateIdle
	m.hibernator = newHibernator(m.store, codec,
		options.IdleThreshold, options.SoftWakeTarget, options.MaxStateLen, log)
	return m, nil
}

// Store exposes the resource store for producers that share content
// directly (e.g. two contexts submitting identical font bytes).
func (m *Manager) Store() *ResourceStore { return m.store }

// Refs exposes the generational reference table for collaborators that
// keep (index, generation) references into cached data.
func (m *Manager) Refs() *RefTable { return m.refs }

// SetPressure accepts a pressure-level transition from the external
// memory monitor. One-way: the call returns immediately and eviction
// work proceeds in the background.
func (m *Manager) SetPressure(level PressureLevel) {
	if m.closed.Load() {
		return
	}
	m.evictor.setPressure(level, m.runAsync)
}

// runAsync runs f on a tracked goroutine so Close can wait for
// in-flight background work.
func (m *Manager) runAsync(f func()) {
	if m.closed.Load() {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f()
	}()
}

// Close waits for background eviction work, drops every resident
// resource and releases codec state. Persisted snapshots stay on disk;
// waking them in a fresh process reports their content as missing and
// the collaborator recomputes.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.wg.Wait()
	m.store.shutdown(false)
	return m.codec.Close()
}
