package rendercache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/velora/rendercache/internal/compression"
)

// ContextState is one step of the per-context hibernation state
// machine: Active → Hibernating → Hibernated → Waking → Active.
// Collaborators never observe the transitional states as anything but
// ErrHibernationInProgress.
type ContextState int32

const (
	ContextActive ContextState = iota
	ContextHibernating
	ContextHibernated
	ContextWaking
)

func (s ContextState) String() string {
	switch s {
	case ContextActive:
		return "active"
	case ContextHibernating:
		return "hibernating"
	case ContextHibernated:
		return "hibernated"
	case ContextWaking:
		return "waking"
	default:
		return "unknown"
	}
}

// StateProvider serializes a context's live state (DOM-equivalent tree,
// style tree, script heap roots) into an opaque blob. Supplied by the
// embedding collaborator; invoked when the manager hibernates the
// context proactively under critical pressure.
type StateProvider func() ([]byte, error)

type heldRef struct {
	count uint32
	size  int64
}

// Context is one isolated execution context ("tab") known to the
// hibernation manager. It tracks which shared content the context holds
// references to, so hibernation can release exactly those and wake can
// reacquire them by digest.
type Context struct {
	id uint64

	mu         sync.Mutex
	state      ContextState
	held       map[Digest]*heldRef
	lastActive time.Time
	pinned     bool
	provider   StateProvider
}

// ID returns the context identifier.
func (c *Context) ID() uint64 { return c.id }

// State returns the context's current lifecycle state.
func (c *Context) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Touch marks the context as recently active, deferring proactive
// hibernation.
func (c *Context) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
}

// SetPinned excludes the context from proactive hibernation while set.
func (c *Context) SetPinned(pinned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned = pinned
}

// Retain records that the context holds a reference to content. The
// reference must already be owned by the caller (from Put, Acquire, or
// a wake); ownership transfers to the context, which releases it on
// hibernation.
func (c *Context) Retain(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ContextActive {
		return ErrHibernationInProgress
	}
	if ref, ok := c.held[h.Digest()]; ok {
		ref.count++
		return nil
	}
	c.held[h.Digest()] = &heldRef{count: 1, size: h.Size()}
	return nil
}

// HeldCount reports how many content references the context currently
// holds, counting duplicates.
func (c *Context) HeldCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ref := range c.held {
		n += int(ref.count)
	}
	return n
}

// WakeResult carries the reconstructed state of a woken context.
type WakeResult struct {
	// State is the decompressed state blob captured at hibernation.
	State []byte
	// Elapsed is how long the wake took, for soft-budget reporting.
	Elapsed time.Duration
}

// HibernationStats aggregates hibernation activity across all contexts.
type HibernationStats struct {
	Hibernated   uint64
	Woken        uint64
	BytesFreed   uint64
	Failures     uint64
	WakeOverruns uint64
}

type hibernator struct {
	mu       sync.Mutex
	contexts map[uint64]*Context

	store *ResourceStore
	codec *compression.Codec

	idleThreshold  time.Duration
	softWakeTarget time.Duration
	maxStateLen    int64

	hibernated   atomic.Uint64
	woken        atomic.Uint64
	bytesFreed   atomic.Uint64
	failures     atomic.Uint64
	wakeOverruns atomic.Uint64

	log *slog.Logger
}

func newHibernator(store *ResourceStore, codec *compression.Codec, idleThreshold, softWakeTarget time.Duration, maxStateLen int64, log *slog.Logger) *hibernator {
	return &hibernator{
		contexts:       make(map[uint64]*Context),
		store:          store,
		codec:          codec,
		idleThreshold:  idleThreshold,
		softWakeTarget: softWakeTarget,
		maxStateLen:    maxStateLen,
		log:            log.With(slog.String("component", "hibernator")),
	}
}

// RegisterContext makes a context known to the hibernation manager.
// The provider may be nil, in which case the context is never
// hibernated proactively, only through an explicit Hibernate call.
func (m *Manager) RegisterContext(id uint64, provider StateProvider) (*Context, error) {
	h := m.hibernator
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.contexts[id]; ok {
		return nil, fmt.Errorf("rendercache: context %d already registered", id)
	}
	c := &Context{
		id:         id,
		held:       make(map[Digest]*heldRef),
		lastActive: time.Now(),
		provider:   provider,
	}
	h.contexts[id] = c
	return c, nil
}

// UnregisterContext removes a context, releasing any references it
// still holds and discarding its persisted snapshot if one exists.
func (m *Manager) UnregisterContext(id uint64) {
	h := m.hibernator
	h.mu.Lock()
	c, ok := h.contexts[id]
	delete(h.contexts, id)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	held := c.held
	c.held = make(map[Digest]*heldRef)
	c.mu.Unlock()
	for digest, ref := range held {
		for i := uint32(0); i < ref.count; i++ {
			m.store.Release(Handle{digest: digest})
		}
	}
	_ = m.cold.DeleteSnapshot(id)
}

// Context returns a registered context by id.
func (m *Manager) Context(id uint64) (*Context, bool) {
	h := m.hibernator
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.contexts[id]
	return c, ok
}

// Hibernate captures a context's live state into a versioned snapshot,
// persists it, then releases every content reference the context held.
// The snapshot stores shared resources by content digest, never by
// copy. The operation is atomic: any failure before the release step
// leaves the context Active and holding everything it held; the ctx may
// cancel it up to that same point. Once the release begins, the
// operation runs to completion.
//
// state may be nil if the context was registered with a StateProvider.
func (m *Manager) Hibernate(ctx context.Context, id uint64, state []byte) error {
	c, ok := m.Context(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrContextNotFound, id)
	}
	h := m.hibernator

	c.mu.Lock()
	switch c.state {
	case ContextHibernating, ContextWaking:
		c.mu.Unlock()
		return ErrHibernationInProgress
	case ContextHibernated:
		c.mu.Unlock()
		return ErrAlreadyHibernated
	}
	c.state = ContextHibernating
	provider := c.provider
	refs := make([]snapshotRef, 0, len(c.held))
	var freed int64
	for digest, ref := range c.held {
		refs = append(refs, snapshotRef{digest: digest, count: ref.count})
		freed += ref.size
	}
	c.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i].digest < refs[j].digest })

	abandon := func(err error) error {
		c.mu.Lock()
		c.state = ContextActive
		c.mu.Unlock()
		h.failures.Add(1)
		return err
	}

	if state == nil {
		if provider == nil {
			return abandon(fmt.Errorf("rendercache: context %d has no state provider", id))
		}
		var err error
		if state, err = provider(); err != nil {
			return abandon(fmt.Errorf("serialize context %d: %w", id, err))
		}
	}

	if err := ctx.Err(); err != nil {
		return abandon(err)
	}

	snap := &snapshot{
		contextID: id,
		createdAt: time.Now(),
		refs:      refs,
		state:     m.codec.Compress(state, compression.ProfileHigh),
	}
	encoded, err := encodeSnapshot(snap)
	if err != nil {
		return abandon(fmt.Errorf("encode snapshot: %w", err))
	}
	if err := m.cold.WriteSnapshot(id, encoded); err != nil {
		return abandon(fmt.Errorf("persist snapshot: %w", err))
	}

	// Last cancellation check: past here is the commit point.
	if err := ctx.Err(); err != nil {
		_ = m.cold.DeleteSnapshot(id)
		return abandon(err)
	}

	c.mu.Lock()
	held := c.held
	c.held = make(map[Digest]*heldRef)
	c.state = ContextHibernated
	c.mu.Unlock()

	for digest, ref := range held {
		for i := uint32(0); i < ref.count; i++ {
			m.store.Release(Handle{digest: digest})
		}
	}

	h.hibernated.Add(1)
	h.bytesFreed.Add(uint64(freed))
	h.log.Info("context hibernated",
		slog.Uint64("context", id),
		slog.Int("refs", len(refs)),
		slog.Int64("bytes_freed", freed))
	return nil
}

// Wake reconstructs a hibernated context: the snapshot is loaded and
// validated, the state blob is inflated, and every referenced digest is
// reacquired. Content that was independently reclaimed in the interim
// is reported through a MissingResourceError; the wake still completes
// and the caller recomputes the missing artifacts from their original
// sources. Exceeding the soft wake budget is reported as degradation,
// never as failure.
func (m *Manager) Wake(ctx context.Context, id uint64) (*WakeResult, error) {
	c, ok := m.Context(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrContextNotFound, id)
	}
	h := m.hibernator
	start := time.Now()

	c.mu.Lock()
	switch c.state {
	case ContextHibernating, ContextWaking:
		c.mu.Unlock()
		return nil, ErrHibernationInProgress
	case ContextActive:
		c.mu.Unlock()
		return nil, ErrNotHibernated
	}
	c.state = ContextWaking
	c.mu.Unlock()

	back := func(err error) (*WakeResult, error) {
		c.mu.Lock()
		c.state = ContextHibernated
		c.mu.Unlock()
		h.failures.Add(1)
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return back(err)
	}

	encoded, err := m.cold.ReadSnapshot(id)
	if err != nil {
		return back(fmt.Errorf("load snapshot: %w", err))
	}
	snap, err := decodeSnapshot(encoded)
	if err != nil {
		return back(err)
	}
	state, err := m.codec.Decompress(snap.state, h.maxStateLen)
	if err != nil {
		return back(fmt.Errorf("inflate context state: %w", err))
	}

	// Commit point: reacquisition mutates shared reference counts, so
	// from here the wake runs to completion.
	held := make(map[Digest]*heldRef, len(snap.refs))
	var missing []Digest
	for _, ref := range snap.refs {
		handle, ok := m.store.Acquire(ref.digest)
		if !ok {
			missing = append(missing, ref.digest)
			continue
		}
		for i := uint32(1); i < ref.count; i++ {
			m.store.Acquire(ref.digest)
		}
		held[ref.digest] = &heldRef{count: ref.count, size: handle.Size()}
	}

	c.mu.Lock()
	c.held = held
	c.state = ContextActive
	c.lastActive = time.Now()
	c.mu.Unlock()

	_ = m.cold.DeleteSnapshot(id)
	h.woken.Add(1)

	elapsed := time.Since(start)
	if h.softWakeTarget > 0 && elapsed > h.softWakeTarget {
		h.wakeOverruns.Add(1)
		h.log.Warn("wake exceeded soft budget",
			slog.Uint64("context", id),
			slog.Duration("elapsed", elapsed),
			slog.Duration("budget", h.softWakeTarget))
	}

	result := &WakeResult{State: state, Elapsed: elapsed}
	if len(missing) > 0 {
		return result, &MissingResourceError{Digests: missing}
	}
	return result, nil
}

// hibernationCandidates lists contexts eligible for proactive
// hibernation. The idle threshold shrinks as pressure rises; pinned
// contexts and contexts without a state provider are always excluded.
func (h *hibernator) hibernationCandidates(pressure PressureLevel) []*Context {
	threshold := h.idleThreshold
	switch pressure {
	case PressureElevated:
		threshold /= 2
	case PressureCritical:
		threshold = min(threshold, 30*time.Second)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	var candidates []*Context
	for _, c := range h.contexts {
		c.mu.Lock()
		eligible := c.state == ContextActive &&
			!c.pinned &&
			c.provider != nil &&
			now.Sub(c.lastActive) >= threshold
		c.mu.Unlock()
		if eligible {
			candidates = append(candidates, c)
		}
	}
	return candidates
}

// hibernateIdle hibernates every eligible idle context in parallel.
// Invoked by the eviction engine on the Critical pressure transition.
func (m *Manager) hibernateIdle() {
	candidates := m.hibernator.hibernationCandidates(m.evictor.Pressure())
	if len(candidates) == 0 {
		return
	}

	p := pool.New().WithMaxGoroutines(4)
	for _, c := range candidates {
		p.Go(func() {
			if err := m.Hibernate(context.Background(), c.id, nil); err != nil {
				m.hibernator.log.Warn("proactive hibernation failed",
					slog.Uint64("context", c.id),
					slog.String("error", err.Error()))
			}
		})
	}
	p.Wait()
}

func (h *hibernator) stats() HibernationStats {
	return HibernationStats{
		Hibernated:   h.hibernated.Load(),
		Woken:        h.woken.Load(),
		BytesFreed:   h.bytesFreed.Load(),
		Failures:     h.failures.Load(),
		WakeOverruns: h.wakeOverruns.Load(),
	}
}
