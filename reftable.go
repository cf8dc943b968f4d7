package rendercache

import (
	"fmt"
	"sync"
)

// refSlot pairs a digest with the generation counter that guards it.
type refSlot struct {
	digest     Digest
	generation uint32
	live       bool
}

// RefTable issues generational (index, generation) references to
// content digests. It is the substitute for a tracing collector: a
// freed slot bumps its generation, so every outstanding Ref to that
// slot becomes detectably stale without any reachability walk. Cached
// derived data points back at its source through a Ref rather than an
// owning pointer, which is what breaks reference cycles between live
// structures and their cached results.
type RefTable struct {
	mu    sync.Mutex
	slots []refSlot
	free  []uint32
}

// NewRefTable creates an empty reference table.
func NewRefTable() *RefTable {
	return &RefTable{}
}

// Allocate binds a digest to a slot and returns the external reference
// for it. Slots come from the free list when available; brand-new slots
// start at generation 0.
func (t *RefTable) Allocate(digest Digest) Ref {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.free); n > 0 {
		index := t.free[n-1]
		t.free = t.free[:n-1]
		slot := &t.slots[index]
		slot.digest = digest
		slot.live = true
		return Ref{Index: index, Generation: slot.generation}
	}

	index := uint32(len(t.slots))
	t.slots = append(t.slots, refSlot{digest: digest, live: true})
	return Ref{Index: index, Generation: 0}
}

// Resolve returns the digest a reference points at. A reference whose
// generation differs from the slot's current generation resolves to
// ErrStaleRef: the slot was freed and possibly reused, and the caller
// must never observe the new occupant's data.
func (t *RefTable) Resolve(ref Ref) (Digest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(ref.Index) >= len(t.slots) {
		return "", fmt.Errorf("%w: index %d out of range", ErrStaleRef, ref.Index)
	}
	slot := &t.slots[ref.Index]
	if !slot.live || slot.generation != ref.Generation {
		return "", fmt.Errorf("%w: slot %d generation %d (have %d)",
			ErrStaleRef, ref.Index, slot.generation, ref.Generation)
	}
	return slot.digest, nil
}

// Free invalidates a slot and returns it to the free list. The
// generation increments here, once, which is what invalidates every
// outstanding Ref to the slot. Freeing an already-free slot is a no-op.
func (t *RefTable) Free(index uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(index) >= len(t.slots) {
		return
	}
	slot := &t.slots[index]
	if !slot.live {
		return
	}
	slot.live = false
	slot.digest = ""
	slot.generation++
	t.free = append(t.free, index)
}

// Len reports the number of live slots.
func (t *RefTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}
