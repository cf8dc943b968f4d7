package rendercache

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/velora/rendercache/internal/compression"
)

const digestPrefix = "sha256:"

// Digest is a content hash in "sha256:<hex>" form. Byte-identical
// content always produces the same digest, which is what makes
// system-wide single-copy sharing possible.
type Digest string

// digestOf computes the content digest for a byte buffer.
func digestOf(data []byte) Digest {
	h := sha256.Sum256(data)
	return Digest(digestPrefix + hex.EncodeToString(h[:]))
}

// Tier identifies where a resource's payload currently resides.
type Tier int

const (
	// TierHot holds raw bytes in memory, ready for immediate use.
	TierHot Tier = iota
	// TierWarm holds a fast-profile compressed blob in memory.
	TierWarm
	// TierCold holds a high-ratio compressed blob on disk.
	TierCold
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return "unknown"
	}
}

// profileFor maps a tier to the compression profile its payload uses.
func profileFor(t Tier) compression.Profile {
	if t == TierCold {
		return compression.ProfileHigh
	}
	return compression.ProfileFast
}

// ResourceType names an independent cache namespace. Each type has its
// own logical key space and byte budgets but shares the global
// memory-pressure signal.
type ResourceType int

const (
	ResourceStyle ResourceType = iota
	ResourceLayout
	ResourceFont
	ResourceImage
	ResourceBytecode

	numResourceTypes = 5
)

func (r ResourceType) String() string {
	switch r {
	case ResourceStyle:
		return "style"
	case ResourceLayout:
		return "layout"
	case ResourceFont:
		return "font"
	case ResourceImage:
		return "image"
	case ResourceBytecode:
		return "bytecode"
	default:
		return "unknown"
	}
}

// evictionPriority orders resource types for cross-cache eviction.
// Lower values are evicted first: images are large but cheap to reload,
// layout results are the most expensive to recompute.
func (r ResourceType) evictionPriority() int {
	switch r {
	case ResourceImage:
		return 1
	case ResourceFont:
		return 2
	case ResourceStyle:
		return 3
	case ResourceBytecode:
		return 4
	case ResourceLayout:
		return 5
	default:
		return 0
	}
}

// PressureLevel is the tri-state signal pushed by an external
// process-level memory monitor.
type PressureLevel int

const (
	PressureNormal PressureLevel = iota
	PressureElevated
	PressureCritical
)

func (p PressureLevel) String() string {
	switch p {
	case PressureNormal:
		return "normal"
	case PressureElevated:
		return "elevated"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// evictTarget returns the usage fraction an eviction pass drives each
// tier toward at this pressure level. A zero return means no pass runs.
func (p PressureLevel) evictTarget() float64 {
	switch p {
	case PressureElevated:
		return 0.8
	case PressureCritical:
		return 0.5
	default:
		return 0
	}
}

// Handle references deduplicated, reference-counted content in the
// resource store. Handles are cheap values; holding one does not by
// itself keep content resident (the reference count does).
type Handle struct {
	digest Digest
	size   int64
}

// Digest returns the content hash the handle refers to.
func (h Handle) Digest() Digest { return h.digest }

// Size returns the uncompressed byte length of the content.
func (h Handle) Size() int64 { return h.size }

// Ref is a generational (index, generation) reference issued by the
// reference table. A Ref whose generation no longer matches its slot
// resolves to invalid, never to data belonging to a later occupant.
type Ref struct {
	Index      uint32
	Generation uint32
}
