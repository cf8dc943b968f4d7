package rendercache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/velora/rendercache/internal/compression"
)

// Snapshot layout (all integers big-endian):
//
//	magic       [6]byte  "RCSNAP"
//	version     uint16
//	context id  uint64
//	created     int64    (unix nanoseconds)
//	ref count   uint32
//	refs        ref count times:
//	  digest len  uint16
//	  digest      [digest len]byte
//	  hold count  uint32
//	state blob:
//	  profile      uint8
//	  original len uint64
//	  data len     uint64
//	  data         [data len]byte
//
// The table of references carries content by digest, never by copy;
// shared bytes stay shared across hibernation.

var snapshotMagic = [6]byte{'R', 'C', 'S', 'N', 'A', 'P'}

// snapshotVersion is the current format version. Loaders reject any
// other value outright rather than attempt best-effort parsing.
const snapshotVersion uint16 = 1

const maxDigestLen = 128

// snapshotRef records one content digest a context held, and how many
// references to it.
type snapshotRef struct {
	digest Digest
	count  uint32
}

type snapshot struct {
	contextID uint64
	createdAt time.Time
	refs      []snapshotRef
	state     compression.Blob
}

func encodeSnapshot(s *snapshot) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])

	w := func(v any) { binary.Write(&buf, binary.BigEndian, v) }
	w(snapshotVersion)
	w(s.contextID)
	w(s.createdAt.UnixNano())
	w(uint32(len(s.refs)))
	for _, ref := range s.refs {
		if len(ref.digest) > maxDigestLen {
			return nil, fmt.Errorf("%w: digest too long", ErrCorruptData)
		}
		w(uint16(len(ref.digest)))
		buf.WriteString(string(ref.digest))
		w(ref.count)
	}
	w(uint8(s.state.Profile))
	w(uint64(s.state.OriginalLen))
	w(uint64(len(s.state.Data)))
	buf.Write(s.state.Data)
	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) (*snapshot, error) {
	r := bytes.NewReader(data)

	var magic [6]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != snapshotMagic {
		return nil, fmt.Errorf("%w: bad snapshot magic", ErrCorruptData)
	}

	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: truncated header", ErrCorruptData)
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported snapshot version %d", ErrCorruptData, version)
	}

	s := &snapshot{}
	var created int64
	var refCount uint32
	for _, field := range []any{&s.contextID, &created, &refCount} {
		if err := binary.Read(r, binary.BigEndian, field); err != nil {
			return nil, fmt.Errorf("%w: truncated header", ErrCorruptData)
		}
	}
	s.createdAt = time.Unix(0, created)

	// Each ref occupies at least 6 bytes; a count larger than the
	// remaining input is structurally impossible and is rejected before
	// any allocation sized by it.
	if int64(refCount)*6 > int64(r.Len()) {
		return nil, fmt.Errorf("%w: ref table larger than snapshot", ErrCorruptData)
	}
	s.refs = make([]snapshotRef, 0, refCount)
	for i := uint32(0); i < refCount; i++ {
		var digestLen uint16
		if err := binary.Read(r, binary.BigEndian, &digestLen); err != nil {
			return nil, fmt.Errorf("%w: truncated ref table", ErrCorruptData)
		}
		if digestLen == 0 || digestLen > maxDigestLen {
			return nil, fmt.Errorf("%w: digest length %d", ErrCorruptData, digestLen)
		}
		digest := make([]byte, digestLen)
		if _, err := io.ReadFull(r, digest); err != nil {
			return nil, fmt.Errorf("%w: truncated ref table", ErrCorruptData)
		}
		var count uint32
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return nil, fmt.Errorf("%w: truncated ref table", ErrCorruptData)
		}
		s.refs = append(s.refs, snapshotRef{digest: Digest(digest), count: count})
	}

	var profile uint8
	var originalLen, dataLen uint64
	for _, field := range []any{&profile, &originalLen, &dataLen} {
		if err := binary.Read(r, binary.BigEndian, field); err != nil {
			return nil, fmt.Errorf("%w: truncated state blob", ErrCorruptData)
		}
	}
	if dataLen != uint64(r.Len()) {
		return nil, fmt.Errorf("%w: state blob length %d, %d bytes remain",
			ErrCorruptData, dataLen, r.Len())
	}
	blob := make([]byte, dataLen)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, fmt.Errorf("%w: truncated state blob", ErrCorruptData)
	}
	s.state = compression.Blob{
		Data:        blob,
		OriginalLen: int64(originalLen),
		Profile:     compression.Profile(profile),
	}
	return s, nil
}

// SnapshotRef is one entry of a snapshot's content reference table.
type SnapshotRef struct {
	Digest Digest
	Count  uint32
}

// SnapshotInfo describes a persisted snapshot without inflating its
// state blob. Used by tooling.
type SnapshotInfo struct {
	FormatVersion uint16
	ContextID     uint64
	CreatedAt     time.Time
	Refs          []SnapshotRef
	StateBytes    int64 // compressed size
	StateOriginal int64 // uncompressed size
}

// InspectSnapshot parses a snapshot's header and reference table.
func InspectSnapshot(data []byte) (*SnapshotInfo, error) {
	s, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	info := &SnapshotInfo{
		FormatVersion: snapshotVersion,
		ContextID:     s.contextID,
		CreatedAt:     s.createdAt,
		StateBytes:    int64(len(s.state.Data)),
		StateOriginal: s.state.OriginalLen,
	}
	for _, ref := range s.refs {
		info.Refs = append(info.Refs, SnapshotRef{Digest: ref.digest, Count: ref.count})
	}
	return info, nil
}
