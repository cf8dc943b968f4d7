// Package compression provides the two-profile zstd codec used for tier
// demotion and hibernation snapshots.
package compression

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Profile selects a speed/ratio trade-off.
type Profile uint8

const (
	// ProfileFast favors CPU cost over ratio; used for the warm tier
	// where blobs stay in memory and are re-inflated often.
	ProfileFast Profile = iota
	// ProfileHigh favors ratio; used for the cold tier and for
	// hibernation snapshots.
	ProfileHigh
)

func (p Profile) String() string {
	switch p {
	case ProfileFast:
		return "fast"
	case ProfileHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ErrCorrupt is returned when a blob fails structural validation or its
// decoded length does not match the recorded original length.
var ErrCorrupt = errors.New("compression: corrupt blob")

// Blob is a compressed payload together with the metadata needed to
// validate and inflate it.
type Blob struct {
	Data        []byte
	OriginalLen int64
	Profile     Profile
}

// Codec holds one encoder per profile and a shared decoder. Encoders and
// the decoder are safe for concurrent use via EncodeAll/DecodeAll.
type Codec struct {
	fast    *zstd.Encoder
	high    *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec builds both encoders and the decoder up front so compress
// calls on the eviction path never allocate codec state.
func NewCodec() (*Codec, error) {
	fast, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("create fast encoder: %w", err)
	}

	high, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("create high-ratio encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	return &Codec{fast: fast, high: high, decoder: decoder}, nil
}

// Compress encodes data under the given profile.
func (c *Codec) Compress(data []byte, profile Profile) Blob {
	enc := c.fast
	if profile == ProfileHigh {
		enc = c.high
	}
	return Blob{
		Data:        enc.EncodeAll(data, make([]byte, 0, len(data)/2)),
		OriginalLen: int64(len(data)),
		Profile:     profile,
	}
}

// Decompress inflates a blob and validates it against the recorded
// original length. maxLen bounds the output allocation: a blob whose
// OriginalLen exceeds it is rejected before any output is allocated,
// which bounds worst-case memory use against malformed input. A maxLen
// of 0 means no bound.
func (c *Codec) Decompress(blob Blob, maxLen int64) ([]byte, error) {
	if blob.OriginalLen < 0 {
		return nil, fmt.Errorf("%w: negative original length %d", ErrCorrupt, blob.OriginalLen)
	}
	if maxLen > 0 && blob.OriginalLen > maxLen {
		return nil, fmt.Errorf("%w: original length %d exceeds limit %d",
			ErrCorrupt, blob.OriginalLen, maxLen)
	}

	data, err := c.decoder.DecodeAll(blob.Data, make([]byte, 0, blob.OriginalLen))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if int64(len(data)) != blob.OriginalLen {
		return nil, fmt.Errorf("%w: decoded %d bytes, expected %d",
			ErrCorrupt, len(data), blob.OriginalLen)
	}
	return data, nil
}

// Close releases encoder and decoder resources.
func (c *Codec) Close() error {
	c.fast.Close()
	c.high.Close()
	c.decoder.Close()
	return nil
}
