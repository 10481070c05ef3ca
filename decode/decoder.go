// Package decode defines the media decoder contract (§4.3) the playback
// core requires, independent of how frames are actually produced. Two
// concrete backends are provided: a static-image backend and a
// container/bitstream backend for MPEG-TS H.264/H.265, optionally fed by
// a live SRT pull instead of a local file.
package decode

import (
	"context"
	"fmt"
	"time"

	"github.com/pivid/pivid/media"
)

// Kind tags the error kinds a Decoder can report (§7). Decode errors are
// reported through NextFrame's return value, never through silent
// corruption or a panic.
type Kind int

const (
	KindIo     Kind = iota // file/stream not readable
	KindFormat             // unsupported container/codec
	KindDecode             // transient per-frame failure; frame skipped
)

func (k Kind) String() string {
	switch k {
	case KindIo:
		return "io"
	case KindFormat:
		return "format"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is a tagged decoder failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("decode: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Decoder is the capability set required of a media decoder (§4.3). It is
// its own concurrent unit internally; NextFrame is always non-blocking.
type Decoder interface {
	// FileInfo returns metadata gathered synchronously at Open time.
	FileInfo() media.FileInfo

	// SeekBefore repositions so the next NextFrame yields a keyframe
	// at-or-before ts. A no-op on non-seekable sources (e.g. a live SRT
	// pull).
	SeekBefore(ctx context.Context, ts time.Duration) error

	// NextFrame performs a non-blocking pull. It returns (frame, true, nil)
	// on success, (zero, false, nil) if no frame is ready yet, and a
	// non-nil error only for KindFormat/KindIo; per-frame KindDecode
	// failures are logged internally and simply skip that frame, never
	// surfacing as an error here.
	NextFrame(ctx context.Context) (frame media.DecodedFrame, ok bool, err error)

	// AtEOF reports whether the decoder has no more frames to produce.
	AtEOF() bool

	// Close releases the decoder's resources. Idempotent.
	Close() error
}
