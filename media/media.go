// Package media defines the frame and file-metadata types that flow from
// a decoder through the cache to the display driver. Identity of a
// MediaFile is its path; DecodedFrame is immutable once produced (§3).
package media

import (
	"time"

	"github.com/pivid/pivid/display"
)

// FileInfo is metadata a decoder backend can report synchronously once a
// file is opened, before any frame has been decoded.
type FileInfo struct {
	Size        int64
	PixelFormat string
	Codec       string
	FrameRate   float64
	Duration    time.Duration
	BitRate     int64
	Width       int
	Height      int
}

// File carries a media path and its cached metadata.
type File struct {
	Path string
	Info FileInfo
}

// DecodedFrame is one decoded picture (§3): a presentation timestamp
// relative to stream origin, plus the buffer that holds its pixels. It is
// immutable; its lifetime is governed entirely by FrameBuffer refcounting.
type DecodedFrame struct {
	PTS    time.Duration
	Buffer *display.FrameBuffer
}

// Release drops this frame's reference to its buffer. Call exactly once
// per DecodedFrame obtained from a decoder. Frames returned by a cache
// lookup share the cache's own reference and are not released by the
// caller.
func (f DecodedFrame) Release() {
	if f.Buffer != nil {
		f.Buffer.Release()
	}
}
